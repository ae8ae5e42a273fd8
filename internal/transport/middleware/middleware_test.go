// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdminTokenAuth(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{"valid token", "secret", "Bearer secret", http.StatusNoContent},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"malformed header", "secret", "secret", http.StatusUnauthorized},
		{"unconfigured fails closed", "", "Bearer anything", http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := AdminTokenAuth(tc.configured, discardLogger())(next)

			req := httptest.NewRequest(http.MethodPost, "/admin/sessions/u1/reset", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestUserRateLimiterAllow(t *testing.T) {
	t.Parallel()

	limiter := NewUserRateLimiter()
	now := time.Now()

	// Burst up to capacity, then deny.
	for i := 0; i < 3; i++ {
		if d := limiter.allow("u1", 3, now); !d.Allowed {
			t.Fatalf("request %d within capacity denied", i+1)
		}
	}
	denied := limiter.allow("u1", 3, now)
	if denied.Allowed {
		t.Fatal("expected denial once the bucket is drained")
	}
	if denied.RetryAfterSeconds < 1 {
		t.Fatalf("expected positive retry-after, got %d", denied.RetryAfterSeconds)
	}

	// Separate users have separate buckets.
	if d := limiter.allow("u2", 3, now); !d.Allowed {
		t.Fatal("a different user must not share the drained bucket")
	}

	// Refill over time.
	if d := limiter.allow("u1", 3, now.Add(time.Minute)); !d.Allowed {
		t.Fatal("expected bucket refilled after a minute")
	}
}

func TestUserRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	limiter := NewUserRateLimiter()
	handler := UserRateLimit(limiter, 1, func(r *http.Request) string {
		return r.Header.Get("X-User")
	}, discardLogger())(next)

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/u1/advance", nil)
	req.Header.Set("X-User", "u1")
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req.Clone(req.Context()))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on limited response")
	}

	// Requests without a user ID bypass the limiter.
	anon := httptest.NewRecorder()
	handler.ServeHTTP(anon, httptest.NewRequest(http.MethodPost, "/sessions//advance", nil))
	if anon.Code != http.StatusOK {
		t.Fatalf("anonymous request should bypass, got %d", anon.Code)
	}
}
