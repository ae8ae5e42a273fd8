// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" {
		t.Fatal("expected a request ID in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected generated UUID, got %q", seen)
	}
	if rec.Header().Get(headerRequestID) != seen {
		t.Fatal("expected request ID echoed in response header")
	}
}

func TestRequestIDMiddlewarePreservesCallerID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "caller-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(headerRequestID) != "caller-id" {
		t.Fatal("expected caller-supplied request ID preserved")
	}
}

func TestRequestLoggingMiddlewareRecordsStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := requestLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/u1", nil))

	out := buf.String()
	if !strings.Contains(out, `"status":418`) {
		t.Fatalf("expected logged status 418, got %s", out)
	}
	if !strings.Contains(out, `"path":"/sessions/u1"`) {
		t.Fatalf("expected logged path, got %s", out)
	}
}

func TestStatusRecorderDefaultsTo200(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	if _, err := sr.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sr.status != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", sr.status)
	}

	// A later WriteHeader must not override the first.
	sr.WriteHeader(http.StatusInternalServerError)
	if sr.status != http.StatusOK {
		t.Fatalf("expected first status kept, got %d", sr.status)
	}
}
