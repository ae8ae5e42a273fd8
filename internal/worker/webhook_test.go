// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
)

func TestSignWebhookPayload(t *testing.T) {
	t.Parallel()

	if got := signWebhookPayload("", []byte("body")); got != "" {
		t.Fatalf("expected empty signature without secret, got %q", got)
	}
	if got := signWebhookPayload("   ", []byte("body")); got != "" {
		t.Fatalf("expected empty signature for blank secret, got %q", got)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("body"))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := signWebhookPayload("secret", []byte("body")); got != want {
		t.Fatalf("signature mismatch: got %q want %q", got, want)
	}
}

func TestTerminalWebhookDelivery(t *testing.T) {
	t.Parallel()

	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(struct {
			Body []byte
			Sig  string
		}{body, r.Header.Get(webhookHeaderSig)})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &fakeRetryStore{batches: [][]string{{"u1"}}}
	engine := &fakeResumer{
		responses: map[string]domain.EngineResponse{
			"u1": {Status: domain.StatusFailed, Step: 3, Reason: "verify timeout"},
		},
	}

	w := New(Deps{
		Store:         store,
		Engine:        engine,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookURL:    srv.URL,
		WebhookSecret: "secret",
	})

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	stored := received.Load()
	if stored == nil {
		t.Fatal("expected webhook delivery for terminal session")
	}
	got := stored.(struct {
		Body []byte
		Sig  string
	})

	var payload terminalWebhookPayload
	if err := json.Unmarshal(got.Body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.UserID != "u1" || payload.Status != domain.StatusFailed || payload.Reason != "verify timeout" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if got.Sig != signWebhookPayload("secret", got.Body) {
		t.Fatal("signature does not match payload")
	}
}

func TestTerminalWebhookRetriesOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeRetryStore{batches: [][]string{{"u1"}}}
	engine := &fakeResumer{
		responses: map[string]domain.EngineResponse{
			"u1": {Status: domain.StatusDone, Step: 5},
		},
	}

	w := New(Deps{
		Store:      store,
		Engine:     engine,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookURL: srv.URL,
		HTTPClient: &http.Client{Timeout: time.Second},
	})

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry after 5xx, got %d calls", calls.Load())
	}
}

func TestNonTerminalResumeSkipsWebhook(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := &fakeRetryStore{batches: [][]string{{"u1"}}}
	engine := &fakeResumer{
		responses: map[string]domain.EngineResponse{
			"u1": {Status: domain.StatusAwaitingStep, Step: 2, RetryPending: true},
		},
	}

	w := New(Deps{
		Store:      store,
		Engine:     engine,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		WebhookURL: srv.URL,
	})

	if err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("non-terminal resume must not fire the webhook")
	}
}
