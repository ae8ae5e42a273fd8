// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewSessionRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewSessionRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected session repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestMemoryStoreGetCreatesFreshSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != domain.SessionActive {
		t.Fatalf("expected ACTIVE state, got %s", s.State)
	}
	if s.CurrentStep != 0 {
		t.Fatalf("expected step 0, got %d", s.CurrentStep)
	}
	if s.Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Version)
	}
}

func TestMemoryStoreCommitBumpsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, _ := store.Get(ctx, "u1")
	s.CurrentStep = 1
	s.MergeFields(map[string]string{"account_login": "octocat"})

	rec := domain.NewHistoryRecord("u1", 0, domain.HistorySuccess, nil)
	if err := store.Commit(ctx, s.Version, s, rec); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	got, _ := store.Get(ctx, "u1")
	if got.Version != 2 {
		t.Fatalf("expected version 2, got %d", got.Version)
	}
	if got.CurrentStep != 1 {
		t.Fatalf("expected step 1, got %d", got.CurrentStep)
	}
	if got.Fields["account_login"] != "octocat" {
		t.Fatal("expected merged field to persist")
	}

	history, _ := store.ReadHistory(ctx, "u1")
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if history[0].Seq != 1 {
		t.Fatalf("expected seq 1, got %d", history[0].Seq)
	}
}

func TestMemoryStoreCommitStaleVersionConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, _ := store.Get(ctx, "u1")
	if err := store.Commit(ctx, s.Version, s); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	// Second writer holding the old snapshot loses.
	err := store.Commit(ctx, s.Version, s)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestMemoryStoreCommitUnknownUser(t *testing.T) {
	store := NewMemoryStore()

	err := store.Commit(context.Background(), 1, domain.Session{UserID: "ghost"})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreDueRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, _ := store.Get(ctx, "u1")
	due := time.Now().Add(-time.Second)
	s.NextRetryAt = &due
	if err := store.Commit(ctx, s.Version, s); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	// Not yet due user.
	s2, _ := store.Get(ctx, "u2")
	future := time.Now().Add(time.Hour)
	s2.NextRetryAt = &future
	if err := store.Commit(ctx, s2.Version, s2); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	claimed, err := store.DueRetries(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != "u1" {
		t.Fatalf("expected [u1], got %v", claimed)
	}

	// The claim leases the row so an immediate second scan skips it.
	claimed, _ = store.DueRetries(ctx, 10, 30*time.Second)
	if len(claimed) != 0 {
		t.Fatalf("expected no claims under lease, got %v", claimed)
	}
}

func TestMemoryStoreHistoryIsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s, _ := store.Get(ctx, "u1")
	rec := domain.NewHistoryRecord("u1", 0, domain.HistoryRetryable, map[string]string{"reason": "timeout"})
	if err := store.Commit(ctx, s.Version, s, rec); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	history, _ := store.ReadHistory(ctx, "u1")
	history[0].Kind = "MUTATED"

	fresh, _ := store.ReadHistory(ctx, "u1")
	if fresh[0].Kind != domain.HistoryRetryable {
		t.Fatal("expected stored history to be immutable to readers")
	}
}
