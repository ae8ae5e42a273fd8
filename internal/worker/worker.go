// SPDX-License-Identifier: Apache-2.0

// Package worker performs deferred retry attempts in the background. It
// scans the store for sessions whose scheduled re-attempt is due, claims
// them under a lease, and resumes each one through the engine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
)

// RetryStore claims sessions with a due background retry. Claimed sessions
// must not be handed to a second worker until the lease expires.
type RetryStore interface {
	DueRetries(ctx context.Context, limit int, lease time.Duration) ([]string, error)
}

// Resumer performs one scheduled attempt for a claimed session.
type Resumer interface {
	Resume(ctx context.Context, userID string) (domain.EngineResponse, error)
}

type Deps struct {
	Store  RetryStore
	Engine Resumer
	Logger *slog.Logger

	Interval  time.Duration
	BatchSize int
	Lease     time.Duration

	// WebhookURL, when set, receives a signed notification whenever a
	// resumed session reaches a terminal state.
	WebhookURL    string
	WebhookSecret string
	HTTPClient    *http.Client
}

type Worker struct {
	store  RetryStore
	engine Resumer
	logger *slog.Logger

	interval  time.Duration
	batchSize int
	lease     time.Duration

	webhookURL    string
	webhookSecret string
	httpClient    *http.Client
}

func New(deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = time.Second
	}

	batch := deps.BatchSize
	if batch <= 0 {
		batch = 10
	}

	lease := deps.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &Worker{
		store:         deps.Store,
		engine:        deps.Engine,
		logger:        logger,
		interval:      interval,
		batchSize:     batch,
		lease:         lease,
		webhookURL:    deps.WebhookURL,
		webhookSecret: deps.WebhookSecret,
		httpClient:    httpClient,
	}
}

// Run ticks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("worker started", "interval", w.interval, "batch_size", w.batchSize)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("worker pass failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims one batch of due sessions and resumes each. A commit
// lost to a concurrent writer is not an error: the other writer already
// settled the session.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	claimed, err := w.store.DueRetries(ctx, w.batchSize, w.lease)
	if err != nil {
		w.logger.Error("due retry scan failed", "error", err)
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	w.logger.Info("retry batch claimed", "count", len(claimed))

	for _, userID := range claimed {
		resp, err := w.engine.Resume(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				w.logger.Info("resume lost commit race", "user_id", userID)
				continue
			}
			w.logger.Error("resume failed", "user_id", userID, "error", err)
			continue
		}

		w.logger.Info("session resumed",
			"user_id", userID,
			"status", resp.Status,
			"step", resp.Step,
			"retry_pending", resp.RetryPending,
		)

		if resp.Status == domain.StatusDone || resp.Status == domain.StatusFailed {
			w.deliverTerminalWebhook(ctx, userID, resp)
		}
	}

	return nil
}
