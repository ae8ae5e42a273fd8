// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/applyflow/applyflow/internal/backoff"
	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/engine"
	"github.com/applyflow/applyflow/internal/executors"
	"github.com/applyflow/applyflow/internal/logging"
	"github.com/applyflow/applyflow/internal/persistence/postgres"
	"github.com/applyflow/applyflow/internal/repository"
	"github.com/applyflow/applyflow/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.WithComponent(logging.NewLogger(cfg.Env), "worker")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	sessionRepo := repository.NewSessionRepository(pool, logger)

	verifyClient := executors.NewVerifyClient(cfg.VerifyBaseURL, cfg.ExecutorTimeout, logger)

	eng, err := engine.New(engine.Deps{
		Store:       sessionRepo,
		Steps:       executors.DefaultSteps(),
		Executors:   executors.Registry(verifyClient),
		Logger:      logger,
		MaxAttempts: cfg.MaxAttempts,
		Backoff: backoff.Policy{
			Initial: cfg.RetryBaseDelay,
			Max:     cfg.RetryMaxDelay,
			Jitter:  cfg.Env != "dev",
		},
		ConflictRetries: cfg.ConflictRetries,
		DeferRetries:    true,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	w := worker.New(worker.Deps{
		Store:         sessionRepo,
		Engine:        eng,
		Logger:        logger,
		Interval:      cfg.WorkerInterval,
		WebhookURL:    cfg.GatewayWebhookURL,
		WebhookSecret: cfg.WebhookSecret,
	})

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
