// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/applyflow/applyflow/internal/backoff"
	"github.com/applyflow/applyflow/internal/config"
	"github.com/applyflow/applyflow/internal/engine"
	"github.com/applyflow/applyflow/internal/executors"
	"github.com/applyflow/applyflow/internal/logging"
	"github.com/applyflow/applyflow/internal/persistence/postgres"
	"github.com/applyflow/applyflow/internal/repository"
	httptransport "github.com/applyflow/applyflow/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.WithComponent(logging.NewLogger(cfg.Env), "api")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
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
		DeferRetries:    cfg.DeferRetries,
	})
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Engine:            eng,
		Store:             sessionRepo,
		Health:            postgres.NewSchemaHealthChecker(pool),
		Logger:            logger,
		AdminToken:        cfg.AdminToken,
		AdvanceRatePerMin: cfg.AdvanceRatePerMin,
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
