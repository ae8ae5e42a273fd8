// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxUserIDLength = 128

type advanceRequest struct {
	Input map[string]string `json:"input"`
}

type Deps struct {
	Engine SessionAdvancer
	Store  SessionReader
	Health HealthChecker
	Logger *slog.Logger

	AdminToken        string
	AdvanceRatePerMin int

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- SESSIONS ----------------

	r.Route("/sessions/{userID}", func(r chi.Router) {
		r.With(middleware.UserRateLimit(
			middleware.NewUserRateLimiter(),
			deps.AdvanceRatePerMin,
			userIDParam,
			logger,
		)).Post("/advance", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := requireUserID(w, r)
			if !ok {
				return
			}

			reqBody, err := decodeAdvanceRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			resp, err := deps.Engine.Advance(r.Context(), userID, reqBody.Input)
			if err != nil {
				logger.Error("advance failed", "user_id", userID, "error", err)
				http.Error(w, "failed to advance session", http.StatusInternalServerError)
				return
			}

			writeJSON(w, statusCode(resp.Status), resp)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := requireUserID(w, r)
			if !ok {
				return
			}

			s, err := deps.Store.Get(r.Context(), userID)
			if err != nil {
				logger.Error("get session failed", "user_id", userID, "error", err)
				http.Error(w, "failed to load session", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, s)
		})

		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := requireUserID(w, r)
			if !ok {
				return
			}

			history, err := deps.Store.ReadHistory(r.Context(), userID)
			if err != nil {
				logger.Error("read history failed", "user_id", userID, "error", err)
				http.Error(w, "failed to load history", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				UserID  string                 `json:"user_id"`
				History []domain.HistoryRecord `json:"history"`
			}{
				UserID:  userID,
				History: history,
			})
		})
	})

	// ---------------- ADMIN ----------------

	r.Route("/admin/sessions/{userID}", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := requireUserID(w, r)
			if !ok {
				return
			}

			resp, err := deps.Engine.Reset(r.Context(), userID)
			if err != nil {
				logger.Error("reset failed", "user_id", userID, "error", err)
				http.Error(w, "failed to reset session", http.StatusInternalServerError)
				return
			}

			logger.Info("session reset via API", "user_id", userID)
			writeJSON(w, statusCode(resp.Status), resp)
		})
	})

	return r
}

// statusCode maps engine response statuses to HTTP codes: validation
// failures are 422, lost concurrency races 409, everything else 200.
func statusCode(status domain.ResponseStatus) int {
	switch status {
	case domain.StatusValidationError:
		return http.StatusUnprocessableEntity
	case domain.StatusConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func userIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userID"))
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := userIDParam(r)
	if userID == "" || len(userID) > maxUserIDLength {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeAdvanceRequest(r *http.Request) (advanceRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return advanceRequest{}, nil
	}

	var req advanceRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return advanceRequest{}, nil
		}
		return advanceRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return advanceRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
