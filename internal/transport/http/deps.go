// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/applyflow/applyflow/internal/domain"
)

// SessionAdvancer is the engine surface the gateway-facing API needs.
type SessionAdvancer interface {
	Advance(ctx context.Context, userID string, input map[string]string) (domain.EngineResponse, error)
	Reset(ctx context.Context, userID string) (domain.EngineResponse, error)
}

// SessionReader serves the read-only snapshot and history endpoints.
type SessionReader interface {
	Get(ctx context.Context, userID string) (domain.Session, error)
	ReadHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
