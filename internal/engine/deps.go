// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/applyflow/applyflow/internal/domain"
)

// Store is the durable session store the engine drives. Commit must be an
// atomic compare-and-swap on the session version, appending the given
// history records in the same transaction.
type Store interface {
	Get(ctx context.Context, userID string) (domain.Session, error)
	Commit(ctx context.Context, expectedVersion int64, s domain.Session, history ...domain.HistoryRecord) error
	ReadHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error)
}

// StepExecutor performs the side effect of one workflow step. Implementations
// must be idempotent with respect to req.EffectKey: re-invocation for the
// same user and step must not duplicate the external effect.
type StepExecutor interface {
	Execute(ctx context.Context, req domain.StepRequest) (domain.Outcome, error)
}
