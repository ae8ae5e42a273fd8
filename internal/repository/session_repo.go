// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository is the durable session store. Writes go through a
// compare-and-swap on the version column; history rows append in the same
// transaction so a committed transition and its audit record are atomic.
type SessionRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSessionRepository(pool *pgxpool.Pool, logger *slog.Logger) *SessionRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionRepository{
		pool:   pool,
		logger: logger,
	}
}

// Get loads the session for userID, lazily creating a fresh ACTIVE session
// at step 0 on first access.
func (r *SessionRepository) Get(ctx context.Context, userID string) (domain.Session, error) {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		r.logger.Error("session insert failed", "user_id", userID, "error", err)
		return domain.Session{}, err
	}

	return r.scanSession(ctx, userID)
}

func (r *SessionRepository) scanSession(ctx context.Context, userID string) (domain.Session, error) {
	var s domain.Session

	err := r.pool.QueryRow(ctx, `
		SELECT user_id, state, current_step, fields, version,
		       retry_attempts, pending_input, next_retry_at,
		       created_at, updated_at
		FROM sessions
		WHERE user_id=$1
	`, userID).Scan(
		&s.UserID,
		&s.State,
		&s.CurrentStep,
		&s.Fields,
		&s.Version,
		&s.RetryAttempts,
		&s.PendingInput,
		&s.NextRetryAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		r.logger.Error("session load failed", "user_id", userID, "error", err)
		return domain.Session{}, err
	}

	return s, nil
}

// Commit writes the session if and only if the stored version still equals
// expectedVersion, bumping it by one. History records append in the same
// transaction. A lost race returns domain.ErrVersionConflict.
func (r *SessionRepository) Commit(
	ctx context.Context,
	expectedVersion int64,
	s domain.Session,
	history ...domain.HistoryRecord,
) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "user_id", s.UserID, "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE sessions
		SET state=$2,
		    current_step=$3,
		    fields=$4,
		    version=$5,
		    retry_attempts=$6,
		    pending_input=$7,
		    next_retry_at=$8,
		    updated_at=NOW()
		WHERE user_id=$1 AND version=$9
	`,
		s.UserID,
		s.State,
		s.CurrentStep,
		s.Fields,
		expectedVersion+1,
		s.RetryAttempts,
		s.PendingInput,
		s.NextRetryAt,
		expectedVersion,
	)
	if err != nil {
		r.logger.Error("session update failed", "user_id", s.UserID, "error", err)
		return err
	}

	if cmd.RowsAffected() == 0 {
		r.logger.Info("session commit lost race",
			"user_id", s.UserID,
			"expected_version", expectedVersion,
		)
		return domain.ErrVersionConflict
	}

	for _, rec := range history {
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_history (id, user_id, step, kind, detail)
			VALUES ($1, $2, $3, $4, $5)
		`,
			rec.ID,
			s.UserID,
			rec.Step,
			rec.Kind,
			rec.Detail,
		); err != nil {
			r.logger.Error("history insert failed",
				"user_id", s.UserID,
				"kind", rec.Kind,
				"error", err,
			)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "user_id", s.UserID, "error", err)
		return err
	}

	return nil
}

// ReadHistory returns the append-only step history in commit order.
func (r *SessionRepository) ReadHistory(ctx context.Context, userID string) ([]domain.HistoryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, user_id, step, kind, detail, created_at
		FROM session_history
		WHERE user_id=$1
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		r.logger.Error("history query failed", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.HistoryRecord, 0, 8)
	for rows.Next() {
		var rec domain.HistoryRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Seq,
			&rec.UserID,
			&rec.Step,
			&rec.Kind,
			&rec.Detail,
			&rec.CreatedAt,
		); err != nil {
			r.logger.Error("scan history row failed", "user_id", userID, "error", err)
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("history rows iteration failed", "user_id", userID, "error", err)
		return nil, err
	}

	return out, nil
}

// DueRetries claims up to limit sessions whose scheduled re-attempt is due.
// Claimed rows get their next_retry_at pushed forward by lease so parallel
// workers do not pick the same session; correctness still rests on the
// version CAS in Commit.
func (r *SessionRepository) DueRetries(ctx context.Context, limit int, lease time.Duration) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT user_id
		FROM sessions
		WHERE state=$1
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, domain.SessionActive, limit)
	if err != nil {
		r.logger.Error("due retries query failed", "error", err)
		return nil, err
	}

	claimed := make([]string, 0, limit)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sessions
		SET next_retry_at = NOW() + make_interval(secs => $2)
		WHERE user_id = ANY($1)
	`, claimed, lease.Seconds()); err != nil {
		r.logger.Error("due retries lease failed", "error", err)
		return nil, err
	}

	return claimed, tx.Commit(ctx)
}
