// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
)

// MemoryStore is an in-process session store with the same compare-and-swap
// semantics as SessionRepository. It backs unit tests and local development
// without a database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	history  map[string][]domain.HistoryRecord
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session, 16),
		history:  make(map[string][]domain.HistoryRecord, 16),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		now := time.Now()
		s = domain.Session{
			UserID:      userID,
			State:       domain.SessionActive,
			CurrentStep: 0,
			Fields:      map[string]string{},
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.sessions[userID] = s
	}

	return s.Clone(), nil
}

func (m *MemoryStore) Commit(
	_ context.Context,
	expectedVersion int64,
	s domain.Session,
	history ...domain.HistoryRecord,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.UserID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if stored.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	next := s.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()
	m.sessions[s.UserID] = next

	for _, rec := range history {
		m.seq++
		rec.Seq = m.seq
		rec.UserID = s.UserID
		rec.CreatedAt = time.Now()
		m.history[s.UserID] = append(m.history[s.UserID], rec)
	}

	return nil
}

func (m *MemoryStore) ReadHistory(_ context.Context, userID string) ([]domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.history[userID]
	out := make([]domain.HistoryRecord, len(records))
	copy(out, records)
	return out, nil
}

func (m *MemoryStore) DueRetries(_ context.Context, limit int, lease time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	claimed := make([]string, 0, limit)

	for userID, s := range m.sessions {
		if len(claimed) >= limit {
			break
		}
		if s.State != domain.SessionActive || s.NextRetryAt == nil {
			continue
		}
		if s.NextRetryAt.After(now) {
			continue
		}

		leased := now.Add(lease)
		s.NextRetryAt = &leased
		m.sessions[userID] = s
		claimed = append(claimed, userID)
	}

	return claimed, nil
}
