// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

type SessionState string

const (
	SessionActive SessionState = "ACTIVE"
	SessionDone   SessionState = "DONE"
	SessionFailed SessionState = "FAILED"
)

// Session is the durable per-user workflow progress record.
// It is created lazily on first interaction, mutated only by the engine,
// and never deleted: terminal sessions stay around until an admin reset.
type Session struct {
	UserID      string            `json:"user_id"`
	State       SessionState      `json:"state"`
	CurrentStep int               `json:"current_step"`
	Fields      map[string]string `json:"fields"`
	Version     int64             `json:"version"`

	// Deferred-retry bookkeeping. RetryAttempts counts executor attempts
	// for the current step invocation; PendingInput holds the validated
	// input of the attempt being retried; NextRetryAt schedules the next
	// background attempt.
	RetryAttempts int               `json:"retry_attempts,omitempty"`
	PendingInput  map[string]string `json:"pending_input,omitempty"`
	NextRetryAt   *time.Time        `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the session reached DONE or FAILED.
func (s Session) Terminal() bool {
	return s.State == SessionDone || s.State == SessionFailed
}

// RetryPending reports whether a background re-attempt is scheduled.
func (s Session) RetryPending() bool {
	return s.NextRetryAt != nil
}

// MergeFields copies fields into the session, accumulate-only: keys that
// already exist keep their value so an earlier step's data is never
// overwritten by a later one.
func (s *Session) MergeFields(fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	if s.Fields == nil {
		s.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		if _, exists := s.Fields[k]; exists {
			continue
		}
		s.Fields[k] = v
	}
}

// Clone returns a deep copy suitable for building a candidate snapshot.
func (s Session) Clone() Session {
	out := s
	if s.Fields != nil {
		out.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = v
		}
	}
	if s.PendingInput != nil {
		out.PendingInput = make(map[string]string, len(s.PendingInput))
		for k, v := range s.PendingInput {
			out.PendingInput[k] = v
		}
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}
