// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// History record kinds. SUCCESS/RETRYABLE/FATAL mirror executor outcomes;
// RESET marks an administrative reset without erasing prior records.
const (
	HistorySuccess   = "SUCCESS"
	HistoryRetryable = "RETRYABLE"
	HistoryFatal     = "FATAL"
	HistoryReset     = "RESET"
)

type HistoryRecord struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	UserID    string          `json:"user_id"`
	Step      int             `json:"step"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewHistoryRecord builds an unsequenced record; the store assigns Seq and
// CreatedAt when the record is committed.
func NewHistoryRecord(userID string, step int, kind string, detail any) HistoryRecord {
	rec := HistoryRecord{
		ID:     uuid.New(),
		UserID: userID,
		Step:   step,
		Kind:   kind,
	}
	if detail != nil {
		if payload, err := json.Marshal(detail); err == nil {
			rec.Detail = payload
		}
	}
	return rec
}
