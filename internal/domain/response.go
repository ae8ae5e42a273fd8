// SPDX-License-Identifier: Apache-2.0

package domain

type ResponseStatus string

const (
	StatusAwaitingStep           ResponseStatus = "AWAITING_STEP"
	StatusDone                   ResponseStatus = "DONE"
	StatusFailed                 ResponseStatus = "FAILED"
	StatusValidationError        ResponseStatus = "VALIDATION_ERROR"
	StatusConcurrentModification ResponseStatus = "CONCURRENT_MODIFICATION"
)

// EngineResponse is what the interaction gateway renders back to the user.
type EngineResponse struct {
	Status       ResponseStatus `json:"status"`
	Step         int            `json:"step"`
	PromptFields []string       `json:"prompt_fields,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	// MissingFields is set for VALIDATION_ERROR responses.
	MissingFields []string `json:"missing_fields,omitempty"`
	// RetryPending signals that a background re-attempt is scheduled for
	// the current step, so the gateway should ask the user to wait.
	RetryPending bool  `json:"retry_pending,omitempty"`
	Version      int64 `json:"version"`
}
