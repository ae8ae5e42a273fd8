// SPDX-License-Identifier: Apache-2.0

package domain

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "SUCCESS"
	OutcomeRetryable OutcomeKind = "RETRYABLE"
	OutcomeFatal     OutcomeKind = "FATAL"
)

// Outcome is the result of one executor attempt. It is always recorded in
// the session history, never silently dropped.
type Outcome struct {
	Kind   OutcomeKind
	Fields map[string]string
	Reason string
}

func Success(fields map[string]string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Fields: fields}
}

func Retryable(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

func Fatal(reason string) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason}
}
