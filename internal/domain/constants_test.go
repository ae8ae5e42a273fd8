// SPDX-License-Identifier: Apache-2.0

package domain

import "testing"

func TestSessionStateConstants(t *testing.T) {
	if SessionActive != "ACTIVE" {
		t.Fatalf("unexpected SessionActive value: %s", SessionActive)
	}
	if SessionDone != "DONE" {
		t.Fatalf("unexpected SessionDone value: %s", SessionDone)
	}
	if SessionFailed != "FAILED" {
		t.Fatalf("unexpected SessionFailed value: %s", SessionFailed)
	}
}

func TestOutcomeKindConstants(t *testing.T) {
	if OutcomeSuccess != "SUCCESS" {
		t.Fatalf("unexpected OutcomeSuccess value: %s", OutcomeSuccess)
	}
	if OutcomeRetryable != "RETRYABLE" {
		t.Fatalf("unexpected OutcomeRetryable value: %s", OutcomeRetryable)
	}
	if OutcomeFatal != "FATAL" {
		t.Fatalf("unexpected OutcomeFatal value: %s", OutcomeFatal)
	}
}

func TestResponseStatusConstants(t *testing.T) {
	if StatusAwaitingStep != "AWAITING_STEP" {
		t.Fatalf("unexpected StatusAwaitingStep value: %s", StatusAwaitingStep)
	}
	if StatusDone != "DONE" {
		t.Fatalf("unexpected StatusDone value: %s", StatusDone)
	}
	if StatusFailed != "FAILED" {
		t.Fatalf("unexpected StatusFailed value: %s", StatusFailed)
	}
	if StatusValidationError != "VALIDATION_ERROR" {
		t.Fatalf("unexpected StatusValidationError value: %s", StatusValidationError)
	}
	if StatusConcurrentModification != "CONCURRENT_MODIFICATION" {
		t.Fatalf("unexpected StatusConcurrentModification value: %s", StatusConcurrentModification)
	}
}
