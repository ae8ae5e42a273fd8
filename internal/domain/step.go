// SPDX-License-Identifier: Apache-2.0

package domain

// StepDefinition describes one stage of the fixed workflow. Definitions are
// immutable after process start and form a contiguous ordered sequence; the
// engine never skips a step.
type StepDefinition struct {
	Index    int
	Name     string
	Required []string
	Terminal bool
}

// StepRequest is what an executor receives: the accumulated session fields
// plus an idempotency key derived from user and step. Executors never see
// transport-layer context.
type StepRequest struct {
	EffectKey string
	Fields    map[string]string
}
