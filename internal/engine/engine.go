// SPDX-License-Identifier: Apache-2.0

// Package engine advances per-user workflow sessions through a fixed ordered
// sequence of steps, mediating between the session store and the step
// executors. All state transitions commit through the store's version CAS,
// so any number of concurrent callers resolve to exactly one winner per
// transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/applyflow/applyflow/internal/backoff"
	"github.com/applyflow/applyflow/internal/domain"
	"github.com/applyflow/applyflow/internal/metrics"
)

const (
	DefaultMaxAttempts     = 3
	DefaultConflictRetries = 3
)

type Deps struct {
	Store     Store
	Steps     []domain.StepDefinition
	Executors map[int]StepExecutor
	Logger    *slog.Logger

	// MaxAttempts is the total executor attempts per step invocation, the
	// first attempt included.
	MaxAttempts     int
	Backoff         backoff.Policy
	ConflictRetries int

	// DeferRetries hands retries to the background worker instead of
	// blocking the caller: Advance returns after the first RETRYABLE
	// outcome with a scheduled re-attempt.
	DeferRetries bool
}

type Engine struct {
	store           Store
	steps           []domain.StepDefinition
	executors       map[int]StepExecutor
	logger          *slog.Logger
	maxAttempts     int
	policy          backoff.Policy
	conflictRetries int
	deferRetries    bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: nil store")
	}
	if err := validateSteps(deps.Steps, deps.Executors); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	conflictRetries := deps.ConflictRetries
	if conflictRetries <= 0 {
		conflictRetries = DefaultConflictRetries
	}

	return &Engine{
		store:           deps.Store,
		steps:           deps.Steps,
		executors:       deps.Executors,
		logger:          logger,
		maxAttempts:     maxAttempts,
		policy:          deps.Backoff,
		conflictRetries: conflictRetries,
		deferRetries:    deps.DeferRetries,
		sleep:           sleepCtx,
		now:             time.Now,
	}, nil
}

// validateSteps rejects misconfigured workflows at startup: indexes must be
// contiguous from 0, only the last step may be terminal, and every step
// needs a registered executor.
func validateSteps(steps []domain.StepDefinition, executors map[int]StepExecutor) error {
	if len(steps) == 0 {
		return fmt.Errorf("engine: no steps configured")
	}
	for i, def := range steps {
		if def.Index != i {
			return fmt.Errorf("engine: step %q has index %d, want %d", def.Name, def.Index, i)
		}
		if def.Terminal != (i == len(steps)-1) {
			return fmt.Errorf("engine: step %q terminal flag mismatch", def.Name)
		}
		if _, ok := executors[i]; !ok {
			return fmt.Errorf("engine: %w: %q", domain.ErrUnknownStep, def.Name)
		}
	}
	return nil
}

// Advance applies one user interaction to the session: validate the input
// against the current step, run the step's executor, and commit the
// resulting transition. Terminal sessions and sessions with a scheduled
// background retry short-circuit without invoking any executor.
func (e *Engine) Advance(ctx context.Context, userID string, input map[string]string) (domain.EngineResponse, error) {
	for pass := 0; pass < e.conflictRetries; pass++ {
		resp, err := e.advanceOnce(ctx, userID, input)
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.IncVersionConflicts()
			e.logger.Info("advance lost commit race, retrying",
				"user_id", userID,
				"pass", pass+1,
			)
			continue
		}
		if err != nil {
			return domain.EngineResponse{}, err
		}
		metrics.IncAdvance(resp.Status)
		return resp, nil
	}

	e.logger.Warn("advance gave up after repeated commit races", "user_id", userID)
	resp := domain.EngineResponse{Status: domain.StatusConcurrentModification}
	metrics.IncAdvance(resp.Status)
	return resp, nil
}

func (e *Engine) advanceOnce(ctx context.Context, userID string, input map[string]string) (domain.EngineResponse, error) {
	s, err := e.store.Get(ctx, userID)
	if err != nil {
		return domain.EngineResponse{}, err
	}

	if s.Terminal() {
		return e.terminalResponse(s), nil
	}

	if s.RetryPending() {
		// A background re-attempt is already scheduled; the caller waits.
		return domain.EngineResponse{
			Status:       domain.StatusAwaitingStep,
			Step:         s.CurrentStep,
			PromptFields: e.steps[s.CurrentStep].Required,
			RetryPending: true,
			Version:      s.Version,
		}, nil
	}

	def := e.steps[s.CurrentStep]

	candidate := s.Clone()
	candidate.MergeFields(input)

	if missing := missingFields(def, candidate.Fields); len(missing) > 0 {
		if len(input) == 0 {
			// Initial contact: prompt for the step's fields.
			return domain.EngineResponse{
				Status:       domain.StatusAwaitingStep,
				Step:         s.CurrentStep,
				PromptFields: def.Required,
				Version:      s.Version,
			}, nil
		}
		// Presentation-layer failure: no mutation, no history.
		return domain.EngineResponse{
			Status:        domain.StatusValidationError,
			Step:          s.CurrentStep,
			MissingFields: missing,
			Version:       s.Version,
		}, nil
	}

	if e.deferRetries {
		return e.runDeferred(ctx, s, candidate, def, input)
	}
	return e.runSynchronous(ctx, s, candidate, def)
}

// runSynchronous drives the executor through the full attempt budget inline,
// sleeping the backoff delay between attempts, and commits once with the
// accumulated history.
func (e *Engine) runSynchronous(
	ctx context.Context,
	s domain.Session,
	candidate domain.Session,
	def domain.StepDefinition,
) (domain.EngineResponse, error) {
	req := domain.StepRequest{
		EffectKey: effectKey(s.UserID, def.Index),
		Fields:    candidate.Fields,
	}

	history := make([]domain.HistoryRecord, 0, e.maxAttempts)

	for attempt := 1; ; attempt++ {
		outcome := e.execute(ctx, def, req)

		switch outcome.Kind {
		case domain.OutcomeSuccess:
			history = append(history, domain.NewHistoryRecord(
				s.UserID, def.Index, domain.HistorySuccess,
				map[string]any{"step": def.Name, "attempt": attempt},
			))
			return e.commitSuccess(ctx, s, candidate, def, outcome, history)

		case domain.OutcomeFatal:
			history = append(history, domain.NewHistoryRecord(
				s.UserID, def.Index, domain.HistoryFatal,
				map[string]any{"step": def.Name, "reason": outcome.Reason},
			))
			return e.commitFailed(ctx, s, candidate, def, outcome.Reason, history)

		case domain.OutcomeRetryable:
			history = append(history, domain.NewHistoryRecord(
				s.UserID, def.Index, domain.HistoryRetryable,
				map[string]any{"step": def.Name, "reason": outcome.Reason, "attempt": attempt},
			))

			if attempt >= e.maxAttempts {
				e.logger.Warn("step retry budget exhausted",
					"user_id", s.UserID,
					"step", def.Name,
					"attempts", attempt,
				)
				return e.commitFailed(ctx, s, candidate, def, outcome.Reason, history)
			}

			metrics.IncRetryAttempts()
			delay := e.policy.Delay(attempt)
			e.logger.Info("step attempt failed, backing off",
				"user_id", s.UserID,
				"step", def.Name,
				"attempt", attempt,
				"delay", delay,
				"reason", outcome.Reason,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return domain.EngineResponse{}, err
			}

		default:
			return domain.EngineResponse{}, fmt.Errorf("engine: unknown outcome kind %q", outcome.Kind)
		}
	}
}

// runDeferred executes a single attempt; a RETRYABLE outcome persists the
// validated input and schedules the background worker instead of blocking.
func (e *Engine) runDeferred(
	ctx context.Context,
	s domain.Session,
	candidate domain.Session,
	def domain.StepDefinition,
	input map[string]string,
) (domain.EngineResponse, error) {
	req := domain.StepRequest{
		EffectKey: effectKey(s.UserID, def.Index),
		Fields:    candidate.Fields,
	}

	outcome := e.execute(ctx, def, req)

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistorySuccess,
			map[string]any{"step": def.Name, "attempt": 1},
		)
		return e.commitSuccess(ctx, s, candidate, def, outcome, []domain.HistoryRecord{rec})

	case domain.OutcomeFatal:
		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistoryFatal,
			map[string]any{"step": def.Name, "reason": outcome.Reason},
		)
		return e.commitFailed(ctx, s, candidate, def, outcome.Reason, []domain.HistoryRecord{rec})

	case domain.OutcomeRetryable:
		metrics.IncRetryAttempts()
		nextAt := e.now().Add(e.policy.Delay(1))

		next := candidate
		next.RetryAttempts = 1
		next.PendingInput = input
		next.NextRetryAt = &nextAt

		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistoryRetryable,
			map[string]any{"step": def.Name, "reason": outcome.Reason, "attempt": 1},
		)
		if err := e.store.Commit(ctx, s.Version, next, rec); err != nil {
			return domain.EngineResponse{}, err
		}

		e.logger.Info("step deferred for background retry",
			"user_id", s.UserID,
			"step", def.Name,
			"next_retry_at", nextAt,
		)
		return domain.EngineResponse{
			Status:       domain.StatusAwaitingStep,
			Step:         def.Index,
			PromptFields: def.Required,
			Reason:       outcome.Reason,
			RetryPending: true,
			Version:      s.Version + 1,
		}, nil

	default:
		return domain.EngineResponse{}, fmt.Errorf("engine: unknown outcome kind %q", outcome.Kind)
	}
}

// Resume performs one scheduled background attempt for a session parked by
// runDeferred. The worker calls it after claiming the session via the
// store's due-retry scan.
func (e *Engine) Resume(ctx context.Context, userID string) (domain.EngineResponse, error) {
	s, err := e.store.Get(ctx, userID)
	if err != nil {
		return domain.EngineResponse{}, err
	}

	if s.Terminal() {
		return e.terminalResponse(s), nil
	}
	if !s.RetryPending() {
		// Nothing scheduled; a concurrent commit already settled this step.
		return domain.EngineResponse{
			Status:       domain.StatusAwaitingStep,
			Step:         s.CurrentStep,
			PromptFields: e.steps[s.CurrentStep].Required,
			Version:      s.Version,
		}, nil
	}

	def := e.steps[s.CurrentStep]

	candidate := s.Clone()
	candidate.MergeFields(s.PendingInput)

	req := domain.StepRequest{
		EffectKey: effectKey(s.UserID, def.Index),
		Fields:    candidate.Fields,
	}

	attempt := s.RetryAttempts + 1
	outcome := e.execute(ctx, def, req)

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistorySuccess,
			map[string]any{"step": def.Name, "attempt": attempt},
		)
		return e.commitSuccess(ctx, s, candidate, def, outcome, []domain.HistoryRecord{rec})

	case domain.OutcomeFatal:
		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistoryFatal,
			map[string]any{"step": def.Name, "reason": outcome.Reason},
		)
		return e.commitFailed(ctx, s, candidate, def, outcome.Reason, []domain.HistoryRecord{rec})

	case domain.OutcomeRetryable:
		rec := domain.NewHistoryRecord(
			s.UserID, def.Index, domain.HistoryRetryable,
			map[string]any{"step": def.Name, "reason": outcome.Reason, "attempt": attempt},
		)

		if attempt >= e.maxAttempts {
			e.logger.Warn("step retry budget exhausted in background",
				"user_id", s.UserID,
				"step", def.Name,
				"attempts", attempt,
			)
			return e.commitFailed(ctx, s, candidate, def, outcome.Reason, []domain.HistoryRecord{rec})
		}

		metrics.IncRetryAttempts()
		nextAt := e.now().Add(e.policy.Delay(attempt))

		next := candidate
		next.RetryAttempts = attempt
		next.NextRetryAt = &nextAt

		if err := e.store.Commit(ctx, s.Version, next, rec); err != nil {
			return domain.EngineResponse{}, err
		}
		return domain.EngineResponse{
			Status:       domain.StatusAwaitingStep,
			Step:         def.Index,
			PromptFields: def.Required,
			Reason:       outcome.Reason,
			RetryPending: true,
			Version:      s.Version + 1,
		}, nil

	default:
		return domain.EngineResponse{}, fmt.Errorf("engine: unknown outcome kind %q", outcome.Kind)
	}
}

// Reset reinitializes the session to step 0 with a fresh field map, leaving
// all prior history in place behind a RESET marker.
func (e *Engine) Reset(ctx context.Context, userID string) (domain.EngineResponse, error) {
	for pass := 0; pass < e.conflictRetries; pass++ {
		s, err := e.store.Get(ctx, userID)
		if err != nil {
			return domain.EngineResponse{}, err
		}

		next := domain.Session{
			UserID:      s.UserID,
			State:       domain.SessionActive,
			CurrentStep: 0,
			Fields:      map[string]string{},
			CreatedAt:   s.CreatedAt,
		}

		rec := domain.NewHistoryRecord(
			userID, s.CurrentStep, domain.HistoryReset,
			map[string]any{"from_state": s.State, "from_step": s.CurrentStep},
		)

		err = e.store.Commit(ctx, s.Version, next, rec)
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.IncVersionConflicts()
			continue
		}
		if err != nil {
			return domain.EngineResponse{}, err
		}

		e.logger.Info("session reset",
			"user_id", userID,
			"from_state", s.State,
			"from_step", s.CurrentStep,
		)
		return domain.EngineResponse{
			Status:       domain.StatusAwaitingStep,
			Step:         0,
			PromptFields: e.steps[0].Required,
			Version:      s.Version + 1,
		}, nil
	}

	return domain.EngineResponse{Status: domain.StatusConcurrentModification}, nil
}

// execute runs one attempt, classifying a returned error as a retryable
// infrastructure failure so raw errors never escape the engine.
func (e *Engine) execute(ctx context.Context, def domain.StepDefinition, req domain.StepRequest) domain.Outcome {
	executor := e.executors[def.Index]

	started := e.now()
	outcome, err := executor.Execute(ctx, req)
	metrics.ObserveExecutorDuration(time.Since(started))

	if err != nil {
		e.logger.Error("executor returned error",
			"step", def.Name,
			"error", err,
		)
		outcome = domain.Retryable(err.Error())
	}

	metrics.IncStepOutcome(outcome.Kind)
	return outcome
}

func (e *Engine) commitSuccess(
	ctx context.Context,
	s domain.Session,
	candidate domain.Session,
	def domain.StepDefinition,
	outcome domain.Outcome,
	history []domain.HistoryRecord,
) (domain.EngineResponse, error) {
	next := candidate
	next.MergeFields(outcome.Fields)
	next.RetryAttempts = 0
	next.PendingInput = nil
	next.NextRetryAt = nil

	if def.Terminal {
		next.State = domain.SessionDone
	} else {
		next.CurrentStep = def.Index + 1
	}

	if err := e.store.Commit(ctx, s.Version, next, history...); err != nil {
		return domain.EngineResponse{}, err
	}

	if def.Terminal {
		metrics.IncTerminalSession(domain.SessionDone)
		e.logger.Info("workflow completed", "user_id", s.UserID)
		return domain.EngineResponse{
			Status:  domain.StatusDone,
			Step:    def.Index,
			Version: s.Version + 1,
		}, nil
	}

	e.logger.Info("step completed",
		"user_id", s.UserID,
		"step", def.Name,
		"next_step", next.CurrentStep,
	)
	return domain.EngineResponse{
		Status:       domain.StatusAwaitingStep,
		Step:         next.CurrentStep,
		PromptFields: e.steps[next.CurrentStep].Required,
		Version:      s.Version + 1,
	}, nil
}

func (e *Engine) commitFailed(
	ctx context.Context,
	s domain.Session,
	candidate domain.Session,
	def domain.StepDefinition,
	reason string,
	history []domain.HistoryRecord,
) (domain.EngineResponse, error) {
	next := candidate
	next.State = domain.SessionFailed
	next.RetryAttempts = 0
	next.PendingInput = nil
	next.NextRetryAt = nil

	if err := e.store.Commit(ctx, s.Version, next, history...); err != nil {
		return domain.EngineResponse{}, err
	}

	metrics.IncTerminalSession(domain.SessionFailed)
	e.logger.Warn("workflow failed",
		"user_id", s.UserID,
		"step", def.Name,
		"reason", reason,
	)
	return domain.EngineResponse{
		Status:  domain.StatusFailed,
		Step:    def.Index,
		Reason:  reason,
		Version: s.Version + 1,
	}, nil
}

func (e *Engine) terminalResponse(s domain.Session) domain.EngineResponse {
	status := domain.StatusDone
	if s.State == domain.SessionFailed {
		status = domain.StatusFailed
	}
	return domain.EngineResponse{
		Status:  status,
		Step:    s.CurrentStep,
		Version: s.Version,
	}
}

func missingFields(def domain.StepDefinition, fields map[string]string) []string {
	var missing []string
	for _, name := range def.Required {
		if fields[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func effectKey(userID string, step int) string {
	return fmt.Sprintf("%s:%d", userID, step)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
