// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	advancesTotalCounter    *prometheus.CounterVec
	stepOutcomesCounter     *prometheus.CounterVec
	executorDurationMetric  prometheus.Histogram
	retryAttemptsCounter    prometheus.Counter
	versionConflictsCounter prometheus.Counter
	terminalSessionsCounter *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		advancesTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advances_total",
				Help: "Total number of advance calls by response status.",
			},
			[]string{"status"},
		)

		stepOutcomesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "step_outcomes_total",
				Help: "Total number of executor outcomes by kind.",
			},
			[]string{"kind"},
		)

		executorDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "executor_duration_seconds",
				Help:    "Duration of step executor attempts in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		retryAttemptsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "executor_retries_total",
				Help: "Total number of retried executor attempts.",
			},
		)

		versionConflictsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "version_conflicts_total",
				Help: "Total number of session commits lost to a concurrent writer.",
			},
		)

		terminalSessionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_sessions_total",
				Help: "Total number of sessions reaching a terminal state.",
			},
			[]string{"state"},
		)

		prometheus.MustRegister(
			advancesTotalCounter,
			stepOutcomesCounter,
			executorDurationMetric,
			retryAttemptsCounter,
			versionConflictsCounter,
			terminalSessionsCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.ResponseStatus{
			domain.StatusAwaitingStep,
			domain.StatusDone,
			domain.StatusFailed,
			domain.StatusValidationError,
			domain.StatusConcurrentModification,
		} {
			advancesTotalCounter.WithLabelValues(string(status))
		}

		for _, kind := range []domain.OutcomeKind{
			domain.OutcomeSuccess,
			domain.OutcomeRetryable,
			domain.OutcomeFatal,
		} {
			stepOutcomesCounter.WithLabelValues(string(kind))
		}

		for _, state := range []domain.SessionState{
			domain.SessionDone,
			domain.SessionFailed,
		} {
			terminalSessionsCounter.WithLabelValues(string(state))
		}
	})
}

func IncAdvance(status domain.ResponseStatus) {
	Init()
	advancesTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncStepOutcome(kind domain.OutcomeKind) {
	Init()
	stepOutcomesCounter.WithLabelValues(string(kind)).Inc()
}

func ObserveExecutorDuration(d time.Duration) {
	Init()
	executorDurationMetric.Observe(d.Seconds())
}

func IncRetryAttempts() {
	Init()
	retryAttemptsCounter.Inc()
}

func IncVersionConflicts() {
	Init()
	versionConflictsCounter.Inc()
}

func IncTerminalSession(state domain.SessionState) {
	Init()
	terminalSessionsCounter.WithLabelValues(string(state)).Inc()
}
