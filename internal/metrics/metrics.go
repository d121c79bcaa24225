// Package metrics provides a centralized Prometheus metrics registry for the
// Run Execution Subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram/gauge exported by a runengine worker.
type Metrics struct {
	// RunsStarted/Completed/Failed/Stopped count runs by terminal status.
	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter
	RunsStopped   prometheus.Counter

	// RunDuration measures wall-clock run time in seconds.
	RunDuration prometheus.Histogram

	// StepDuration measures per-step (one LLM call) latency.
	// Labels: provider, model.
	StepDuration *prometheus.HistogramVec

	// AutoContinueCount records how many auto-continues a run used before stopping.
	AutoContinueCount prometheus.Histogram

	// LLMRequestDuration measures LLM completion call latency.
	// Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption. Labels: provider, model, type (input|output).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionDuration measures tool call latency. Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations. Labels: tool_name, status (success|error).
	ToolExecutionCounter *prometheus.CounterVec

	// LockAcquireCounter counts distributed lock acquisition attempts. Labels: outcome (acquired|contended|stale_takeover).
	LockAcquireCounter *prometheus.CounterVec

	// RedisOpDuration measures C1 operation latency. Labels: op (get|set|xadd|xrange|publish|lock).
	RedisOpDuration *prometheus.HistogramVec

	// PendingRedisOps is a gauge of in-flight publish/append operations (§4.12 backpressure).
	PendingRedisOps prometheus.Gauge

	// BackpressurePauses counts how many times streaming writes paused due to backpressure.
	BackpressurePauses prometheus.Counter

	// WriteBufferFlushDuration measures C5 flush latency.
	WriteBufferFlushDuration prometheus.Histogram

	// CreditReservationFailures counts INSUFFICIENT_CREDITS terminations.
	CreditReservationFailures prometheus.Counter

	// ErrorCounter tracks errors by component and code. Labels: component, code.
	ErrorCounter *prometheus.CounterVec
}

// New creates and registers every metric with Prometheus's default registry.
// Call once per process at startup.
func New() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_runs_started_total",
			Help: "Total number of agent runs started.",
		}),
		RunsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_runs_completed_total",
			Help: "Total number of agent runs that reached status=completed.",
		}),
		RunsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_runs_failed_total",
			Help: "Total number of agent runs that reached status=failed.",
		}),
		RunsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_runs_stopped_total",
			Help: "Total number of agent runs that reached status=stopped.",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "runengine_run_duration_seconds",
			Help:    "Wall-clock duration of a run from claim to release.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runengine_step_duration_seconds",
			Help:    "Duration of a single coordinator step (one LLM stream to completion).",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		AutoContinueCount: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "runengine_auto_continues",
			Help:    "Number of auto-continue steps used before a run terminated.",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 20, 25},
		}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runengine_llm_request_duration_seconds",
			Help:    "Duration of LLM executor completion calls.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_llm_tokens_total",
			Help: "Total tokens consumed by provider, model, and type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runengine_tool_execution_duration_seconds",
			Help:    "Duration of tool invocations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_tool_executions_total",
			Help: "Total tool executions by tool name and outcome.",
		}, []string{"tool_name", "status"}),
		LockAcquireCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_lock_acquire_total",
			Help: "Distributed run-lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		RedisOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runengine_redis_op_duration_seconds",
			Help:    "Latency of Key-Value/Stream Service operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"op"}),
		PendingRedisOps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "runengine_pending_redis_ops",
			Help: "In-flight publish/append operations tracked for backpressure.",
		}),
		BackpressurePauses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_backpressure_pauses_total",
			Help: "Number of times streaming writes paused due to backpressure.",
		}),
		WriteBufferFlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "runengine_write_buffer_flush_duration_seconds",
			Help:    "Duration of write-buffer flush-to-Postgres batches.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		CreditReservationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runengine_credit_reservation_failures_total",
			Help: "Number of runs terminated with INSUFFICIENT_CREDITS.",
		}),
		ErrorCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "runengine_errors_total",
			Help: "Total errors by component and error code.",
		}, []string{"component", "code"}),
	}
}
