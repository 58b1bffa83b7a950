// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and histograms for the agent loop,
// tool flow, and session routing.
type Metrics struct {
	// MessageCounter tracks messages routed to session queues.
	// Labels: agent_id, type
	MessageCounter *prometheus.CounterVec

	// GenerationDuration measures generator call latency in seconds.
	// Labels: agent_id
	GenerationDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (completed|failed|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval outcomes.
	// Labels: outcome (approved|rejected|timeout)
	ApprovalCounter *prometheus.CounterVec

	// TurnCounter counts completed conversation turns.
	// Labels: agent_id, status
	TurnCounter *prometheus.CounterVec

	// WorkerRestarts counts agent worker restarts after crashes.
	// Labels: agent_id
	WorkerRestarts *prometheus.CounterVec

	// ActiveSessions gauges currently registered session queues.
	ActiveSessions prometheus.Gauge

	// TaskDispatchCounter counts execute_task dispatches.
	// Labels: status (completed|invalid|cancelled)
	TaskDispatchCounter *prometheus.CounterVec
}

// NewMetrics registers all runtime metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_messages_total",
			Help: "Messages routed to session queues by agent and type.",
		}, []string{"agent_id", "type"}),

		GenerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metagen_generation_duration_seconds",
			Help:    "Generator call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"agent_id"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_tool_executions_total",
			Help: "Tool invocations by name and terminal status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metagen_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		ApprovalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_approvals_total",
			Help: "Approval outcomes.",
		}, []string{"outcome"}),

		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_turns_total",
			Help: "Completed conversation turns by agent and status.",
		}, []string{"agent_id", "status"}),

		WorkerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_worker_restarts_total",
			Help: "Agent worker restarts after crashes.",
		}, []string{"agent_id"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "metagen_active_sessions",
			Help: "Currently registered session queues.",
		}),

		TaskDispatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metagen_task_dispatches_total",
			Help: "execute_task dispatches by outcome.",
		}, []string{"status"}),
	}
}
