package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the AgentLoop's own execution, independent of the
// per-run Hub events: these are cumulative across every run a process
// handles, for a long-lived operator (or a scrape target sitting in front
// of a fleet of runs) rather than for one run's audit trail.
var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localagent",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Total number of AgentLoop runs, labeled by terminal ExitReason.",
		},
		[]string{"exit_reason"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "localagent",
			Subsystem: "run",
			Name:      "active",
			Help:      "Number of AgentLoop runs currently executing.",
		},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localagent",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total number of tool calls the gate allowed through to execution, labeled by outcome.",
		},
		[]string{"tool", "outcome"}, // outcome: success, error
	)

	ToolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localagent",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool execution latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"tool"},
	)

	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localagent",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total number of ToolGate decisions, labeled by decision kind.",
		},
		[]string{"tool", "decision"}, // decision: allow, deny, require_approval
	)

	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localagent",
			Subsystem: "approval",
			Name:      "resolved_total",
			Help:      "Total number of interrupt-mode approval requests, labeled by resolution.",
		},
		[]string{"tool", "granted"},
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localagent",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of ChatCompletion calls issued to a model provider, labeled by outcome.",
		},
		[]string{"provider", "outcome"}, // outcome: success, error
	)

	ProviderLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localagent",
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "ChatCompletion round-trip latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"provider"},
	)

	MCPServersConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "localagent",
			Subsystem: "mcp",
			Name:      "servers_connected",
			Help:      "Whether an MCP server is currently connected (1) or not (0).",
		},
		[]string{"server"},
	)
)

// RecordRunFinished increments RunsTotal for the given terminal exit reason.
func RecordRunFinished(exitReason string) {
	RunsTotal.WithLabelValues(exitReason).Inc()
}

// RecordToolCall increments ToolCallsTotal and observes ToolDurationSeconds
// for one completed tool execution.
func RecordToolCall(tool string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	ToolDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordGateDecision increments GateDecisionsTotal for one ToolGate verdict.
func RecordGateDecision(tool, decision string) {
	GateDecisionsTotal.WithLabelValues(tool, decision).Inc()
}

// RecordApproval increments ApprovalsTotal for one resolved interrupt-mode
// approval request.
func RecordApproval(tool string, granted bool) {
	ApprovalsTotal.WithLabelValues(tool, boolLabel(granted)).Inc()
}

// RecordProviderRequest increments ProviderRequestsTotal and observes
// ProviderLatencySeconds for one ChatCompletion call.
func RecordProviderRequest(provider string, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	ProviderLatencySeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetMCPServerConnected records an MCP server's current connection state.
func SetMCPServerConnected(server string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	MCPServersConnected.WithLabelValues(server).Set(value)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
