package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks currently active sessions
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_active_sessions",
			Help: "Number of active sessions",
		},
		[]string{"workspace_id"},
	)

	// SessionDuration tracks how long sessions run
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"workspace_id", "status"},
	)

	// SessionAdmissionRejections counts rejected session starts
	SessionAdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_session_admission_rejections_total",
			Help: "Session starts rejected by slot admission",
		},
		[]string{"reason"},
	)

	// StopOutcomes counts terminal stop transitions
	StopOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_stop_outcomes_total",
			Help: "Terminal outcomes of stop episodes",
		},
		[]string{"mode", "outcome"},
	)

	// PolicyDecisions counts policy engine decisions by rule
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_policy_decisions_total",
			Help: "Policy heuristic decisions on tool calls",
		},
		[]string{"rule", "action"},
	)

	// BridgeConnections tracks open loopback bridge connections
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_bridge_connections",
			Help: "Open connections through the loopback bridge",
		},
	)

	// BridgeListeners tracks active bridge listeners by target port
	BridgeListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_bridge_listeners",
			Help: "Active loopback bridge listeners",
		},
	)

	// EventRingDrops tracks events dropped from session rings
	EventRingDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_event_ring_drops_total",
			Help: "Events dropped from session event rings due to overflow",
		},
		[]string{"session_id"},
	)

	// CommandsForwarded counts client commands forwarded to the backend
	CommandsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_commands_forwarded_total",
			Help: "Client commands forwarded to the agent backend",
		},
		[]string{"command", "status"},
	)

	// PersistFlushes counts session persistence flushes
	PersistFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_session_persist_flushes_total",
			Help: "Session persistence flushes by trigger",
		},
		[]string{"trigger"},
	)
)

// RecordSessionStart records metrics for a session start
func RecordSessionStart(workspaceID string) {
	ActiveSessions.WithLabelValues(workspaceID).Inc()
}

// RecordSessionEnd records metrics for a session end
func RecordSessionEnd(workspaceID, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(workspaceID).Dec()
	SessionDuration.WithLabelValues(workspaceID, status).Observe(durationSeconds)
}

// RecordPolicyDecision records a policy engine decision
func RecordPolicyDecision(rule, action string) {
	PolicyDecisions.WithLabelValues(rule, action).Inc()
}

// RecordStopOutcome records the terminal outcome of a stop episode
func RecordStopOutcome(mode, outcome string) {
	StopOutcomes.WithLabelValues(mode, outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
