package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Current connection manager state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)
	handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_handshakes_total",
			Help: "Total number of real-time handshakes by result.",
		},
		[]string{"result"},
	)
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_events_total",
			Help: "Total number of inbound real-time events.",
		},
		[]string{"event"},
	)
	outboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbound_events_total",
			Help: "Total number of outbound real-time events by result.",
		},
		[]string{"event", "result"},
	)
	deduplicatedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_deduplicated_messages_total",
			Help: "Total number of inbound echoes merged into an existing cache entry.",
		},
	)
)

// Handshake results.
const (
	HandshakeOK      = "ok"
	HandshakeFailed  = "failed"
	HandshakeStale   = "stale"
	HandshakeAuth    = "auth_rejected"
	OutboundSent     = "sent"
	OutboundDropped  = "dropped"
	OutboundFailed   = "failed"
	OutboundDeferred = "deferred"
)

var states = []string{"idle", "connecting", "live", "closing"}

func init() {
	prometheus.MustRegister(
		connectionState,
		handshakesTotal,
		inboundEventsTotal,
		outboundEventsTotal,
		deduplicatedMessagesTotal,
	)
}

// SetConnectionState marks state as the active connection state.
func SetConnectionState(state string) {
	for _, s := range states {
		if s == state {
			connectionState.WithLabelValues(s).Set(1)
		} else {
			connectionState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordHandshake counts a handshake attempt outcome.
func RecordHandshake(result string) {
	handshakesTotal.WithLabelValues(result).Inc()
}

// RecordInbound counts an inbound event.
func RecordInbound(event string) {
	inboundEventsTotal.WithLabelValues(event).Inc()
}

// RecordOutbound counts an outbound event.
func RecordOutbound(event, result string) {
	outboundEventsTotal.WithLabelValues(event, result).Inc()
}

// RecordDeduplicated counts an echo that was merged instead of appended.
func RecordDeduplicated() {
	deduplicatedMessagesTotal.Inc()
}
