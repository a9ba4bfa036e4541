// Package metrics declares the relay's Prometheus collectors. Register must
// be called once by the process before the collectors are scraped.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_sessions",
		Help: "Currently open websocket sessions.",
	})
	HandshakeRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_handshake_rejected_total",
		Help: "Connections refused before upgrade (missing bearer token, bad origin).",
	})
	DroppedEnvelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_dropped_envelopes_total",
		Help: "Inbound envelopes dropped, by reason.",
	}, []string{"reason"})
	AuthOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_auth_outcomes_total",
		Help: "Identity verification results, by outcome.",
	}, []string{"outcome"})
	PublishedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_published_messages_total",
		Help: "Messages accepted by the router, by channel.",
	}, []string{"channel"})
	RejectedPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_rejected_publishes_total",
		Help: "Publish attempts refused by the router, by reason.",
	}, []string{"reason"})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_delivery_failures_total",
		Help: "Fan-out deliveries that could not be queued for a recipient.",
	})
)

// Register adds every collector to the default registry.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith adds every collector to reg.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveSessions,
		HandshakeRejected,
		DroppedEnvelopes,
		AuthOutcomes,
		PublishedMessages,
		RejectedPublishes,
		DeliveryFailures,
	)
}
