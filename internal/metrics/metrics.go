// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_messages_sent_total",
		Help: "Messages accepted by the server.",
	})

	MessageSendRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_message_send_rollbacks_total",
		Help: "Optimistic sends rolled back after a store rejection.",
	})

	ReactionToggles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_reaction_toggles_total",
		Help: "Reaction toggle transactions committed.",
	})

	KudosTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_kudos_transfers_total",
		Help: "Kudos transfer attempts by outcome.",
	}, []string{"outcome"})

	GatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_gateway_clients",
		Help: "Websocket clients currently connected.",
	})

	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_sessions_created_total",
		Help: "Sessions created.",
	})
)

func init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessageSendRollbacks)
	prometheus.MustRegister(ReactionToggles)
	prometheus.MustRegister(KudosTransfers)
	prometheus.MustRegister(GatewayClients)
	prometheus.MustRegister(SessionsCreated)
}

// RegisterStoreListeners exposes the realtime store's live subscription count
// as a gauge. Repeat registrations are ignored, so only the first source wins.
func RegisterStoreListeners(count func() int) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "huddle_store_listeners",
		Help: "Realtime store subscriptions currently registered.",
	}, func() float64 { return float64(count()) })
	_ = prometheus.Register(gauge)
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
