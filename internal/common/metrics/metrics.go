package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restaurant"

// Metrics groups every collector the services report. Construct one per
// process and hand it to the components that need it.
type Metrics struct {
	RateLimitDecisions   *prometheus.CounterVec
	RateLimitStoreErrors *prometheus.CounterVec
	HubSubscribers       *prometheus.GaugeVec
	HubEvents            *prometheus.CounterVec
	HubDropped           prometheus.Counter
	TransitionsRejected  *prometheus.CounterVec
	OrdersCreated        *prometheus.CounterVec
	SyncOutcomes         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A *prometheus.Registry is both a
// Registerer and a Gatherer; any other Registerer gets the default gatherer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "decisions_total",
			Help: "Rate limit decisions by endpoint class and outcome.",
		}, []string{"class", "outcome"}),
		RateLimitStoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "store_errors_total",
			Help: "Counter store failures that caused a fail-open decision.",
		}, []string{"class"}),
		HubSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "subscribers",
			Help: "Connected realtime subscribers per channel.",
		}, []string{"channel"}),
		HubEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_total",
			Help: "Events broadcast by the fan-out hub.",
		}, []string{"type"}),
		HubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "dropped_subscribers_total",
			Help: "Subscribers disconnected because their send buffer was full.",
		}),
		TransitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_rejected_total",
			Help: "Status changes rejected by the order state machine.",
		}, []string{"from", "to"}),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "created_total",
			Help: "Orders created, by type and whether the request was a replay.",
		}, []string{"type", "replay"}),
		SyncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "terminal", Name: "sync_outcomes_total",
			Help: "Offline queue submissions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RateLimitDecisions,
		m.RateLimitStoreErrors,
		m.HubSubscribers,
		m.HubEvents,
		m.HubDropped,
		m.TransitionsRejected,
		m.OrdersCreated,
		m.SyncOutcomes,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
