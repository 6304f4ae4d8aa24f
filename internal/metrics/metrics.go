package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookstore"

type Metrics struct {
	Checkouts             *prometheus.CounterVec
	PaymentCallbacks      *prometheus.CounterVec
	SweeperExpired        prometheus.Counter
	EventPublishFailures  prometheus.Counter
	HTTPRequests          *prometheus.CounterVec
	HTTPRequestDurationMS *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Checkout submissions by result.",
		}, []string{"result"}),
		PaymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callbacks_total",
			Help:      "Payment callbacks and expiries by outcome.",
		}, []string{"outcome"}),
		SweeperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_total",
			Help:      "Pending payments expired by the sweeper.",
		}),
		EventPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failures_total",
			Help:      "Domain events that could not be handed to the broker.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		HTTPRequestDurationMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Checkouts,
		m.PaymentCallbacks,
		m.SweeperExpired,
		m.EventPublishFailures,
		m.HTTPRequests,
		m.HTTPRequestDurationMS,
	)
	return m
}

// NewNop returns metrics bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
