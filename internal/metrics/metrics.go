package metrics

import (
	"net/http"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "cart_engine"

// Metrics holds the cart business metrics. Each instance owns its registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	CartsCreated       *prometheus.CounterVec
	Operations         *prometheus.CounterVec
	Merges             *prometheus.CounterVec
	CASConflicts       prometheus.Counter
	AvailabilityErrors *prometheus.CounterVec
	CartValue          prometheus.Histogram
}

// New creates and registers all metrics on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CartsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "carts_created_total",
				Help:      "Total carts created",
			},
			[]string{"owner"}, // owner: guest, user
		),
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cart_operations_total",
				Help:      "Cart operations by outcome",
			},
			[]string{"op", "result"}, // result: ok or an error code
		),
		Merges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cart_merges_total",
				Help:      "Guest cart merges at login",
			},
			[]string{"result"}, // result: merged, noop, error
		),
		CASConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cart_cas_conflicts_total",
				Help:      "Optimistic writes retried after a concurrent modification",
			},
		),
		AvailabilityErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "availability_errors_total",
				Help:      "Catalog lookups that failed as unavailable",
			},
			[]string{"op"},
		),
		CartValue: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cart_value",
				Help:      "Cart total after each successful mutation",
				Buckets:   []float64{10, 25, 50, 75, 100, 150, 250, 500, 1000},
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOperation records the outcome of one cart operation.
func (m *Metrics) ObserveOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = domain.Code(err)
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveCartValue(total decimal.Decimal) {
	m.CartValue.Observe(total.InexactFloat64())
}
