// Package metrics provides Prometheus metrics for the dashboard pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Upstream metrics
	ExplorerRequests *prometheus.CounterVec
	ExplorerLatency  *prometheus.HistogramVec
	PriceRequests    *prometheus.CounterVec
	TokenLookups     *prometheus.CounterVec
	BreakerChanges   *prometheus.CounterVec
	BudgetDenials    *prometheus.CounterVec

	// Pipeline metrics
	PortfolioCycles   *prometheus.CounterVec
	PortfolioDuration prometheus.Histogram
	TrackedWallets    prometheus.Gauge

	// API metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "wallet_dashboard"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExplorerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "requests_total",
			Help:      "Explorer API requests by chain, action and outcome",
		}, []string{"chain", "action", "outcome"}),
		ExplorerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "request_duration_seconds",
			Help:      "Explorer API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		PriceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "requests_total",
			Help:      "Price API requests by outcome",
		}, []string{"outcome"}),
		TokenLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "token_lookups_total",
			Help:      "ERC-20 metadata and balance lookups by outcome",
		}, []string{"outcome"}),
		BreakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"breaker", "to"}),

		BudgetDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "budget_denials_total",
			Help:      "Explorer requests delayed by the shared request budget, by priority",
		}, []string{"priority"}),

		PortfolioCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "cycles_total",
			Help:      "Portfolio aggregation cycles by result",
		}, []string{"result"}),
		PortfolioDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full aggregation cycle",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TrackedWallets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "tracked_wallets",
			Help:      "Wallets with a live tracker",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// Handler returns the HTTP handler exposing this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveExplorer records one explorer round-trip.
func (m *Metrics) ObserveExplorer(chain, action, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ExplorerRequests.WithLabelValues(chain, action, outcome).Inc()
	m.ExplorerLatency.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// IncPrice records one price API call.
func (m *Metrics) IncPrice(outcome string) {
	if m == nil {
		return
	}
	m.PriceRequests.WithLabelValues(outcome).Inc()
}

// IncTokenLookup records one token lookup.
func (m *Metrics) IncTokenLookup(outcome string) {
	if m == nil {
		return
	}
	m.TokenLookups.WithLabelValues(outcome).Inc()
}

// IncBreakerTransition records a breaker state change.
func (m *Metrics) IncBreakerTransition(name, to string) {
	if m == nil {
		return
	}
	m.BreakerChanges.WithLabelValues(name, to).Inc()
}

// IncBudgetDenial records one request held back by the shared budget.
func (m *Metrics) IncBudgetDenial(priority string) {
	if m == nil {
		return
	}
	m.BudgetDenials.WithLabelValues(priority).Inc()
}

// ObserveCycle records a finished aggregation cycle.
func (m *Metrics) ObserveCycle(result string, started time.Time) {
	if m == nil {
		return
	}
	m.PortfolioCycles.WithLabelValues(result).Inc()
	m.PortfolioDuration.Observe(time.Since(started).Seconds())
}

// SetTrackedWallets sets the live tracker gauge.
func (m *Metrics) SetTrackedWallets(n int) {
	if m == nil {
		return
	}
	m.TrackedWallets.Set(float64(n))
}

// IncHTTP records one served API request.
func (m *Metrics) IncHTTP(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}
