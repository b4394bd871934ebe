// Package metrics defines the Prometheus metric collectors used across the
// pipeline and the listener that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	PagesTotal            *prometheus.CounterVec
	RecordsTotal          *prometheus.CounterVec
	FetchDuration         *prometheus.HistogramVec
	SessionsTotal         *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	ProgressEventsDropped prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_pages_total",
				Help: "Listing pages processed by sync kind and result (ok, empty, failed).",
			},
			[]string{"kind", "result"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_records_total",
				Help: "Source records by sync kind and outcome (created, updated, existing, failed).",
			},
			[]string{"kind", "outcome"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_fetch_duration_seconds",
				Help:    "Upstream page fetch latency in seconds, retries included.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_sessions_total",
				Help: "Crawl runs by sync kind and final status.",
			},
			[]string{"kind", "status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_sessions_active",
				Help: "Crawl runs currently executing in this process.",
			},
		),
		ProgressEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_progress_events_dropped_total",
				Help: "Progress events discarded because the publish buffer was full or the broker failed.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PagesTotal,
		m.RecordsTotal,
		m.FetchDuration,
		m.SessionsTotal,
		m.ActiveSessions,
		m.ProgressEventsDropped,
		m.CircuitBreakerState,
	)

	return m
}

// NewUnregistered returns collectors attached to a private registry. Used by
// tests and the dry-run CLI.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
