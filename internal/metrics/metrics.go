// Package metrics exposes Prometheus instruments for workflow transitions,
// notification dispatch, HTTP traffic and the database pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/errors"
)

const namespace = "bank_reconciliation"

// Metrics owns a registry and the service's instruments.
type Metrics struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	dispatches         *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	poolConns          *prometheus.GaugeVec
}

// New registers every instrument on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Item transitions by action and outcome code.",
		}, []string{"action", "outcome"}),
		transitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Time spent in one item transition, including its transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Notification publishes by event type and outcome.",
		}, []string{"event", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		poolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_connections",
			Help:      "Database pool connections by state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.transitionDuration,
		m.dispatches,
		m.httpRequests,
		m.httpDuration,
		m.poolConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTransition records one item transition. Failures are labelled with
// their error code.
func (m *Metrics) ObserveTransition(action string, err error, elapsed time.Duration) {
	m.transitions.WithLabelValues(action, outcome(err)).Inc()
	m.transitionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObserveDispatch records one notification publish.
func (m *Metrics) ObserveDispatch(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatches.WithLabelValues(eventType, result).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// UpdatePool copies the pool's connection counts into the gauges.
func (m *Metrics) UpdatePool(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	stat := pool.Stat()
	m.poolConns.WithLabelValues("acquired").Set(float64(stat.AcquiredConns()))
	m.poolConns.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	m.poolConns.WithLabelValues("max").Set(float64(stat.MaxConns()))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.CodeOf(err))
}
