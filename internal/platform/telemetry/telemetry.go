// Package telemetry exposes the desk client's Prometheus metrics: fetch
// pipeline outcomes and latencies, gateway call counts and session
// transitions.
package telemetry

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDiscarded = "discarded"
)

// Metrics groups the collectors used across the client. A nil *Metrics is
// valid and records nothing, so components can be built without telemetry
// in tests.
type Metrics struct {
	registry *prometheus.Registry

	syncRuns     *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncItems    *prometheus.GaugeVec
	sessionTrans *prometheus.CounterVec
	analyses     *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanlytics",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Fetch pipeline runs by entity and outcome.",
		}, []string{"entity", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scanlytics",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Fetch pipeline run latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
		syncItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scanlytics",
			Subsystem: "sync",
			Name:      "items",
			Help:      "Items held by each store after the last successful run.",
		}, []string{"entity"}),
		sessionTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanlytics",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by operation and resulting state.",
		}, []string{"operation", "state"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanlytics",
			Subsystem: "imaging",
			Name:      "analyses_total",
			Help:      "Image analysis requests by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.syncRuns, m.syncDuration, m.syncItems, m.sessionTrans, m.analyses)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SyncRun records one pipeline run.
func (m *Metrics) SyncRun(entity, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(entity, outcome).Inc()
	m.syncDuration.WithLabelValues(entity).Observe(elapsed.Seconds())
}

// SyncItems records the size of a freshly published snapshot.
func (m *Metrics) SyncItems(entity string, n int) {
	if m == nil {
		return
	}
	m.syncItems.WithLabelValues(entity).Set(float64(n))
}

// SessionTransition records a committed session transition.
func (m *Metrics) SessionTransition(operation, state string) {
	if m == nil {
		return
	}
	m.sessionTrans.WithLabelValues(operation, state).Inc()
}

// Analysis records one image analysis request.
func (m *Metrics) Analysis(outcome string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Mount registers GET /metrics on e.
func (m *Metrics) Mount(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
}
