// Package observability holds the Prometheus metrics shared across the
// server core. A single Metrics instance is created at startup and injected
// into the database layer, the subscription manager and the JS runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records counters and histograms for the record-serving core.
type Metrics struct {
	statements     *prometheus.HistogramVec
	statementFails *prometheus.CounterVec
	events         *prometheus.CounterVec
	droppedEvents  prometheus.Counter
	dispatches     *prometheus.HistogramVec
}

// NewMetrics creates and registers the metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		statements: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "litebase_db_statement_duration_seconds",
			Help:    "Duration of statements executed on the DB worker",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		statementFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litebase_db_statement_failures_total",
			Help: "Statements that returned an error",
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litebase_subscription_events_total",
			Help: "Database events delivered to subscribers",
		}, []string{"action"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litebase_subscription_events_dropped_total",
			Help: "Events dropped because a subscriber channel was full",
		}),
		dispatches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "litebase_js_dispatch_duration_seconds",
			Help:    "Duration of HTTP dispatches into the JS runtime",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.statements, m.statementFails, m.events, m.droppedEvents, m.dispatches)
	return m
}

// RecordStatement records one statement executed on the DB worker.
func (m *Metrics) RecordStatement(operation string, d time.Duration, err error) {
	m.statements.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.statementFails.WithLabelValues(operation).Inc()
	}
}

// RecordEvent records one delivered subscription event.
func (m *Metrics) RecordEvent(action string) {
	m.events.WithLabelValues(action).Inc()
}

// RecordDroppedEvent records an event dropped due to backpressure.
func (m *Metrics) RecordDroppedEvent() {
	m.droppedEvents.Inc()
}

// RecordDispatch records one JS route dispatch.
func (m *Metrics) RecordDispatch(route string, d time.Duration) {
	m.dispatches.WithLabelValues(route).Observe(d.Seconds())
}
