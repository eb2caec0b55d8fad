// Package metrics exposes Prometheus counters for ingestion, quoting, and alert evaluation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Quote sources reported by QuoteServed.
const (
	SourceLive     = "live"
	SourceFallback = "fallback"
)

// Metrics owns its registry; a nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks      *prometheus.CounterVec
	dropped    prometheus.Counter
	reconnects prometheus.Counter
	quotes     *prometheus.CounterVec
	fired      prometheus.Counter
	resets     prometheus.Counter
	passes     prometheus.Histogram
}

// New creates a metrics handle with a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ticks_total", Help: "Live ticks ingested from the stream"},
			[]string{"symbol"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "stream_messages_dropped_total", Help: "Malformed or unknown stream messages"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Stream reconnect attempts after a fault or end of stream"},
		),
		quotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "quotes_total", Help: "Quotes served by source"},
			[]string{"source"},
		),
		fired: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "alerts_fired_total", Help: "Alert notifications dispatched"},
		),
		resets: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "alerts_reset_total", Help: "Permanent alerts re-armed after leaving the hysteresis band"},
		),
		passes: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "evaluation_pass_seconds", Help: "Duration of alert evaluation passes", Buckets: prometheus.DefBuckets},
		),
	}
	m.registry.MustRegister(m.ticks, m.dropped, m.reconnects, m.quotes, m.fired, m.resets, m.passes)
	return m
}

func (m *Metrics) TickIngested(symbol string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(symbol).Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) QuoteServed(source string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(source).Inc()
}

func (m *Metrics) AlertFired() {
	if m == nil {
		return
	}
	m.fired.Inc()
}

func (m *Metrics) AlertReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// PassObserved records the duration of one evaluation pass in seconds.
func (m *Metrics) PassObserved(seconds float64) {
	if m == nil {
		return
	}
	m.passes.Observe(seconds)
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a /metrics endpoint in the background.
func (m *Metrics) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
