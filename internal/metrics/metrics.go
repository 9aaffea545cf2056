// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "relay"

// Frame outcomes.
const (
	OutcomeIgnored     = "ignored"
	OutcomeBadJSON     = "bad_json"
	OutcomeUnknownTool = "unknown_tool"
	OutcomeNoItems     = "no_items"
	OutcomeSuccess     = "success"
	OutcomeFallback    = "fallback"
	OutcomeFailed      = "failed"
)

// Fallback reasons.
const (
	ReasonThrottled   = "throttled"
	ReasonUnparseable = "unparseable"
	ReasonMalformed   = "malformed"
	ReasonInvalid     = "invalid"
)

// Metrics holds the relay collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	FramesTotal        *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	CompletionDuration prometheus.Histogram
	OpenConnections    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Inbound frames handled, by outcome",
		}, []string{"outcome"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "fallbacks_total",
			Help:      "Fallback results substituted, by reason",
		}, []string{"reason"}),
		CompletionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "completion_duration_seconds",
			Help:      "Completion API call duration in seconds",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 1.0, 3.0, 5.0, 7.0, 10.0, 30.0},
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "open_connections",
			Help:      "Currently open WebSocket connections",
		}),
	}
	m.reg.MustRegister(m.FramesTotal, m.FallbacksTotal, m.CompletionDuration, m.OpenConnections)
	return m
}

func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCompletion(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionDuration.Observe(d.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.OpenConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.OpenConnections.Dec()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
