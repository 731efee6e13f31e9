// Package metrics exposes Prometheus collectors for streams, control messages,
// background processes and WebSocket connections.
//
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Stream end outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeErrored     = "errored"
	OutcomeStopped     = "stopped"
	OutcomeTimedOut    = "timed_out"
	OutcomeInvalidated = "invalidated"
)

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	StreamsActive   prometheus.Gauge
	StreamStarts    *prometheus.CounterVec
	StreamEnds      *prometheus.CounterVec
	StreamDuration  prometheus.Histogram
	ControlMessages *prometheus.CounterVec
	BackgroundKills *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WSDropped       prometheus.Counter
}

// New creates collectors on a private registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StreamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of sessions with an active stream",
		}),
		StreamStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_starts_total",
			Help:      "Streams started, by whether the agent conversation was resumed",
		}, []string{"resumed"}),
		StreamEnds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_ends_total",
			Help:      "Streams ended, by outcome",
		}, []string{"outcome"}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall time from stream start to its terminal event",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		ControlMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Inbound control messages, by type and result code",
		}, []string{"type", "result"}),
		BackgroundKills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_kills_total",
			Help:      "Background process kills, by outcome",
		}, []string{"outcome"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections",
		}),
		WSDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_messages_total",
			Help:      "Outbound messages dropped because a client send buffer was full",
		}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StreamStarted(resumed bool) {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	label := "false"
	if resumed {
		label = "true"
	}
	m.StreamStarts.WithLabelValues(label).Inc()
}

func (m *Metrics) StreamEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamEnds.WithLabelValues(outcome).Inc()
	m.StreamDuration.Observe(d.Seconds())
}

func (m *Metrics) ControlMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) BackgroundKill(outcome string) {
	if m == nil {
		return
	}
	m.BackgroundKills.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}
