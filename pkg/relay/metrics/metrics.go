package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-relay/pkg/relay/call"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
)

type Snapshotter interface {
	Snapshot() registry.Snapshot
}

// Metrics holds all Prometheus metrics for the relay. It implements
// call.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsTotal          prometheus.Counter
	CallsEndedTotal     *prometheus.CounterVec
	CallSetupFailures   prometheus.Counter
	CallDuration        prometheus.Histogram
	RecordingsPersisted *prometheus.CounterVec

	// Media metrics
	FramesTotal        *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec
	FramesDroppedTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered. Active
// connection and session gauges are read from snap at scrape time.
func New(namespace string, snap Snapshotter) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	reg := prometheus.NewRegistry()

	callsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Total number of calls started",
	})

	callsEndedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Total number of calls ended, by reason",
		},
		[]string{"reason"},
	)

	callSetupFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_setup_failures_total",
		Help:      "Total number of start_call requests that could not open an upstream session",
	})

	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	recordingsPersisted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_persisted_total",
			Help:      "Recording uploads, by kind and result",
		},
		[]string{"kind", "result"},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Media frames relayed",
		},
		[]string{"direction", "kind"},
	)

	bytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_bytes_total",
			Help:      "Media bytes relayed",
		},
		[]string{"direction", "kind"},
	)

	framesDroppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Client frames dropped, by reason",
		},
		[]string{"direction", "reason"},
	)

	reg.MustRegister(
		callsTotal,
		callsEndedTotal,
		callSetupFailed,
		callDuration,
		recordingsPersisted,
		framesTotal,
		bytesTotal,
		framesDroppedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snap != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Open client connections",
			}, func() float64 { return float64(snap.Snapshot().ActiveConnections) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_gemini_sessions",
				Help:      "Open upstream sessions",
			}, func() float64 { return float64(snap.Snapshot().ActiveSessions) }),
		)
	}

	return &Metrics{
		registry:            reg,
		CallsTotal:          callsTotal,
		CallsEndedTotal:     callsEndedTotal,
		CallSetupFailures:   callSetupFailed,
		CallDuration:        callDuration,
		RecordingsPersisted: recordingsPersisted,
		FramesTotal:         framesTotal,
		BytesTotal:          bytesTotal,
		FramesDroppedTotal:  framesDroppedTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CallStarted() {
	m.CallsTotal.Inc()
}

func (m *Metrics) CallSetupFailed() {
	m.CallSetupFailures.Inc()
}

func (m *Metrics) CallEnded(reason call.EndReason, duration time.Duration) {
	m.CallsEndedTotal.WithLabelValues(string(reason)).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

func (m *Metrics) FrameRelayed(dir call.Direction, kind string, bytes int) {
	m.FramesTotal.WithLabelValues(string(dir), kind).Inc()
	if bytes > 0 {
		m.BytesTotal.WithLabelValues(string(dir), kind).Add(float64(bytes))
	}
}

func (m *Metrics) FrameDropped(dir call.Direction, reason string) {
	m.FramesDroppedTotal.WithLabelValues(string(dir), reason).Inc()
}

func (m *Metrics) RecordingPersisted(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RecordingsPersisted.WithLabelValues(kind, result).Inc()
}

var _ call.Observer = (*Metrics)(nil)
