package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session kinds used as label values
const (
	KindLive   = "live"
	KindSocket = "socket"
	KindReplay = "replay"
)

// Metrics holds all application metrics. All methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	// Frame counters
	FramesPulled    atomic.Uint64
	FramesDelivered atomic.Uint64
	FramesSkipped   atomic.Uint64

	// Error counters
	InferenceErrors atomic.Uint64
	EncodeErrors    atomic.Uint64
	GateRejected    atomic.Uint64

	// Gate state
	GateWaiting  atomic.Int64
	GateInFlight atomic.Int64

	// Session state
	SessionsActive atomic.Int64

	// Artifact store
	ArtifactsStored  atomic.Uint64
	ArtifactsDeleted atomic.Uint64
	ArtifactsSwept   atomic.Uint64
	UploadBytes      atomic.Uint64

	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	gateWait        prometheus.Histogram
	inference       prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, v *atomic.Int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("detect_frames_pulled_total", "Frames pulled from sources", &m.FramesPulled)
	m.counter("detect_frames_delivered_total", "Encoded frames delivered to sinks", &m.FramesDelivered)
	m.counter("detect_frames_skipped_total", "Frames skipped after a transient error", &m.FramesSkipped)

	m.counter("detect_inference_errors_total", "Inference calls that failed", &m.InferenceErrors)
	m.counter("detect_encode_errors_total", "Frames that failed to encode", &m.EncodeErrors)
	m.counter("detect_gate_rejected_total", "Inference calls rejected by the gate (queue full or wait timeout)", &m.GateRejected)

	m.gauge("detect_gate_waiting", "Calls waiting for the inference gate", &m.GateWaiting)
	m.gauge("detect_gate_in_flight", "Calls executing against the engine (never above 1)", &m.GateInFlight)
	m.gauge("detect_sessions_active", "Active streaming sessions", &m.SessionsActive)

	m.counter("detect_artifacts_stored_total", "Uploaded videos stored", &m.ArtifactsStored)
	m.counter("detect_artifacts_deleted_total", "Uploaded videos deleted after replay", &m.ArtifactsDeleted)
	m.counter("detect_artifacts_swept_total", "Unclaimed uploads removed by the sweeper", &m.ArtifactsSwept)
	m.counter("detect_upload_bytes_total", "Bytes received by upload endpoints", &m.UploadBytes)

	m.sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_sessions_started_total",
		Help: "Streaming sessions started",
	}, []string{"kind"})
	m.sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_sessions_ended_total",
		Help: "Streaming sessions closed, by how they ended",
	}, []string{"kind", "outcome"})
	m.gateWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_gate_wait_seconds",
		Help:    "Time spent waiting for the inference gate",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.inference = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_inference_seconds",
		Help:    "Engine call duration",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	m.registry.MustRegister(m.sessionsStarted, m.sessionsEnded, m.gateWait, m.inference)
}

// SessionStarted records a new session of the given kind
func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(1)
	m.sessionsStarted.WithLabelValues(kind).Inc()
}

// SessionEnded records a closed session; outcome is "drained" or "aborted"
func (m *Metrics) SessionEnded(kind, outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(-1)
	m.sessionsEnded.WithLabelValues(kind, outcome).Inc()
}

// ObserveGateWait records how long a call waited for the gate
func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.Observe(d.Seconds())
}

// ObserveInference records the duration of one engine call
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

// FramePulled counts a frame taken from a source
func (m *Metrics) FramePulled() {
	if m != nil {
		m.FramesPulled.Add(1)
	}
}

// FrameDelivered counts an encoded frame written to a sink
func (m *Metrics) FrameDelivered() {
	if m != nil {
		m.FramesDelivered.Add(1)
	}
}

// FrameSkipped counts a frame dropped after a transient error
func (m *Metrics) FrameSkipped() {
	if m != nil {
		m.FramesSkipped.Add(1)
	}
}

// InferenceFailed counts a failed engine call
func (m *Metrics) InferenceFailed() {
	if m != nil {
		m.InferenceErrors.Add(1)
	}
}

// EncodeFailed counts a frame that could not be encoded
func (m *Metrics) EncodeFailed() {
	if m != nil {
		m.EncodeErrors.Add(1)
	}
}

// GateRejection counts a call turned away by the gate
func (m *Metrics) GateRejection() {
	if m != nil {
		m.GateRejected.Add(1)
	}
}

// GateState adjusts the waiting and in-flight gauges
func (m *Metrics) GateState(waitingDelta, inFlightDelta int64) {
	if m == nil {
		return
	}
	if waitingDelta != 0 {
		m.GateWaiting.Add(waitingDelta)
	}
	if inFlightDelta != 0 {
		m.GateInFlight.Add(inFlightDelta)
	}
}

// ArtifactStored counts a stored upload of n bytes
func (m *Metrics) ArtifactStored(n int64) {
	if m == nil {
		return
	}
	m.ArtifactsStored.Add(1)
	if n > 0 {
		m.UploadBytes.Add(uint64(n))
	}
}

// ArtifactDeleted counts an upload removed by its owning session
func (m *Metrics) ArtifactDeleted() {
	if m != nil {
		m.ArtifactsDeleted.Add(1)
	}
}

// ArtifactSwept counts an unclaimed upload removed by the sweeper
func (m *Metrics) ArtifactSwept() {
	if m != nil {
		m.ArtifactsSwept.Add(1)
	}
}

// UploadReceived counts bytes of a still-image upload
func (m *Metrics) UploadReceived(n int64) {
	if m != nil && n > 0 {
		m.UploadBytes.Add(uint64(n))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until the server fails
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
