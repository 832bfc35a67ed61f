package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles            prometheus.Counter
	cyclesSkipped     *prometheus.CounterVec
	detectionErrors   prometheus.Counter
	cycleLatency      prometheus.Histogram
	facesDetected     prometheus.Gauge
	inferences        prometheus.Counter
	inferenceFailures prometheus.Counter
	inferenceLatency  prometheus.Histogram
	resultsDiscarded  prometheus.Counter
	inflight          prometheus.Gauge
	cacheSize         prometheus.Gauge
	cachePruned       prometheus.Counter
	framesDropped     prometheus.Counter
	sessions          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_cycles_total",
			Help: "Detection cycles completed",
		}),
		cyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facepredict_cycles_skipped_total",
			Help: "Cycles skipped, by reason",
		}, []string{"reason"}),
		detectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_detection_errors_total",
			Help: "Face detection calls that failed",
		}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facepredict_cycle_seconds",
			Help:    "Time spent in one detection cycle",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		facesDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facepredict_faces_detected",
			Help: "Faces found in the last cycle",
		}),
		inferences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_inferences_total",
			Help: "Predictor calls issued",
		}),
		inferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_inference_failures_total",
			Help: "Predictor calls that failed",
		}),
		inferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facepredict_inference_seconds",
			Help:    "Predictor call latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		resultsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_results_discarded_total",
			Help: "Predictor results dropped because the identity or session was gone",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facepredict_inferences_inflight",
			Help: "Predictor calls currently running",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facepredict_cache_identities",
			Help: "Identities held in the prediction caches of all sessions",
		}),
		cachePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_cache_pruned_total",
			Help: "Identities pruned from the cache",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepredict_frames_overwritten_total",
			Help: "Live frames replaced before a cycle consumed them",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facepredict_camera_sessions",
			Help: "Open camera sessions",
		}),
	}

	m.registry.MustRegister(
		m.cycles, m.cyclesSkipped, m.detectionErrors, m.cycleLatency, m.facesDetected,
		m.inferences, m.inferenceFailures, m.inferenceLatency, m.resultsDiscarded,
		m.inflight, m.cacheSize, m.cachePruned, m.framesDropped, m.sessions,
	)
	return m
}

// RegisterGaugeFunc exposes a value computed on scrape, e.g. pool stats.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) CycleCompleted(d time.Duration, faces int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleLatency.Observe(d.Seconds())
	m.facesDetected.Set(float64(faces))
}

func (m *Metrics) CycleSkipped(reason string) {
	if m == nil {
		return
	}
	m.cyclesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DetectionFailed() {
	if m == nil {
		return
	}
	m.detectionErrors.Inc()
}

func (m *Metrics) InferenceStarted() {
	if m == nil {
		return
	}
	m.inferences.Inc()
	m.inflight.Inc()
}

func (m *Metrics) InferenceFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.inferenceLatency.Observe(d.Seconds())
	if err != nil {
		m.inferenceFailures.Inc()
	}
}

func (m *Metrics) ResultDiscarded() {
	if m == nil {
		return
	}
	m.resultsDiscarded.Inc()
}

// CacheChanged adjusts the identity gauge by delta. Every camera session
// shares the gauge, so trackers report changes rather than absolute sizes.
func (m *Metrics) CacheChanged(delta, pruned int) {
	if m == nil {
		return
	}
	m.cacheSize.Add(float64(delta))
	m.cachePruned.Add(float64(pruned))
}

func (m *Metrics) FramesOverwritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDropped.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
