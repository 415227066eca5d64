package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the recognition loop.
// Tracks per-frame throughput, per-face outcomes and stage failures.
type Metrics struct {
	Frames        prometheus.Counter
	Detections    prometheus.Counter
	Enrollments   prometheus.Counter
	Matches       prometheus.Counter
	Unrecognized  prometheus.Counter
	SkippedFaces  *prometheus.CounterVec
	CameraErrors  prometheus.Counter
	StoreSize     prometheus.Gauge
	FrameDuration prometheus.Histogram
}

// New creates a Metrics instance registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_frames_total",
			Help: "Total number of frames processed",
		}),
		Detections: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_detections_total",
			Help: "Total number of face boxes returned by the detector",
		}),
		Enrollments: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_enrollments_total",
			Help: "Total number of digests appended to the store",
		}),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_matches_total",
			Help: "Total number of faces matched to an enrolled digest",
		}),
		Unrecognized: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_unrecognized_total",
			Help: "Total number of faces with no enrolled digest",
		}),
		SkippedFaces: f.NewCounterVec(prometheus.CounterOpts{
			Name: "facehash_skipped_faces_total",
			Help: "Detections abandoned mid-pipeline, by stage",
		}, []string{"stage"}),
		CameraErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "facehash_camera_errors_total",
			Help: "Total number of failed snapshots",
		}),
		StoreSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "facehash_store_records",
			Help: "Number of enrolled digests",
		}),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "facehash_frame_duration_seconds",
			Help:    "Duration of one loop iteration from snapshot to wire message",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveFrame records one finished iteration.
// Call with time.Now() at the start of the iteration.
func (m *Metrics) ObserveFrame(start time.Time) {
	m.Frames.Inc()
	m.FrameDuration.Observe(time.Since(start).Seconds())
}

// IncrementSkipped records a detection dropped at stage.
func (m *Metrics) IncrementSkipped(stage string) {
	m.SkippedFaces.WithLabelValues(stage).Inc()
}
