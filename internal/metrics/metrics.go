// Package metrics provides the Prometheus metrics of the recognition pipeline.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kozaktomas/face-attendance/internal/embedder"
)

// Frame outcomes.
const (
	FrameOK          = "ok"
	FrameDecodeError = "decode_error"
	FrameDetectError = "detect_error"
)

// Face outcomes.
const (
	FaceMatched       = "matched"
	FaceUnmatched     = "unmatched"
	FaceDegenerate    = "degenerate"
	FaceLowConfidence = "low_confidence"
	FaceDuplicate     = "duplicate"
	FaceEmbedError    = "embed_error"
	FaceEmbedTimeout  = "embed_timeout"
)

// Pipeline contains all metrics related to frame processing.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	FramesTotal        *prometheus.CounterVec
	FacesTotal         *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	FrameDuration      prometheus.Histogram
	MatchDistance      prometheus.Histogram
	GalleryEntries     prometheus.Gauge
	GalleryReloads     *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
}

// NewPipeline creates the pipeline metrics and registers them with registry.
func NewPipeline(registry prometheus.Registerer) (*Pipeline, error) {
	m := &Pipeline{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Pipeline) initMetrics() {
	m.FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_frames_total",
			Help: "Total number of submitted frames partitioned by outcome.",
		},
		[]string{"result"},
	)
	m.FacesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_faces_total",
			Help: "Total number of detected faces partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	m.NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_notifications_total",
			Help: "Total number of first-seen notifications partitioned by delivery status.",
		},
		[]string{"status"},
	)
	m.FrameDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_frame_duration_seconds",
			Help:    "Time taken to process one frame end to end",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
	)
	m.MatchDistance = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_match_distance",
			Help:    "Distance from each probe to its nearest gallery entry",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 15),
		},
	)
	m.GalleryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_gallery_entries",
			Help: "Number of reference embeddings in the active gallery.",
		},
	)
	m.GalleryReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_gallery_reloads_total",
			Help: "Total number of gallery reload attempts",
		},
		[]string{"status"},
	)
	m.ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_active_sessions",
			Help: "Number of sessions currently tracked by the registry.",
		},
	)
}

// RecordFrame records one processed frame.
func (m *Pipeline) RecordFrame(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(result).Inc()
	m.FrameDuration.Observe(d.Seconds())
}

// RecordFace records the outcome of one detected face.
func (m *Pipeline) RecordFace(outcome string) {
	if m == nil {
		return
	}
	m.FacesTotal.WithLabelValues(outcome).Inc()
}

// RecordEmbedFailure records a per-face embedding failure, separating timeouts.
func (m *Pipeline) RecordEmbedFailure(err error) {
	if errors.Is(err, embedder.ErrTimeout) {
		m.RecordFace(FaceEmbedTimeout)
		return
	}
	m.RecordFace(FaceEmbedError)
}

// RecordDistance observes the nearest-neighbour distance of a probe.
// Probes against an empty gallery have no finite distance and are not observed.
func (m *Pipeline) RecordDistance(d float64) {
	if m == nil || math.IsInf(d, 0) || math.IsNaN(d) {
		return
	}
	m.MatchDistance.Observe(d)
}

// RecordNotification records the delivery of a first-seen event.
func (m *Pipeline) RecordNotification(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	m.NotificationsTotal.WithLabelValues("success").Inc()
}

// RecordGalleryReload records a reload attempt and the resulting gallery size.
func (m *Pipeline) RecordGalleryReload(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.GalleryReloads.WithLabelValues("error").Inc()
		return
	}
	m.GalleryReloads.WithLabelValues("success").Inc()
	m.GalleryEntries.Set(float64(entries))
}

// SetActiveSessions sets the number of tracked sessions.
func (m *Pipeline) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *Pipeline) Describe(ch chan<- *prometheus.Desc) {
	m.FramesTotal.Describe(ch)
	m.FacesTotal.Describe(ch)
	m.NotificationsTotal.Describe(ch)
	ch <- m.FrameDuration.Desc()
	ch <- m.MatchDistance.Desc()
	ch <- m.GalleryEntries.Desc()
	m.GalleryReloads.Describe(ch)
	ch <- m.ActiveSessions.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *Pipeline) Collect(ch chan<- prometheus.Metric) {
	m.FramesTotal.Collect(ch)
	m.FacesTotal.Collect(ch)
	m.NotificationsTotal.Collect(ch)
	ch <- m.FrameDuration
	ch <- m.MatchDistance
	ch <- m.GalleryEntries
	m.GalleryReloads.Collect(ch)
	ch <- m.ActiveSessions
}
