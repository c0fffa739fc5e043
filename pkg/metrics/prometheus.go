package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	sessionTotal          *prometheus.CounterVec
	sessionDuration       *prometheus.HistogramVec
	issueTotal            *prometheus.CounterVec
	processingTotal       *prometheus.CounterVec
	processingDuration    prometheus.Histogram
	uploadAttemptTotal    *prometheus.CounterVec
	uploadAttemptDuration *prometheus.HistogramVec
	uploadOutcomeTotal    *prometheus.CounterVec
	activeSessions        prometheus.Gauge
}

// NewPrometheusRecorder creates a PrometheusRecorder and registers its
// collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	recorder := &PrometheusRecorder{
		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaingest_session_total",
				Help: "Total number of ingestion sessions by terminal state",
			},
			[]string{"state"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediaingest_session_duration_seconds",
				Help:    "Duration of ingestion sessions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"state"},
		),
		issueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaingest_issue_total",
				Help: "Total number of report issues",
			},
			[]string{"stage", "severity", "kind"},
		),
		processingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaingest_processing_total",
				Help: "Total number of images processed",
			},
			[]string{"success"},
		),
		processingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediaingest_processing_duration_seconds",
				Help:    "Duration of single image processing in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		uploadAttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaingest_upload_attempt_total",
				Help: "Total number of upload attempts",
			},
			[]string{"sink", "outcome"},
		),
		uploadAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediaingest_upload_attempt_duration_seconds",
				Help:    "Duration of upload attempts in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"sink", "outcome"},
		),
		uploadOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediaingest_upload_outcome_total",
				Help: "Total number of finished upload items by status",
			},
			[]string{"status"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediaingest_active_sessions",
				Help: "Number of currently running ingestion sessions",
			},
		),
	}

	reg.MustRegister(
		recorder.sessionTotal,
		recorder.sessionDuration,
		recorder.issueTotal,
		recorder.processingTotal,
		recorder.processingDuration,
		recorder.uploadAttemptTotal,
		recorder.uploadAttemptDuration,
		recorder.uploadOutcomeTotal,
		recorder.activeSessions,
	)

	return recorder
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordSession records a finished ingestion session
func (r *PrometheusRecorder) RecordSession(state string, duration time.Duration) {
	r.sessionTotal.WithLabelValues(state).Inc()
	r.sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordIssue records one report issue
func (r *PrometheusRecorder) RecordIssue(stage, severity, kind string) {
	r.issueTotal.WithLabelValues(stage, severity, kind).Inc()
}

// RecordProcessing records one image processing attempt
func (r *PrometheusRecorder) RecordProcessing(success bool, duration time.Duration) {
	r.processingTotal.WithLabelValues(boolLabel(success)).Inc()
	r.processingDuration.Observe(duration.Seconds())
}

// RecordUploadAttempt records one sink call
func (r *PrometheusRecorder) RecordUploadAttempt(sink, outcome string, duration time.Duration) {
	r.uploadAttemptTotal.WithLabelValues(sink, outcome).Inc()
	r.uploadAttemptDuration.WithLabelValues(sink, outcome).Observe(duration.Seconds())
}

// RecordUploadOutcome records the final status of one upload item
func (r *PrometheusRecorder) RecordUploadOutcome(status string) {
	r.uploadOutcomeTotal.WithLabelValues(status).Inc()
}

// IncActiveSessions increments the count of running sessions
func (r *PrometheusRecorder) IncActiveSessions() {
	r.activeSessions.Inc()
}

// DecActiveSessions decrements the count of running sessions
func (r *PrometheusRecorder) DecActiveSessions() {
	r.activeSessions.Dec()
}
