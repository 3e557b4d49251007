package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Pose loop metrics
	FramesProcessed     prometheus.Counter
	FramesSkipped       prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	FrameProcessingTime prometheus.Histogram
	GovernorFPS         prometheus.Gauge
	LoopDegradations    prometheus.Counter

	// State machine metrics
	StateTransitions *prometheus.CounterVec
	PausedSeconds    prometheus.Counter

	// Policy metrics
	NudgesSent       *prometheus.CounterVec
	NudgesSuppressed *prometheus.CounterVec
	DNDQueueDepth    prometheus.Gauge
	DNDQueueExpired  prometheus.Counter

	// Publisher and event log metrics
	StatusWriteErrors prometheus.Counter
	EventLogDrops     prometheus.Counter

	// Calibration metrics
	CalibrationRuns *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		FramesProcessed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_frames_processed_total",
				Help: "Total number of camera frames processed through the pipeline",
			},
		)

		FramesSkipped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_frames_skipped_total",
				Help: "Total number of frames skipped by the frame-skip optimization",
			},
		)

		FramesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskcoach_frames_dropped_total",
				Help: "Total number of frames dropped before metric extraction",
			},
			[]string{"reason"},
		)

		FrameProcessingTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deskcoach_frame_processing_seconds",
				Help:    "Per-frame processing time",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
			},
		)

		GovernorFPS = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskcoach_governor_target_fps",
				Help: "Current target FPS chosen by the adaptive governor",
			},
		)

		LoopDegradations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_loop_degradations_total",
				Help: "Times the pose loop entered the degraded state after repeated read failures",
			},
		)

		StateTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskcoach_state_transitions_total",
				Help: "Posture state transitions by target state and detection path",
			},
			[]string{"state", "path"},
		)

		PausedSeconds = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_paused_seconds_total",
				Help: "Cumulative seconds spent in the PAUSED state",
			},
		)

		NudgesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskcoach_nudges_sent_total",
				Help: "Notifications delivered by posture state",
			},
			[]string{"state"},
		)

		NudgesSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskcoach_nudges_suppressed_total",
				Help: "Notifications suppressed by gate",
			},
			[]string{"gate"},
		)

		DNDQueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deskcoach_dnd_queue_depth",
				Help: "Notifications currently queued behind do-not-disturb",
			},
		)

		DNDQueueExpired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_dnd_queue_expired_total",
				Help: "Queued notifications that expired before DND lifted",
			},
		)

		StatusWriteErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_status_write_errors_total",
				Help: "Failed status snapshot writes",
			},
		)

		EventLogDrops = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deskcoach_event_log_drops_total",
				Help: "Event records dropped because the append queue was full",
			},
		)

		CalibrationRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deskcoach_calibration_runs_total",
				Help: "Calibration runs by result",
			},
			[]string{"result"},
		)

		registry.MustRegister(
			FramesProcessed,
			FramesSkipped,
			FramesDropped,
			FrameProcessingTime,
			GovernorFPS,
			LoopDegradations,
			StateTransitions,
			PausedSeconds,
			NudgesSent,
			NudgesSuppressed,
			DNDQueueDepth,
			DNDQueueExpired,
			StatusWriteErrors,
			EventLogDrops,
			CalibrationRuns,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// ObserveFrame records one processed frame and its processing time
func ObserveFrame(duration time.Duration) {
	if metricsEnabled && FramesProcessed != nil {
		FramesProcessed.Inc()
		FrameProcessingTime.Observe(duration.Seconds())
	}
}

// RecordFrameSkipped records a frame skipped by frame skip
func RecordFrameSkipped() {
	if metricsEnabled && FramesSkipped != nil {
		FramesSkipped.Inc()
	}
}

// RecordFrameDropped records a frame dropped before processing
func RecordFrameDropped(reason string) {
	if metricsEnabled && FramesDropped != nil {
		FramesDropped.WithLabelValues(reason).Inc()
	}
}

// SetGovernorFPS publishes the governor's current target FPS
func SetGovernorFPS(fps int) {
	if metricsEnabled && GovernorFPS != nil {
		GovernorFPS.Set(float64(fps))
	}
}

// RecordDegradation records a pose-loop degradation
func RecordDegradation() {
	if metricsEnabled && LoopDegradations != nil {
		LoopDegradations.Inc()
	}
}

// RecordTransition records a posture state transition
func RecordTransition(state, path string) {
	if metricsEnabled && StateTransitions != nil {
		StateTransitions.WithLabelValues(state, path).Inc()
	}
}

// AddPausedSeconds accumulates time spent in the PAUSED state
func AddPausedSeconds(sec float64) {
	if metricsEnabled && PausedSeconds != nil && sec > 0 {
		PausedSeconds.Add(sec)
	}
}

// RecordNudge records a delivered notification
func RecordNudge(state string) {
	if metricsEnabled && NudgesSent != nil {
		NudgesSent.WithLabelValues(state).Inc()
	}
}

// RecordSuppression records a suppressed notification
func RecordSuppression(gate string) {
	if metricsEnabled && NudgesSuppressed != nil {
		NudgesSuppressed.WithLabelValues(gate).Inc()
	}
}

// SetDNDQueueDepth publishes the DND queue depth
func SetDNDQueueDepth(depth int) {
	if metricsEnabled && DNDQueueDepth != nil {
		DNDQueueDepth.Set(float64(depth))
	}
}

// RecordDNDExpiry records a queued notification expiring under DND
func RecordDNDExpiry() {
	if metricsEnabled && DNDQueueExpired != nil {
		DNDQueueExpired.Inc()
	}
}

// RecordStatusWriteError records a failed snapshot write
func RecordStatusWriteError() {
	if metricsEnabled && StatusWriteErrors != nil {
		StatusWriteErrors.Inc()
	}
}

// RecordEventLogDrop records an event record dropped on a full queue
func RecordEventLogDrop() {
	if metricsEnabled && EventLogDrops != nil {
		EventLogDrops.Inc()
	}
}

// RecordCalibrationRun records a calibration run result
func RecordCalibrationRun(result string) {
	if metricsEnabled && CalibrationRuns != nil {
		CalibrationRuns.WithLabelValues(result).Inc()
	}
}
