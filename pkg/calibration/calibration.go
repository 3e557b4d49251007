// Package calibration captures a neutral-posture baseline: a short
// guided recording whose per-channel medians become the reference the
// state machine measures deviations against.
package calibration

import (
	"context"
	"math"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/landmark"
	"deskcoach/pkg/metrics"
	"deskcoach/pkg/posture"
	"deskcoach/pkg/statusbus"
	"deskcoach/pkg/storage"
	"deskcoach/pkg/util"
)

// Duration bounds and defaults for a calibration run.
const (
	MinDurationSec     = 15.0
	MaxDurationSec     = 45.0
	DefaultDurationSec = 25.0

	defaultFPS        = 6
	preparingSec      = 3.0
	minAcceptFraction = 0.3
)

// Options configure a calibration run.
type Options struct {
	DurationSec   float64
	FPS           int
	CameraIndex   int
	Width         int
	Height        int
	MinConfidence float64
}

func (o *Options) normalize() {
	if o.DurationSec == 0 {
		o.DurationSec = DefaultDurationSec
	}
	o.DurationSec = math.Min(MaxDurationSec, math.Max(MinDurationSec, o.DurationSec))
	if o.FPS <= 0 {
		o.FPS = defaultFPS
	}
	if o.MinConfidence == 0 {
		o.MinConfidence = posture.DefaultMinVisibility
	}
}

// lockDocument is the calibration.lock contents.
type lockDocument struct {
	PID       int     `json:"pid"`
	StartedAt float64 `json:"started_at"`
}

// Runner executes one calibration session end to end: lock, capture,
// aggregate, persist, and progress publication.
type Runner struct {
	logger *logrus.Logger
	paths  storage.Paths
	est    landmark.Estimator
	pub    *statusbus.Publisher
	opts   Options

	// Overridable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a runner. The publisher should be a calibration
// publisher; its cadence bounds progress writes to 4 Hz.
func New(logger *logrus.Logger, paths storage.Paths, est landmark.Estimator, pub *statusbus.Publisher, opts Options) *Runner {
	opts.normalize()
	return &Runner{
		logger: logger,
		paths:  paths,
		est:    est,
		pub:    pub,
		opts:   opts,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Run performs the calibration and returns the persisted baseline.
// Cancellation is honored between phases and at every sample.
func (r *Runner) Run(ctx context.Context) (*storage.Baseline, error) {
	if err := r.acquireLock(); err != nil {
		metrics.RecordCalibrationRun("already_running")
		return nil, err
	}
	defer r.releaseLock()

	session, err := r.est.Open(landmark.SessionOptions{
		CameraIndex: r.opts.CameraIndex,
		Width:       r.opts.Width,
		Height:      r.opts.Height,
		FPS:         r.opts.FPS,
	})
	if err != nil {
		metrics.RecordCalibrationRun("camera_error")
		wrapped := errors.Wrap(err, "opening capture session", map[string]interface{}{
			"camera": r.opts.CameraIndex,
		})
		r.fail(0, 0, 0, wrapped.Error())
		return nil, wrapped
	}
	defer session.Close()

	start := r.now()

	if err := r.prepare(ctx, start); err != nil {
		metrics.RecordCalibrationRun("cancelled")
		r.fail(r.elapsed(start), 0, 0, "calibration cancelled")
		return nil, err
	}

	samples, err := r.capture(ctx, session, start)
	if err != nil {
		metrics.RecordCalibrationRun("cancelled")
		r.fail(r.elapsed(start), len(samples), confMean(samples), "calibration cancelled")
		return nil, err
	}

	baseline, err := r.aggregate(samples, start)
	if err != nil {
		metrics.RecordCalibrationRun("insufficient_samples")
		r.fail(r.elapsed(start), len(samples), confMean(samples), err.Error())
		return nil, err
	}

	r.publish(statusbus.PhaseSaving, 0.98, r.elapsed(start), len(samples), confMean(samples), nil, true)
	if err := storage.SaveBaseline(r.paths, *baseline); err != nil {
		metrics.RecordCalibrationRun("save_error")
		r.fail(r.elapsed(start), len(samples), confMean(samples), err.Error())
		return nil, err
	}

	final := statusbus.CalibrationStatus{
		TS:              unix(r.now()),
		Phase:           statusbus.PhaseDone,
		Progress:        1.0,
		ElapsedSec:      r.elapsed(start),
		SamplesCaptured: len(samples),
		ConfMean:        baseline.ConfMean,
		Baseline:        baseline,
	}
	r.pub.Force(final)

	metrics.RecordCalibrationRun("completed")
	r.logger.WithFields(logrus.Fields{
		"samples":   len(samples),
		"neck0":     baseline.Neck0,
		"torso0":    baseline.Torso0,
		"lateral0":  baseline.Lateral0,
		"conf_mean": baseline.ConfMean,
	}).Info("Calibration complete")

	return baseline, nil
}

// acquireLock takes the single-instance lock, reclaiming a stale one
// whose holder is no longer alive.
func (r *Runner) acquireLock() error {
	var existing lockDocument
	if err := storage.ReadJSON(r.paths.CalibrationLock(), &existing); err == nil {
		if util.ProcessAlive(existing.PID) {
			return errors.NewCalibrationInProgress(existing.PID)
		}
		r.logger.WithField("stale_pid", existing.PID).Info("Reclaiming stale calibration lock")
	}

	doc := lockDocument{PID: os.Getpid(), StartedAt: unix(r.now())}
	if err := storage.WriteJSONAtomic(r.paths.CalibrationLock(), doc); err != nil {
		return err
	}
	return nil
}

func (r *Runner) releaseLock() {
	if err := os.Remove(r.paths.CalibrationLock()); err != nil && !os.IsNotExist(err) {
		r.logger.WithError(err).Warn("Failed to remove calibration lock")
	}
}

// prepare runs the countdown so the user can settle into a neutral
// pose before samples count.
func (r *Runner) prepare(ctx context.Context, start time.Time) error {
	for {
		elapsed := r.elapsed(start)
		if elapsed >= preparingSec {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.publish(statusbus.PhasePreparing, 0.05*elapsed/preparingSec, elapsed, 0, 0, nil, false)
		r.sleep(250 * time.Millisecond)
	}
}

// capture samples the session for the configured duration, keeping
// only frames whose confidence clears the gate.
func (r *Runner) capture(ctx context.Context, session landmark.Session, start time.Time) ([]*posture.Sample, error) {
	period := time.Second / time.Duration(r.opts.FPS)
	deadline := preparingSec + r.opts.DurationSec

	var accepted []*posture.Sample
	for {
		elapsed := r.elapsed(start)
		if elapsed >= deadline {
			return accepted, nil
		}
		if err := ctx.Err(); err != nil {
			return accepted, err
		}

		frame, err := session.Next()
		if err != nil {
			r.logger.WithError(err).Debug("Frame read failed during calibration")
			r.sleep(period)
			continue
		}

		sample := posture.Extract(frame, unix(r.now()), posture.DefaultMinVisibility)
		if sample != nil && sample.Conf >= r.opts.MinConfidence {
			accepted = append(accepted, sample)
		}

		captureElapsed := elapsed - preparingSec
		progress := 0.05 + 0.85*captureElapsed/r.opts.DurationSec
		eta := r.opts.DurationSec - captureElapsed
		r.publish(statusbus.PhaseCapturing, math.Min(progress, 0.9), elapsed, len(accepted), confMean(accepted), &eta, false)

		r.sleep(period)
	}
}

// aggregate reduces accepted samples to per-channel medians. Median,
// not mean, so a few bad frames cannot drag the baseline.
func (r *Runner) aggregate(samples []*posture.Sample, start time.Time) (*storage.Baseline, error) {
	r.publish(statusbus.PhaseAggregating, 0.95, r.elapsed(start), len(samples), confMean(samples), nil, true)

	required := int(math.Ceil(minAcceptFraction * r.opts.DurationSec * float64(r.opts.FPS)))
	if len(samples) < required {
		return nil, errors.NewInsufficientSamples(len(samples), required)
	}

	necks := make([]float64, len(samples))
	torsos := make([]float64, len(samples))
	laterals := make([]float64, len(samples))
	widths := make([]float64, len(samples))
	confs := make([]float64, len(samples))
	for i, s := range samples {
		necks[i] = s.NeckDeg
		torsos[i] = s.TorsoDeg
		laterals[i] = s.Lateral
		widths[i] = s.LateralDenom
		confs[i] = s.Conf
	}

	return &storage.Baseline{
		Neck0:              median(necks),
		Torso0:             median(torsos),
		Lateral0:           median(laterals),
		ShoulderWidthProxy: median(widths),
		CalibratedAt:       unix(r.now()),
		SampleCount:        len(samples),
		ConfMean:           stat.Mean(confs, nil),
	}, nil
}

func (r *Runner) publish(phase statusbus.CalibrationPhase, progress, elapsed float64, captured int, conf float64, eta *float64, force bool) {
	st := statusbus.CalibrationStatus{
		TS:              unix(r.now()),
		Phase:           phase,
		Progress:        progress,
		ElapsedSec:      elapsed,
		SamplesCaptured: captured,
		ConfMean:        conf,
		ETASec:          eta,
	}
	if force {
		r.pub.Force(st)
		return
	}
	r.pub.Publish(st)
}

func (r *Runner) fail(elapsed float64, captured int, conf float64, msg string) {
	r.pub.Force(statusbus.CalibrationStatus{
		TS:              unix(r.now()),
		Phase:           statusbus.PhaseError,
		ElapsedSec:      elapsed,
		SamplesCaptured: captured,
		ConfMean:        conf,
		Error:           msg,
	})
	r.logger.WithField("error", msg).Warn("Calibration failed")
}

func (r *Runner) elapsed(start time.Time) float64 {
	return r.now().Sub(start).Seconds()
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func confMean(samples []*posture.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s.Conf
	}
	return sum / float64(len(samples))
}
