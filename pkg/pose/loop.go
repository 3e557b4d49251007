// Package pose drives the real-time pipeline: it owns the camera
// session, paces sampling, extracts and smooths metrics, feeds the
// state machine, routes transitions to the policy and event log, and
// publishes the live status snapshot.
package pose

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/eventlog"
	"deskcoach/pkg/landmark"
	"deskcoach/pkg/metrics"
	"deskcoach/pkg/policy"
	"deskcoach/pkg/posture"
	"deskcoach/pkg/statusbus"
)

// Read-failure handling.
const (
	readBackoffMin         = 100 * time.Millisecond
	readBackoffMax         = 2 * time.Second
	maxConsecutiveFailures = 5
)

// Frame-skip gate: only while detection has nothing to lose.
const (
	skipMinConfidence = 0.75
	skipAfterGoodSec  = 20.0
	perfProfileLogSec = 30.0
)

// rawBufferWindowSec bounds the per-channel raw-metric buffers that
// back the rolling stats in the status document.
const rawBufferWindowSec = 60.0

// Options configure a pose loop.
type Options struct {
	Camera          landmark.SessionOptions
	TargetFPS       int
	SmoothingAlpha  float64
	SkipEnabled     bool
	GovernorEnabled bool
	PerfMode        PerfMode
	PerfProfile     bool
	MinVisibility   float64
}

// Loop is the sampling loop. Run blocks until the context is
// cancelled or Stop is called; all collaborators are fed from the
// single loop goroutine.
type Loop struct {
	logger    *logrus.Logger
	est       landmark.Estimator
	machine   *posture.Machine
	pol       *policy.Policy
	events    eventlog.Appender
	statusPub *statusbus.Publisher

	opts     Options
	gov      *Governor
	smoother *posture.Smoother

	// raw per-channel metric buffers, touched only by the loop
	// goroutine.
	rawBuffers map[posture.Channel]*posture.RollingBuffer

	mu          sync.Mutex
	skipEnabled bool

	stopped       atomic.Bool
	degraded      atomic.Bool
	framesSampled atomic.Uint64

	// Overridable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New builds a loop. The status publisher may be nil for headless
// tests; everything else is required.
func New(logger *logrus.Logger, est landmark.Estimator, machine *posture.Machine, pol *policy.Policy, events eventlog.Appender, statusPub *statusbus.Publisher, opts Options) *Loop {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = SettingsFor(opts.PerfMode).FPS
	}
	if opts.MinVisibility == 0 {
		opts.MinVisibility = posture.DefaultMinVisibility
	}

	return &Loop{
		logger:      logger,
		est:         est,
		machine:     machine,
		pol:         pol,
		events:      events,
		statusPub:   statusPub,
		opts:        opts,
		gov:         NewGovernor(logger, opts.TargetFPS, opts.GovernorEnabled),
		smoother:    posture.NewSmoother(opts.SmoothingAlpha),
		rawBuffers:  map[posture.Channel]*posture.RollingBuffer{
			posture.ChannelNeck:    posture.NewRollingBuffer(rawBufferWindowSec),
			posture.ChannelTorso:   posture.NewRollingBuffer(rawBufferWindowSec),
			posture.ChannelLateral: posture.NewRollingBuffer(rawBufferWindowSec),
		},
		skipEnabled: opts.SkipEnabled,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Stop requests cooperative shutdown. The loop exits within one frame
// period.
func (l *Loop) Stop() {
	l.stopped.Store(true)
}

// Shutdown implements the graceful-shutdown resource contract.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.Stop()
	return nil
}

// SetSkipEnabled toggles frame skip, e.g. from a config reload.
func (l *Loop) SetSkipEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipEnabled = enabled
}

// SetTargetFPS resets the sampling rate.
func (l *Loop) SetTargetFPS(fps int) {
	l.gov.SetTargetFPS(fps)
}

// SetSmoothingAlpha changes the EMA factor.
func (l *Loop) SetSmoothingAlpha(alpha float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.smoother.SetAlpha(alpha)
}

// Run opens the camera session and samples until cancelled. A failed
// open is fatal; read failures during the run degrade instead.
func (l *Loop) Run(ctx context.Context) error {
	session, err := l.est.Open(l.opts.Camera)
	if err != nil {
		return errors.Wrap(errors.ErrCameraOpen, "opening capture session", map[string]interface{}{
			"camera": l.opts.Camera.CameraIndex,
			"cause":  err.Error(),
		})
	}
	defer session.Close()

	l.logger.WithFields(logrus.Fields{
		"camera":     l.opts.Camera.CameraIndex,
		"target_fps": l.gov.TargetFPS(),
		"perf_mode":  l.opts.PerfMode,
	}).Info("Pose loop started")

	start := l.now()
	var (
		failures    int
		backoff     = readBackoffMin
		processEven bool
		lastConf    float64
		lastProfile = start
	)

	for {
		if l.stopped.Load() || ctx.Err() != nil {
			l.logger.Info("Pose loop stopping")
			return nil
		}

		tickStart := l.now()
		nowSec := unix(tickStart)
		period := time.Second / time.Duration(l.gov.TargetFPS())

		snap := l.machine.Snapshot(nowSec)

		// Frame skip: capture but do not process every second frame
		// while the subject is confidently GOOD.
		if l.shouldSkip(snap, lastConf, nowSec) && processEven {
			processEven = false
			if _, err := session.Next(); err == nil {
				metrics.RecordFrameSkipped()
				l.pace(tickStart, period)
				continue
			}
			// Fall through on read error so failure handling below runs
			// with a fresh read.
		}

		frame, err := session.Next()
		if err != nil {
			failures++
			metrics.RecordFrameDropped("read_error")
			if failures >= maxConsecutiveFailures && !l.degraded.Load() {
				l.degraded.Store(true)
				metrics.RecordDegradation()
				l.logger.WithError(err).WithField("failures", failures).
					Warn("Pose loop degraded after repeated read failures")
			}
			if l.degraded.Load() {
				// Keep ticking so the machine reports PAUSED and
				// status stays fresh.
				l.dispatch(nil, nowSec)
				l.publish(nowSec, start, false)
			}
			l.sleep(backoff)
			backoff *= 2
			if backoff > readBackoffMax {
				backoff = readBackoffMax
			}
			continue
		}

		if failures > 0 {
			if l.degraded.Load() {
				l.logger.Info("Pose loop recovered from degraded state")
			}
			failures = 0
			backoff = readBackoffMin
			l.degraded.Store(false)
		}

		raw := posture.Extract(frame, nowSec, l.opts.MinVisibility)
		if raw != nil {
			l.rawBuffers[posture.ChannelNeck].Push(nowSec, raw.NeckDeg)
			l.rawBuffers[posture.ChannelTorso].Push(nowSec, raw.TorsoDeg)
			l.rawBuffers[posture.ChannelLateral].Push(nowSec, raw.Lateral)
		}
		smoothed := l.smoothLocked(raw)
		if smoothed != nil {
			lastConf = smoothed.Conf
		} else {
			lastConf = 0
		}

		l.dispatch(smoothed, nowSec)
		processEven = true
		l.framesSampled.Add(1)

		elapsed := l.now().Sub(tickStart)
		metrics.ObserveFrame(elapsed)
		l.gov.Observe(float64(elapsed)/float64(time.Millisecond), nowSec)

		if l.machine.State() == posture.StatePaused {
			metrics.AddPausedSeconds(period.Seconds())
		}

		skipActive := l.shouldSkip(snap, lastConf, nowSec)
		l.publish(nowSec, start, skipActive)

		if l.opts.PerfProfile && l.now().Sub(lastProfile).Seconds() >= perfProfileLogSec {
			lastProfile = l.now()
			l.logger.WithFields(logrus.Fields{
				"avg_frame_ms": l.gov.AvgFrameMS(),
				"target_fps":   l.gov.TargetFPS(),
				"frames":       l.framesSampled.Load(),
				"state":        l.machine.State(),
			}).Info("Pose loop performance")
		}

		l.pace(tickStart, period)
	}
}

// dispatch runs one sample through the machine and forwards any
// transition to the policy and event log. The policy queue is
// serviced on the same cadence.
func (l *Loop) dispatch(sample *posture.Sample, nowSec float64) {
	tr := l.machine.Tick(sample, nowSec)
	if tr != nil {
		metrics.RecordTransition(string(tr.To), tr.Path)
		l.events.Append(eventlog.Record{
			TS:     nowSec,
			Kind:   eventlog.KindStateExited,
			State:  string(tr.From),
			Reason: tr.Reason,
			Metadata: map[string]interface{}{
				"duration_sec": tr.TimeInPrevious,
			},
		})
		l.events.Append(eventlog.Record{
			TS:     nowSec,
			Kind:   eventlog.KindStateEntered,
			State:  string(tr.To),
			Reason: tr.Reason,
			Metadata: map[string]interface{}{
				"path":    tr.Path,
				"channel": string(tr.Channel),
			},
		})
		l.pol.OnTransition(tr, nowSec)
	}
	l.pol.ServiceQueue(nowSec)
}

func (l *Loop) smoothLocked(raw *posture.Sample) *posture.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.smoother.Update(raw)
}

// shouldSkip gates the every-second-frame optimization.
func (l *Loop) shouldSkip(snap posture.MachineSnapshot, lastConf, nowSec float64) bool {
	l.mu.Lock()
	enabled := l.skipEnabled
	l.mu.Unlock()

	return enabled &&
		lastConf >= skipMinConfidence &&
		snap.State == posture.StateGood &&
		snap.TimeInStateSec >= skipAfterGoodSec
}

// publish hands a full document to the status publisher, which rate
// limits to 1 Hz internally.
func (l *Loop) publish(nowSec float64, start time.Time, skipActive bool) {
	if l.statusPub == nil {
		return
	}

	rolling := make(map[string]statusbus.RollingStats, len(l.rawBuffers))
	for ch, buf := range l.rawBuffers {
		rolling[string(ch)] = statusbus.RollingStats{
			Count:  buf.Len(),
			Mean:   buf.Mean(),
			Median: buf.Median(),
		}
	}

	snap := l.machine.Snapshot(nowSec)
	doc := statusbus.Document{
		TS:             nowSec,
		State:          snap.State,
		TimeInStateSec: snap.TimeInStateSec,
		Calibrated:     snap.Calibrated,
		Preset:         snap.Preset,
		Sample:         snap.Sample,
		Thresholds:     snap.Thresholds,
		Windows:        snap.Windows,
		Rolling:        rolling,
		LastTransition: snap.LastTransition,
		Policy:         l.pol.Snapshot(nowSec),
		Loop: statusbus.LoopInfo{
			TargetFPS:     l.gov.TargetFPS(),
			AvgFrameMS:    l.gov.AvgFrameMS(),
			FrameSkip:     skipActive,
			Degraded:      l.degraded.Load(),
			FramesSampled: l.framesSampled.Load(),
			UptimeSec:     nowSec - unix(start),
			PerfMode:      string(l.opts.PerfMode),
		},
	}
	l.statusPub.Publish(doc)
}

// pace sleeps the remainder of the frame period.
func (l *Loop) pace(tickStart time.Time, period time.Duration) {
	if remaining := period - l.now().Sub(tickStart); remaining > 0 {
		l.sleep(remaining)
	}
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
