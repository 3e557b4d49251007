package calibration

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/landmark"
	"deskcoach/pkg/statusbus"
	"deskcoach/pkg/storage"
)

// fakeClock advances only when the runner sleeps, so calibration runs
// instantly in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func testRunner(t *testing.T, est landmark.Estimator, opts Options) (*Runner, storage.Paths) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	paths := storage.Paths{Root: t.TempDir()}
	pub := statusbus.NewCalibrationPublisher(logger, paths)

	r := New(logger, paths, est, pub, opts)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r.now = clock.now
	r.sleep = clock.sleep
	return r, paths
}

func TestRunProducesBaseline(t *testing.T) {
	est := &landmark.ScriptEstimator{Frames: []*landmark.Frame{landmark.UprightFrame(0.9)}, Loop: true}
	r, paths := testRunner(t, est, Options{DurationSec: 15, FPS: 6})

	baseline, err := r.Run(context.Background())
	require.NoError(t, err)

	// Upright fixture: near-vertical neck and torso, level shoulders.
	assert.InDelta(t, 0.0, baseline.Neck0, 6.0)
	assert.InDelta(t, 0.0, baseline.Torso0, 1.0)
	assert.InDelta(t, 0.0, baseline.Lateral0, 0.01)
	assert.InDelta(t, 0.24, baseline.ShoulderWidthProxy, 0.001)
	assert.InDelta(t, 0.9, baseline.ConfMean, 0.0001)
	assert.True(t, baseline.SampleCount >= 27)

	// Persisted and loadable.
	loaded, err := storage.LoadBaseline(paths)
	require.NoError(t, err)
	assert.Equal(t, baseline.Neck0, loaded.Neck0)

	// Final snapshot is terminal with the baseline attached.
	st, err := statusbus.ReadCalibrationStatus(paths, 0)
	require.NoError(t, err)
	assert.Equal(t, statusbus.PhaseDone, st.Phase)
	assert.Equal(t, 1.0, st.Progress)
	require.NotNil(t, st.Baseline)

	// Lock released.
	_, err = os.Stat(paths.CalibrationLock())
	assert.True(t, os.IsNotExist(err))
}

func TestRunInsufficientSamples(t *testing.T) {
	// Low-visibility frames are rejected by the confidence gate.
	est := &landmark.ScriptEstimator{Frames: []*landmark.Frame{landmark.UprightFrame(0.3)}, Loop: true}
	r, paths := testRunner(t, est, Options{DurationSec: 15, FPS: 6})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientSamples))

	// No baseline written; error snapshot published.
	_, err = storage.LoadBaseline(paths)
	assert.True(t, errors.Is(err, errors.ErrNotCalibrated))

	st, rerr := statusbus.ReadCalibrationStatus(paths, 0)
	require.NoError(t, rerr)
	assert.Equal(t, statusbus.PhaseError, st.Phase)
	assert.NotEmpty(t, st.Error)
}

func TestRunCancelled(t *testing.T) {
	est := &landmark.ScriptEstimator{Frames: []*landmark.Frame{landmark.UprightFrame(0.9)}, Loop: true}
	r, paths := testRunner(t, est, Options{DurationSec: 15, FPS: 6})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx)
	require.Error(t, err)

	_, err = storage.LoadBaseline(paths)
	assert.True(t, errors.Is(err, errors.ErrNotCalibrated))
}

func TestLockBlocksSecondRun(t *testing.T) {
	est := &landmark.ScriptEstimator{Frames: []*landmark.Frame{landmark.UprightFrame(0.9)}, Loop: true}
	r, paths := testRunner(t, est, Options{DurationSec: 15, FPS: 6})

	// A lock held by this (live) process blocks the run.
	doc := lockDocument{PID: os.Getpid(), StartedAt: 1}
	require.NoError(t, storage.WriteJSONAtomic(paths.CalibrationLock(), doc))

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCalibrationInProgress))
}

func TestStaleLockReclaimed(t *testing.T) {
	est := &landmark.ScriptEstimator{Frames: []*landmark.Frame{landmark.UprightFrame(0.9)}, Loop: true}
	r, paths := testRunner(t, est, Options{DurationSec: 15, FPS: 6})

	// PID 1 is never our calibration process; an impossible PID keeps
	// the test hermetic.
	doc := lockDocument{PID: 1 << 30, StartedAt: 1}
	require.NoError(t, storage.WriteJSONAtomic(paths.CalibrationLock(), doc))

	_, err := r.Run(context.Background())
	require.NoError(t, err)
}

func TestDurationClamped(t *testing.T) {
	r, _ := testRunner(t, &landmark.ScriptEstimator{}, Options{DurationSec: 90})
	assert.Equal(t, MaxDurationSec, r.opts.DurationSec)

	r2, _ := testRunner(t, &landmark.ScriptEstimator{}, Options{DurationSec: 5})
	assert.Equal(t, MinDurationSec, r2.opts.DurationSec)
}
