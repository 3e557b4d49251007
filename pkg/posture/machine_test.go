package posture

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sampleAt(ts, neck, torso, lateral, conf float64) *Sample {
	return &Sample{TS: ts, NeckDeg: neck, TorsoDeg: torso, Lateral: lateral, Conf: conf}
}

// drive feeds samples at a fixed cadence and collects transitions.
func drive(m *Machine, start, dt float64, samples []*Sample) []*Transition {
	var out []*Transition
	ts := start
	for _, s := range samples {
		if s != nil {
			s.TS = ts
		}
		if tr := m.Tick(s, ts); tr != nil {
			out = append(out, tr)
		}
		ts += dt
	}
	return out
}

func TestUncalibratedStaysPaused(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetStandard), nil)

	for ts := 0.0; ts < 10; ts += 0.5 {
		tr := m.Tick(sampleAt(ts, 30, 30, 0.5, 0.9), ts)
		assert.Nil(t, tr)
	}
	assert.Equal(t, StatePaused, m.State())
	assert.False(t, m.Snapshot(10).Calibrated)
}

func TestSustainedSlouchMajorityPath(t *testing.T) {
	// Baseline neck 8.4, sensitive preset: threshold 16.4, 30 s
	// window, majority 0.60, gap budget 3 s.
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{Neck0: 8.4})

	// 240 samples at 8 Hz: cycles of 35 above (19.5) and 13 below
	// (15.0), longest below run 1.625 s.
	var samples []*Sample
	for cycle := 0; cycle < 5; cycle++ {
		for i := 0; i < 35; i++ {
			samples = append(samples, sampleAt(0, 19.5, 0, 0, 0.67))
		}
		for i := 0; i < 13; i++ {
			samples = append(samples, sampleAt(0, 15.0, 0, 0, 0.67))
		}
	}

	trs := drive(m, 0, 0.125, samples)

	require.Len(t, trs, 2)
	assert.Equal(t, StatePaused, trs[0].From)
	assert.Equal(t, StateGood, trs[0].To)

	slouch := trs[1]
	assert.Equal(t, StateGood, slouch.From)
	assert.Equal(t, StateSlouch, slouch.To)
	assert.Equal(t, PathMajority, slouch.Path)
	assert.Contains(t, slouch.Reason, "majority")
	assert.Equal(t, ChannelNeck, slouch.Channel)
	assert.LessOrEqual(t, slouch.At, 30.0)
	assert.Equal(t, StateSlouch, m.State())
}

func TestIntermittentSlouchCumulativePath(t *testing.T) {
	// Baseline neck 2.5, sensitive: threshold 10.5. Alternate 2 s at
	// 12 deg and 2 s at 6 deg. Majority never reaches 0.60; cumulative
	// exposure crosses 18 s only after t=30.
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{Neck0: 2.5})

	block := func(neck float64) []*Sample {
		var out []*Sample
		for i := 0; i < 16; i++ { // 2 s at 8 Hz
			out = append(out, sampleAt(0, neck, 0, 0, 0.8))
		}
		return out
	}

	var first30 []*Sample
	for i := 0; i < 15; i++ { // 240 samples = 30 s, even blocks above
		if i%2 == 0 {
			first30 = append(first30, block(12)...)
		} else {
			first30 = append(first30, block(6)...)
		}
	}

	trs := drive(m, 0, 0.125, first30)
	require.Len(t, trs, 1) // only the initial PAUSED -> GOOD
	assert.Equal(t, StateGood, trs[0].To)
	assert.Equal(t, StateGood, m.State())

	// Continue the alternation (below at t=30): cumulative crosses the
	// 18 s floor at t=34.
	var rest []*Sample
	for i := 0; i < 3; i++ {
		if i%2 == 0 {
			rest = append(rest, block(6)...)
		} else {
			rest = append(rest, block(12)...)
		}
	}
	trs = drive(m, 30, 0.125, rest)

	require.Len(t, trs, 1)
	assert.Equal(t, StateSlouch, trs[0].To)
	assert.Equal(t, PathCumulative, trs[0].Path)
	assert.Contains(t, trs[0].Reason, "cumulative")
}

func TestHighSeverityShortcut(t *testing.T) {
	// Baseline torso 0, sensitive torso high severity +18 deg over
	// 8 s. Continuous 22 deg fires the shortcut long before majority
	// or cumulative.
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	var samples []*Sample
	for i := 0; i < 68; i++ { // 8.5 s at 8 Hz
		samples = append(samples, sampleAt(0, 0, 22, 0, 0.9))
	}

	trs := drive(m, 0, 0.125, samples)

	require.Len(t, trs, 2)
	lean := trs[1]
	assert.Equal(t, StateForwardLean, lean.To)
	assert.Equal(t, PathHighSeverity, lean.Path)
	assert.Equal(t, ChannelTorso, lean.Channel)
	assert.True(t, lean.HighSeverity)
	assert.InDelta(t, 8.1, lean.At, 0.5)
}

func TestHighSeverityPerChannelThresholds(t *testing.T) {
	// Standard preset: neck high severity is baseline+22, torso is
	// baseline+20, both over a 10 s window. 21 deg on both channels
	// only clears the torso threshold.
	m := NewMachine(testLogger(), TuningFor(PresetStandard), &Baseline{})

	var samples []*Sample
	for i := 0; i < 88; i++ { // 11 s at 8 Hz
		samples = append(samples, sampleAt(0, 21, 21, 0, 0.9))
	}
	trs := drive(m, 0, 0.125, samples)

	require.Len(t, trs, 2)
	lean := trs[1]
	assert.Equal(t, StateForwardLean, lean.To)
	assert.Equal(t, ChannelTorso, lean.Channel)
	assert.Equal(t, PathHighSeverity, lean.Path)
	assert.InDelta(t, 10.0, lean.At, 0.5)
}

func TestLowConfidencePauses(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	m.Tick(sampleAt(0, 0, 0, 0, 0.9), 0) // PAUSED -> GOOD
	tr := m.Tick(sampleAt(0.5, 50, 50, 0.9, 0.3), 0.5)

	require.NotNil(t, tr)
	assert.Equal(t, StatePaused, tr.To)
	assert.Equal(t, PathConfidence, tr.Path)
	assert.Contains(t, tr.Reason, "confidence")

	// Nil samples keep it paused without new transitions.
	assert.Nil(t, m.Tick(nil, 1.0))
	assert.Equal(t, StatePaused, m.State())
}

func TestNoIssueTransitionWhileLowConfidence(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	for ts := 0.0; ts < 60; ts += 0.125 {
		tr := m.Tick(sampleAt(ts, 90, 90, 0.9, 0.2), ts)
		if tr != nil {
			assert.False(t, tr.IsIssueEntry())
		}
	}
	assert.Equal(t, StatePaused, m.State())
}

func TestPausedToGoodThenNoInstantIssue(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	// Build up a near-trigger, then lose confidence.
	for ts := 0.0; ts < 10; ts += 0.125 {
		m.Tick(sampleAt(ts, 30, 0, 0, 0.9), ts)
	}
	tr := m.Tick(sampleAt(10, 30, 0, 0, 0.1), 10)
	require.NotNil(t, tr)
	require.Equal(t, StatePaused, tr.To)

	// First confident sample goes to GOOD, never straight to SLOUCH.
	tr = m.Tick(sampleAt(10.5, 30, 0, 0, 0.9), 10.5)
	require.NotNil(t, tr)
	assert.Equal(t, StateGood, tr.To)
}

func TestRecoveryReturnsToGood(t *testing.T) {
	tuning := TuningFor(PresetSensitive)
	m := NewMachine(testLogger(), tuning, &Baseline{Neck0: 8.4})

	// Drive into SLOUCH via the high-severity path.
	var samples []*Sample
	for i := 0; i < 70; i++ {
		samples = append(samples, sampleAt(0, 30, 0, 0, 0.9))
	}
	trs := drive(m, 0, 0.125, samples)
	require.NotEmpty(t, trs)
	require.Equal(t, StateSlouch, m.State())

	// Sustained below-threshold samples recover after the recovery
	// window has both elapsed and emptied of above entries.
	var below []*Sample
	for i := 0; i < 120; i++ { // 15 s
		below = append(below, sampleAt(0, 10, 0, 0, 0.9))
	}
	trs = drive(m, 10, 0.125, below)

	require.Len(t, trs, 1)
	assert.Equal(t, StateGood, trs[0].To)
	assert.Equal(t, PathRecovery, trs[0].Path)

	// Not before the recovery window has elapsed in the issue state.
	assert.GreaterOrEqual(t, trs[0].At, 8.0+tuning.RecoveryWindowSec)
}

func TestWindowsClearedOnTransition(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	fired := false
	for ts := 0.0; ts < 12 && !fired; ts += 0.125 {
		tr := m.Tick(sampleAt(ts, 30, 0, 0, 0.9), ts)
		if tr != nil && tr.To == StateSlouch {
			fired = true
			snap := m.Snapshot(ts)
			for ch, stats := range snap.Windows {
				assert.Equal(t, 0, stats.TotalCount, "window %s not cleared", ch)
			}
		}
	}
	require.True(t, fired)
}

func TestHigherPriorityChannelPreempts(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetSensitive), &Baseline{})

	// Sustained lateral lean enters LATERAL_LEAN via high severity.
	var lat []*Sample
	for i := 0; i < 90; i++ { // 11.25 s
		lat = append(lat, sampleAt(0, 0, 0, 0.5, 0.9))
	}
	drive(m, 0, 0.125, lat)
	require.Equal(t, StateLateralLean, m.State())

	// A severe neck angle preempts the lower-priority lateral state.
	var neck []*Sample
	for i := 0; i < 70; i++ {
		neck = append(neck, sampleAt(0, 30, 0, 0.5, 0.9))
	}
	trs := drive(m, 12, 0.125, neck)

	require.NotEmpty(t, trs)
	last := trs[len(trs)-1]
	assert.Equal(t, StateLateralLean, last.From)
	assert.Equal(t, StateSlouch, last.To)
}

func TestLateralThresholdFormula(t *testing.T) {
	// Small baselines hit the absolute floor.
	assert.InDelta(t, 0.05, LateralThreshold(0.03, 3.0), 1e-9)

	// Larger baselines scale: 0.2 + 0.2*(4/40)*2 = 0.24.
	assert.InDelta(t, 0.24, LateralThreshold(0.2, 4.0), 1e-9)
}

func TestSetBaselineActivatesMachine(t *testing.T) {
	m := NewMachine(testLogger(), TuningFor(PresetStandard), nil)
	m.Tick(sampleAt(0, 0, 0, 0, 0.9), 0)
	require.Equal(t, StatePaused, m.State())

	m.SetBaseline(&Baseline{Neck0: 5})
	tr := m.Tick(sampleAt(1, 0, 0, 0, 0.9), 1)
	require.NotNil(t, tr)
	assert.Equal(t, StateGood, tr.To)
	assert.True(t, m.Snapshot(1).Calibrated)
}

func TestDriftDisabledByDefault(t *testing.T) {
	tuning := TuningFor(PresetStandard)
	m := NewMachine(testLogger(), tuning, &Baseline{Neck0: 5})

	m.Tick(sampleAt(0, 9, 0, 0, 0.9), 0)
	for ts := 0.125; ts < 30; ts += 0.125 {
		m.Tick(sampleAt(ts, 9, 0, 0, 0.9), ts)
	}

	// With drift_alpha 0 the effective threshold never moves.
	snap := m.Snapshot(30)
	assert.InDelta(t, 15.0, snap.Thresholds["neck"], 1e-9)
}

func TestDriftFollowsGoodPosture(t *testing.T) {
	tuning := TuningFor(PresetStandard)
	tuning.DriftAlpha = 0.05
	m := NewMachine(testLogger(), tuning, &Baseline{Neck0: 5})

	m.Tick(sampleAt(0, 8, 0, 0, 0.9), 0)
	for ts := 0.125; ts < 10; ts += 0.125 {
		m.Tick(sampleAt(ts, 8, 0, 0, 0.9), ts)
	}

	snap := m.Snapshot(10)
	assert.Greater(t, snap.Thresholds["neck"], 15.0)
	assert.Less(t, snap.Thresholds["neck"], 18.0)
}
