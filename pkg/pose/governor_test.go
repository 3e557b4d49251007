package pose

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fill(g *Governor, frameMS, now float64) {
	for i := 0; i < governorWindow; i++ {
		g.Observe(frameMS, now)
	}
}

func TestGovernorLowersOnSlowFrames(t *testing.T) {
	g := NewGovernor(testLogger(), 6, true)

	fill(g, 150, 0)
	assert.Equal(t, 5, g.TargetFPS())

	// Keeps dropping one per full observation, never below the floor.
	for i := 0; i < 10; i++ {
		g.Observe(150, float64(i))
	}
	assert.Equal(t, GovernorFloorFPS, g.TargetFPS())
}

func TestGovernorRaisesAfterSustainedFastFrames(t *testing.T) {
	g := NewGovernor(testLogger(), 6, true)

	// Fast frames start the sustain timer; no raise before 120 s.
	fill(g, 40, 1)
	g.Observe(40, 100)
	assert.Equal(t, 6, g.TargetFPS())

	g.Observe(40, 121)
	assert.Equal(t, 7, g.TargetFPS())

	// The timer resets after a raise.
	g.Observe(40, 122)
	assert.Equal(t, 7, g.TargetFPS())
	g.Observe(40, 241)
	assert.Equal(t, GovernorCeilingFPS, g.TargetFPS())

	// Ceiling holds.
	g.Observe(40, 400)
	g.Observe(40, 600)
	assert.Equal(t, GovernorCeilingFPS, g.TargetFPS())
}

func TestGovernorMidRangeResetsSustainTimer(t *testing.T) {
	g := NewGovernor(testLogger(), 6, true)

	fill(g, 40, 0)
	g.Observe(40, 60)
	// A mid-range average interrupts the fast streak.
	fill(g, 100, 61)
	fill(g, 40, 62)
	g.Observe(40, 120)
	assert.Equal(t, 6, g.TargetFPS())
}

func TestGovernorDisabledNeverAdjusts(t *testing.T) {
	g := NewGovernor(testLogger(), 8, false)

	fill(g, 500, 0)
	assert.Equal(t, 8, g.TargetFPS())
	assert.InDelta(t, 500, g.AvgFrameMS(), 0.001)
}

func TestSetTargetFPSClamped(t *testing.T) {
	g := NewGovernor(testLogger(), 6, true)
	g.SetTargetFPS(20)
	assert.Equal(t, GovernorCeilingFPS, g.TargetFPS())
	g.SetTargetFPS(1)
	assert.Equal(t, GovernorFloorFPS, g.TargetFPS())

	// Disabled governor accepts any rate.
	g2 := NewGovernor(testLogger(), 6, false)
	g2.SetTargetFPS(12)
	assert.Equal(t, 12, g2.TargetFPS())
}

func TestSettingsForModes(t *testing.T) {
	lw := SettingsFor(ModeLightweight)
	assert.Equal(t, 6, lw.FPS)
	assert.True(t, lw.SkipEnabled)

	q := SettingsFor(ModeQuality)
	assert.Equal(t, 8, q.FPS)
	assert.False(t, q.SkipEnabled)
	assert.False(t, q.GovernorEnabled)

	p := SettingsFor(ModePerformance)
	assert.Equal(t, 4, p.FPS)
	assert.Equal(t, 320, p.Width)

	// Unknown modes fall back to lightweight.
	assert.Equal(t, lw, SettingsFor("bogus"))
}
