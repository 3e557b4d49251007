package pose

import (
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"deskcoach/pkg/metrics"
)

// Governor bounds for the adaptive sampling rate.
const (
	GovernorFloorFPS   = 4
	GovernorCeilingFPS = 8

	// Moving-average frame-time bounds in milliseconds. Above the
	// upper bound the rate drops; below the lower bound, sustained,
	// it recovers.
	governorUpperMS = 120.0
	governorLowerMS = 84.0

	// How long the average must stay below the lower bound before a
	// raise, in seconds.
	governorRaiseAfterSec = 120.0

	// Observations kept for the moving average; raises and drops need
	// at least this many samples.
	governorWindow = 24
)

// Governor adapts the target FPS to the measured per-frame processing
// time so the loop degrades gracefully on slow machines.
type Governor struct {
	mu sync.Mutex

	logger  *logrus.Logger
	enabled bool
	fps     int

	frameMS   []float64
	fastSince float64
}

// NewGovernor starts at initialFPS. When disabled it still tracks the
// moving average but never changes the rate.
func NewGovernor(logger *logrus.Logger, initialFPS int, enabled bool) *Governor {
	return &Governor{
		logger:  logger,
		enabled: enabled,
		fps:     initialFPS,
	}
}

// TargetFPS returns the current target rate.
func (g *Governor) TargetFPS() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fps
}

// SetTargetFPS resets the rate, e.g. on a config reload. Clamped to
// the governor bounds when the governor is enabled.
func (g *Governor) SetTargetFPS(fps int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled {
		if fps < GovernorFloorFPS {
			fps = GovernorFloorFPS
		}
		if fps > GovernorCeilingFPS {
			fps = GovernorCeilingFPS
		}
	}
	g.fps = fps
	g.fastSince = 0
	metrics.SetGovernorFPS(fps)
}

// AvgFrameMS returns the current moving-average frame time.
func (g *Governor) AvgFrameMS() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.frameMS) == 0 {
		return 0
	}
	return stat.Mean(g.frameMS, nil)
}

// Observe records one frame's processing time and adjusts the target
// rate when warranted. now is Unix seconds.
func (g *Governor) Observe(frameMS, now float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.frameMS = append(g.frameMS, frameMS)
	if len(g.frameMS) > governorWindow {
		g.frameMS = g.frameMS[len(g.frameMS)-governorWindow:]
	}
	if !g.enabled || len(g.frameMS) < governorWindow {
		return g.fps
	}

	avg := stat.Mean(g.frameMS, nil)

	switch {
	case avg > governorUpperMS:
		g.fastSince = 0
		if g.fps > GovernorFloorFPS {
			g.fps--
			metrics.SetGovernorFPS(g.fps)
			g.logger.WithFields(logrus.Fields{
				"avg_frame_ms": avg,
				"target_fps":   g.fps,
			}).Info("Governor lowered target FPS")
		}
	case avg < governorLowerMS:
		if g.fastSince == 0 {
			g.fastSince = now
		} else if now-g.fastSince >= governorRaiseAfterSec && g.fps < GovernorCeilingFPS {
			g.fps++
			g.fastSince = now
			metrics.SetGovernorFPS(g.fps)
			g.logger.WithFields(logrus.Fields{
				"avg_frame_ms": avg,
				"target_fps":   g.fps,
			}).Info("Governor raised target FPS")
		}
	default:
		g.fastSince = 0
	}

	return g.fps
}
