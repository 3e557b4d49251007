// Package statusbus publishes the daemon's observable state as whole
// JSON snapshot files for out-of-process consumers. Two files exist:
// status.json (live status, <= 1 Hz) and calibration_status.json
// (calibration progress, <= 4 Hz). Every write goes through an atomic
// temp-then-rename so readers never observe a partial document.
package statusbus

import (
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/metrics"
	"deskcoach/pkg/policy"
	"deskcoach/pkg/posture"
	"deskcoach/pkg/storage"
)

// Staleness thresholds. A file older than this counts as unknown.
const (
	StatusStaleSec      = 3.0
	CalibrationStaleSec = 1.0
)

// Publish cadences.
const (
	statusInterval      = time.Second
	calibrationInterval = 250 * time.Millisecond
	errLogInterval      = 30 * time.Second
)

// LoopInfo is the pose loop's contribution to the status snapshot.
type LoopInfo struct {
	TargetFPS     int     `json:"target_fps"`
	AvgFrameMS    float64 `json:"avg_frame_ms"`
	FrameSkip     bool    `json:"frame_skip"`
	Degraded      bool    `json:"degraded"`
	FramesSampled uint64  `json:"frames_sampled"`
	UptimeSec     float64 `json:"uptime_sec"`
	PerfMode      string  `json:"perf_mode,omitempty"`
}

// RollingStats summarizes one channel's raw-metric rolling buffer.
type RollingStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Document is the live status snapshot written to status.json. Kept
// compact; the whole document must stay under 5 KB.
type Document struct {
	TS             float64                        `json:"ts"`
	State          posture.State                  `json:"state"`
	TimeInStateSec float64                        `json:"time_in_state_sec"`
	Calibrated     bool                           `json:"calibrated"`
	Preset         posture.Preset                 `json:"preset"`
	Sample         *posture.Sample                `json:"sample,omitempty"`
	Thresholds     map[string]float64             `json:"thresholds"`
	Windows        map[string]posture.WindowStats `json:"windows"`
	Rolling        map[string]RollingStats        `json:"rolling,omitempty"`
	LastTransition *posture.Transition            `json:"last_transition,omitempty"`
	Policy         policy.Status                  `json:"policy"`
	Loop           LoopInfo                       `json:"loop"`
}

// CalibrationPhase names the calibration routine's stages.
type CalibrationPhase string

const (
	PhasePreparing   CalibrationPhase = "preparing"
	PhaseCapturing   CalibrationPhase = "capturing"
	PhaseAggregating CalibrationPhase = "aggregating"
	PhaseSaving      CalibrationPhase = "saving"
	PhaseDone        CalibrationPhase = "done"
	PhaseError       CalibrationPhase = "error"
)

// CalibrationStatus is the progress snapshot written to
// calibration_status.json while a calibration run is active.
type CalibrationStatus struct {
	TS              float64           `json:"ts"`
	Phase           CalibrationPhase  `json:"phase"`
	Progress        float64           `json:"progress"`
	ElapsedSec      float64           `json:"elapsed_sec"`
	SamplesCaptured int               `json:"samples_captured"`
	ConfMean        float64           `json:"conf_mean"`
	ETASec          *float64          `json:"eta_sec,omitempty"`
	Baseline        *storage.Baseline `json:"baseline,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Terminal reports whether the phase is final.
func (c CalibrationStatus) Terminal() bool {
	return c.Phase == PhaseDone || c.Phase == PhaseError
}

// Publisher rewrites one snapshot file at a bounded cadence. Write
// errors never propagate to the producer; they are counted and logged
// at most once per errLogInterval.
type Publisher struct {
	logger   *logrus.Logger
	path     string
	interval time.Duration

	lastWrite  time.Time
	lastErrLog time.Time
}

// NewStatusPublisher builds the status.json publisher.
func NewStatusPublisher(logger *logrus.Logger, paths storage.Paths) *Publisher {
	return &Publisher{logger: logger, path: paths.Status(), interval: statusInterval}
}

// NewCalibrationPublisher builds the calibration_status.json publisher.
func NewCalibrationPublisher(logger *logrus.Logger, paths storage.Paths) *Publisher {
	return &Publisher{logger: logger, path: paths.CalibrationStatus(), interval: calibrationInterval}
}

// Publish writes doc unless the previous write was less than one
// interval ago. Returns true when a write was attempted.
func (p *Publisher) Publish(doc interface{}) bool {
	now := time.Now()
	if now.Sub(p.lastWrite) < p.interval {
		return false
	}
	p.write(doc, now)
	return true
}

// Force writes doc regardless of cadence. Used on phase changes and
// final snapshots that must not be dropped by rate limiting.
func (p *Publisher) Force(doc interface{}) {
	p.write(doc, time.Now())
}

func (p *Publisher) write(doc interface{}, now time.Time) {
	p.lastWrite = now

	if err := storage.WriteJSONAtomic(p.path, doc); err != nil {
		metrics.RecordStatusWriteError()
		if now.Sub(p.lastErrLog) >= errLogInterval {
			p.lastErrLog = now
			p.logger.WithError(err).WithField("path", p.path).Warn("Status write failed")
		}
	}
}

// ReadStatus loads status.json and checks freshness against now (Unix
// seconds). A missing file returns the underlying os error; a stale
// one returns ErrStaleSnapshot with the age attached. Consumers treat
// any error as "unknown".
func ReadStatus(paths storage.Paths, now float64) (*Document, error) {
	var doc Document
	if err := storage.ReadJSON(paths.Status(), &doc); err != nil {
		return nil, err
	}
	if age := now - doc.TS; age > StatusStaleSec {
		return &doc, errors.Wrap(errors.ErrStaleSnapshot, "status snapshot stale", map[string]interface{}{
			"age_sec": math.Round(age*10) / 10,
			"path":    paths.Status(),
		})
	}
	return &doc, nil
}

// ReadCalibrationStatus loads calibration_status.json. Terminal
// snapshots (done, error) are returned regardless of age; active
// phases go stale after CalibrationStaleSec.
func ReadCalibrationStatus(paths storage.Paths, now float64) (*CalibrationStatus, error) {
	var st CalibrationStatus
	if err := storage.ReadJSON(paths.CalibrationStatus(), &st); err != nil {
		return nil, err
	}
	if age := now - st.TS; !st.Terminal() && age > CalibrationStaleSec {
		return &st, errors.Wrap(errors.ErrStaleSnapshot, "calibration snapshot stale", map[string]interface{}{
			"age_sec": math.Round(age*10) / 10,
			"path":    paths.CalibrationStatus(),
		})
	}
	return &st, nil
}

// Exists reports whether the status file is present at all, separate
// from freshness.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
