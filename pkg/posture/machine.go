package posture

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the current posture classification. Exactly one is active.
type State string

const (
	StateGood        State = "good"
	StateSlouch      State = "slouch"
	StateForwardLean State = "forward_lean"
	StateLateralLean State = "lateral_lean"
	StatePaused      State = "paused"
)

// Channel names a posture metric channel.
type Channel string

const (
	ChannelNeck    Channel = "neck"
	ChannelTorso   Channel = "torso"
	ChannelLateral Channel = "lateral"
)

// channelPriority lists issue channels highest priority first.
var channelPriority = []Channel{ChannelNeck, ChannelTorso, ChannelLateral}

// issueState maps a channel to its issue state.
func issueState(ch Channel) State {
	switch ch {
	case ChannelNeck:
		return StateSlouch
	case ChannelTorso:
		return StateForwardLean
	default:
		return StateLateralLean
	}
}

// issueChannel is the inverse of issueState, empty for non-issue states.
func issueChannel(s State) Channel {
	switch s {
	case StateSlouch:
		return ChannelNeck
	case StateForwardLean:
		return ChannelTorso
	case StateLateralLean:
		return ChannelLateral
	default:
		return ""
	}
}

// Detection path names recorded on transitions.
const (
	PathMajority     = "majority"
	PathCumulative   = "cumulative"
	PathHighSeverity = "high_severity"
	PathRecovery     = "recovery"
	PathConfidence   = "confidence"
	PathCalibration  = "calibration"
)

// Baseline is the neutral-posture reference the machine detects
// against. A copy of the persisted calibration values.
type Baseline struct {
	Neck0              float64
	Torso0             float64
	Lateral0           float64
	ShoulderWidthProxy float64
}

// Transition is emitted when the active state changes.
type Transition struct {
	From           State   `json:"from"`
	To             State   `json:"to"`
	Channel        Channel `json:"channel,omitempty"`
	Path           string  `json:"path"`
	Reason         string  `json:"reason"`
	At             float64 `json:"at"`
	TimeInPrevious float64 `json:"time_in_previous_sec"`
	Sample         *Sample `json:"sample,omitempty"`

	// HighSeverity marks the observed metric exceeding the channel's
	// high-severity threshold at transition time.
	HighSeverity bool `json:"high_severity"`

	// Value, Threshold and BaselineValue are the firing channel's
	// observed metric, effective threshold and drift baseline at
	// transition time. Zero for non-issue transitions.
	Value         float64 `json:"value,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	BaselineValue float64 `json:"baseline_value,omitempty"`
}

// IsIssueEntry reports whether the transition enters an issue state.
func (t *Transition) IsIssueEntry() bool {
	switch t.To {
	case StateSlouch, StateForwardLean, StateLateralLean:
		return true
	}
	return false
}

// lateralCMFactor converts a centimeter delta to a fraction of an
// assumed 40 cm shoulder width; the factor of two compensates for the
// ratio metric halving the apparent shift.
const (
	lateralCMFactor      = 40.0
	lateralMinThreshold  = 0.05
	lateralCMSensitivity = 2.0
)

// LateralThreshold converts a centimeter delta into an absolute
// lateral-ratio threshold against the given baseline ratio.
func LateralThreshold(baselineLateral, deltaCM float64) float64 {
	ratio := deltaCM / lateralCMFactor
	threshold := baselineLateral + baselineLateral*ratio*lateralCMSensitivity
	if threshold < lateralMinThreshold {
		threshold = lateralMinThreshold
	}
	return threshold
}

type channelState struct {
	detect       *ConditionWindow
	recovery     *ConditionWindow
	highSevSince float64 // 0 when not in a high-severity run

	// cumAboveSec accumulates above-threshold time since the last
	// transition. Intermittent exposure counts toward detection even
	// when individual runs are evicted from the majority window.
	// Spans accrue exactly as in the window: an above entry
	// contributes the time to the next entry.
	cumAboveSec float64
	prevAbove   bool
}

// Machine converts noisy smoothed samples into sustained posture
// states. Single-writer: the pose loop is the only caller of Tick;
// Snapshot may be called concurrently.
type Machine struct {
	mu sync.Mutex

	logger  *logrus.Logger
	tuning  Tuning
	base    *Baseline
	drift   Baseline
	state   State
	entered float64

	channels   map[Channel]*channelState
	last       *Transition
	lastSample *Sample
	lastTickAt float64
}

// NewMachine builds a state machine. A nil baseline leaves the machine
// inactive: it reports PAUSED until SetBaseline is called.
func NewMachine(logger *logrus.Logger, tuning Tuning, base *Baseline) *Machine {
	m := &Machine{
		logger:   logger,
		tuning:   tuning,
		state:    StatePaused,
		channels: make(map[Channel]*channelState, 3),
	}
	for _, ch := range channelPriority {
		m.channels[ch] = &channelState{
			detect:   NewConditionWindow(m.channelWindowSec(ch)),
			recovery: NewConditionWindow(tuning.RecoveryWindowSec),
		}
	}
	if base != nil {
		m.base = base
		m.drift = *base
	}
	return m
}

// SetBaseline installs a fresh baseline, e.g. after a calibration run
// completes while the daemon is up. Resets drift and all windows.
func (m *Machine) SetBaseline(base *Baseline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
	if base != nil {
		m.drift = *base
	}
	m.clearWindowsLocked()
}

// SetTuning swaps the tuning parameters, taking effect next tick.
func (m *Machine) SetTuning(t Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
	for _, ch := range channelPriority {
		m.channels[ch].detect.SetWindow(m.channelWindowSec(ch))
		m.channels[ch].recovery.SetWindow(t.RecoveryWindowSec)
	}
}

// State returns the currently active state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) channelWindowSec(ch Channel) float64 {
	if ch == ChannelLateral {
		return m.tuning.LateralWindowSec
	}
	return m.tuning.WindowSec
}

func (m *Machine) channelCumulativeMin(ch Channel) float64 {
	if ch == ChannelLateral {
		return m.tuning.LateralCumulativeMinSec
	}
	return m.tuning.CumulativeMinSec
}

func (m *Machine) channelValue(ch Channel, s *Sample) float64 {
	switch ch {
	case ChannelNeck:
		return s.NeckDeg
	case ChannelTorso:
		return s.TorsoDeg
	default:
		return s.Lateral
	}
}

// threshold returns the effective detection threshold for a channel
// against the drift baseline.
func (m *Machine) threshold(ch Channel) float64 {
	switch ch {
	case ChannelNeck:
		return m.drift.Neck0 + m.tuning.DeltaNeckDeg
	case ChannelTorso:
		return m.drift.Torso0 + m.tuning.DeltaTorsoDeg
	default:
		return LateralThreshold(m.drift.Lateral0, m.tuning.DeltaLateralCM)
	}
}

// baselineValue returns the drift baseline for a channel.
func (m *Machine) baselineValue(ch Channel) float64 {
	switch ch {
	case ChannelNeck:
		return m.drift.Neck0
	case ChannelTorso:
		return m.drift.Torso0
	default:
		return m.drift.Lateral0
	}
}

// highSevThreshold returns the channel's high-severity threshold.
func (m *Machine) highSevThreshold(ch Channel) float64 {
	switch ch {
	case ChannelNeck:
		return m.drift.Neck0 + m.tuning.HighSeverityDeltaNeckDeg
	case ChannelTorso:
		return m.drift.Torso0 + m.tuning.HighSeverityDeltaTorsoDeg
	default:
		return LateralThreshold(m.drift.Lateral0, m.tuning.HighSeverityDeltaLateralCM)
	}
}

func sampleValid(s *Sample) bool {
	return s != nil &&
		!math.IsNaN(s.NeckDeg) && !math.IsNaN(s.TorsoDeg) &&
		!math.IsNaN(s.Lateral) && !math.IsNaN(s.Conf)
}

// Tick feeds one (possibly nil) smoothed sample. Returns a transition
// event or nil. The machine never fails; malformed input yields PAUSED.
func (m *Machine) Tick(sample *Sample, now float64) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base == nil {
		if m.state != StatePaused {
			return m.transitionLocked(StatePaused, "", PathCalibration, "not calibrated", now, nil, false)
		}
		return nil
	}

	dt := 0.0
	if m.lastTickAt > 0 && now > m.lastTickAt {
		dt = now - m.lastTickAt
		// Clock jumps and long stalls must not count as exposure.
		if dt > 2 {
			dt = 0
		}
	}
	m.lastTickAt = now

	if !sampleValid(sample) || sample.Conf < m.tuning.ConfidenceThreshold {
		// No positive evidence this frame; windows still advance.
		for _, ch := range channelPriority {
			cs := m.channels[ch]
			cs.detect.Insert(now, false)
			cs.highSevSince = 0
			if cs.prevAbove {
				cs.cumAboveSec += dt
			}
			cs.prevAbove = false
			if issueChannel(m.state) == ch {
				cs.recovery.Insert(now, false)
			}
		}
		if m.state != StatePaused {
			reason := "no sample"
			if sampleValid(sample) {
				reason = fmt.Sprintf("confidence %.2f below %.2f", sample.Conf, m.tuning.ConfidenceThreshold)
			}
			return m.transitionLocked(StatePaused, "", PathConfidence, reason, now, nil, false)
		}
		return nil
	}

	m.lastSample = sample

	if m.state == StatePaused {
		// Windows were cleared on pause entry; detection needs
		// repopulation time, so no instant issue transition here.
		return m.transitionLocked(StateGood, "", PathConfidence,
			fmt.Sprintf("confidence %.2f restored", sample.Conf), now, sample, false)
	}

	if m.state == StateGood && m.tuning.DriftAlpha > 0 {
		a := m.tuning.DriftAlpha
		m.drift.Neck0 += a * (sample.NeckDeg - m.drift.Neck0)
		m.drift.Torso0 += a * (sample.TorsoDeg - m.drift.Torso0)
		m.drift.Lateral0 += a * (sample.Lateral - m.drift.Lateral0)
	}

	// Advance windows and high-severity run timers for every channel.
	for _, ch := range channelPriority {
		cs := m.channels[ch]
		value := m.channelValue(ch, sample)
		above := value >= m.threshold(ch)
		cs.detect.Insert(now, above)
		if cs.prevAbove {
			cs.cumAboveSec += dt
		}
		cs.prevAbove = above

		if value >= m.highSevThreshold(ch) {
			if cs.highSevSince == 0 {
				cs.highSevSince = now
			}
		} else {
			cs.highSevSince = 0
		}

		if issueChannel(m.state) == ch {
			cs.recovery.Insert(now, above)
		}
	}

	// Recovery for the current issue state.
	if ch := issueChannel(m.state); ch != "" {
		if now-m.entered >= m.tuning.RecoveryWindowSec {
			stats := m.channels[ch].recovery.Stats(now, m.tuning.RecoveryWindowSec)
			limit := 1 - m.tuning.Majority
			if stats.AboveFraction < limit {
				return m.transitionLocked(StateGood, ch, PathRecovery,
					fmt.Sprintf("recovery: above_fraction=%.2f<%.2f over %.0fs",
						stats.AboveFraction, limit, m.tuning.RecoveryWindowSec),
					now, sample, false)
			}
		}
	}

	// Detection in priority order; a lower-priority issue state can
	// be preempted by a higher-priority channel only.
	currentCh := issueChannel(m.state)
	for _, ch := range channelPriority {
		if ch == currentCh {
			break
		}
		if path, reason := m.detectLocked(ch, sample, now); path != "" {
			value := m.channelValue(ch, sample)
			highSev := value >= m.highSevThreshold(ch)
			threshold := m.threshold(ch)
			baseValue := m.baselineValue(ch)
			tr := m.transitionLocked(issueState(ch), ch, path, reason, now, sample, highSev)
			tr.Value = value
			tr.Threshold = threshold
			tr.BaselineValue = baseValue
			return tr
		}
	}

	return nil
}

// detectLocked evaluates the three detection paths for one channel.
// Returns the path name and reason, or empty strings.
func (m *Machine) detectLocked(ch Channel, sample *Sample, now float64) (string, string) {
	cs := m.channels[ch]
	windowSec := m.channelWindowSec(ch)
	stats := cs.detect.Stats(now, windowSec)

	if stats.AboveFraction >= m.tuning.Majority && stats.MaxGapSec <= m.tuning.GapBudgetSec {
		return PathMajority, fmt.Sprintf("majority: above_fraction=%.2f>=%.2f, max_gap=%.1fs<=%.1fs",
			stats.AboveFraction, m.tuning.Majority, stats.MaxGapSec, m.tuning.GapBudgetSec)
	}

	if min := m.channelCumulativeMin(ch); cs.cumAboveSec >= min {
		return PathCumulative, fmt.Sprintf("cumulative: %.1fs>=%.1fs above threshold",
			cs.cumAboveSec, min)
	}

	if cs.highSevSince > 0 {
		run := now - cs.highSevSince
		need := m.tuning.HighSeverityWindowSec
		if ch == ChannelLateral {
			need = m.tuning.HighSeverityLateralWindowSec
		}
		if run >= need {
			return PathHighSeverity, fmt.Sprintf("high_severity: %.1fs>=%.1fs above %.2f",
				run, need, m.highSevThreshold(ch))
		}
	}

	return "", ""
}

// transitionLocked switches the active state, clears every window and
// run timer, and returns the event.
func (m *Machine) transitionLocked(to State, ch Channel, path, reason string, now float64, sample *Sample, highSev bool) *Transition {
	t := &Transition{
		From:           m.state,
		To:             to,
		Channel:        ch,
		Path:           path,
		Reason:         reason,
		At:             now,
		TimeInPrevious: now - m.entered,
		Sample:         sample,
		HighSeverity:   highSev,
	}
	if m.entered == 0 {
		t.TimeInPrevious = 0
	}

	m.state = to
	m.entered = now
	m.last = t
	m.clearWindowsLocked()

	m.logger.WithFields(logrus.Fields{
		"from":    t.From,
		"to":      t.To,
		"channel": t.Channel,
		"path":    t.Path,
		"reason":  t.Reason,
	}).Info("Posture state transition")

	return t
}

func (m *Machine) clearWindowsLocked() {
	for _, cs := range m.channels {
		cs.detect.Clear()
		cs.recovery.Clear()
		cs.highSevSince = 0
		cs.cumAboveSec = 0
		cs.prevAbove = false
	}
}

// MachineSnapshot is a read-only view for the status publisher.
type MachineSnapshot struct {
	State          State                  `json:"state"`
	EnteredAt      float64                `json:"entered_at"`
	TimeInStateSec float64                `json:"time_in_state_sec"`
	Calibrated     bool                   `json:"calibrated"`
	Preset         Preset                 `json:"preset"`
	Sample         *Sample                `json:"sample,omitempty"`
	Thresholds     map[string]float64     `json:"thresholds"`
	Windows        map[string]WindowStats `json:"windows"`
	LastTransition *Transition            `json:"last_transition,omitempty"`
}

// Snapshot captures the machine's observable state at time now.
func (m *Machine) Snapshot(now float64) MachineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MachineSnapshot{
		State:      m.state,
		EnteredAt:  m.entered,
		Calibrated: m.base != nil,
		Preset:     m.tuning.Preset,
		Thresholds: make(map[string]float64, 3),
		Windows:    make(map[string]WindowStats, 3),
	}
	if m.entered > 0 {
		snap.TimeInStateSec = now - m.entered
	}
	if m.last != nil {
		snap.LastTransition = m.last
	}
	snap.Sample = m.lastSample
	if m.base != nil {
		for _, ch := range channelPriority {
			snap.Thresholds[string(ch)] = m.threshold(ch)
			snap.Windows[string(ch)] = m.channels[ch].detect.Stats(now, m.channelWindowSec(ch))
		}
	}
	return snap
}
