package posture

// Preset names a sensitivity bundle.
type Preset string

const (
	PresetSensitive    Preset = "sensitive"
	PresetStandard     Preset = "standard"
	PresetConservative Preset = "conservative"
)

// Tuning holds every state-machine parameter. All fields are
// hot-reloadable; changes take effect on the next tick.
type Tuning struct {
	Preset Preset `json:"preset"`

	DeltaNeckDeg   float64 `json:"delta_neck_deg"`
	DeltaTorsoDeg  float64 `json:"delta_torso_deg"`
	DeltaLateralCM float64 `json:"delta_lateral_cm"`

	WindowSec        float64 `json:"window_sec"`
	LateralWindowSec float64 `json:"lateral_window_sec"`

	Majority                float64 `json:"majority_fraction"`
	GapBudgetSec            float64 `json:"gap_budget_sec"`
	CumulativeMinSec        float64 `json:"cumulative_min_sec"`
	LateralCumulativeMinSec float64 `json:"lateral_cumulative_min_sec"`

	HighSeverityDeltaNeckDeg     float64 `json:"high_severity_delta_neck_deg"`
	HighSeverityDeltaTorsoDeg    float64 `json:"high_severity_delta_torso_deg"`
	HighSeverityWindowSec        float64 `json:"high_severity_window_sec"`
	HighSeverityDeltaLateralCM   float64 `json:"high_severity_delta_lateral_cm"`
	HighSeverityLateralWindowSec float64 `json:"high_severity_lateral_window_sec"`

	RecoveryWindowSec   float64 `json:"recovery_window_sec"`
	DriftAlpha          float64 `json:"drift_alpha"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// TuningFor returns the reference defaults for a preset. Unknown
// presets fall back to standard.
func TuningFor(p Preset) Tuning {
	switch p {
	case PresetSensitive:
		return Tuning{
			Preset:                       PresetSensitive,
			DeltaNeckDeg:                 8,
			DeltaTorsoDeg:                8,
			DeltaLateralCM:               3.0,
			WindowSec:                    30,
			LateralWindowSec:             40,
			Majority:                     0.60,
			GapBudgetSec:                 3,
			CumulativeMinSec:             18,
			LateralCumulativeMinSec:      24,
			HighSeverityDeltaNeckDeg:     20,
			HighSeverityDeltaTorsoDeg:    18,
			HighSeverityWindowSec:        8,
			HighSeverityDeltaLateralCM:   6,
			HighSeverityLateralWindowSec: 10,
			RecoveryWindowSec:            12,
			DriftAlpha:                   0,
			ConfidenceThreshold:          0.5,
		}
	case PresetConservative:
		return Tuning{
			Preset:                       PresetConservative,
			DeltaNeckDeg:                 12,
			DeltaTorsoDeg:                12,
			DeltaLateralCM:               4.0,
			WindowSec:                    40,
			LateralWindowSec:             50,
			Majority:                     0.70,
			GapBudgetSec:                 2,
			CumulativeMinSec:             28,
			LateralCumulativeMinSec:      35,
			HighSeverityDeltaNeckDeg:     25,
			HighSeverityDeltaTorsoDeg:    22,
			HighSeverityWindowSec:        12,
			HighSeverityDeltaLateralCM:   8,
			HighSeverityLateralWindowSec: 15,
			RecoveryWindowSec:            12,
			DriftAlpha:                   0,
			ConfidenceThreshold:          0.5,
		}
	default:
		return Tuning{
			Preset:                       PresetStandard,
			DeltaNeckDeg:                 10,
			DeltaTorsoDeg:                10,
			DeltaLateralCM:               3.5,
			WindowSec:                    35,
			LateralWindowSec:             45,
			Majority:                     0.65,
			GapBudgetSec:                 3,
			CumulativeMinSec:             23,
			LateralCumulativeMinSec:      29,
			HighSeverityDeltaNeckDeg:     22,
			HighSeverityDeltaTorsoDeg:    20,
			HighSeverityWindowSec:        10,
			HighSeverityDeltaLateralCM:   7,
			HighSeverityLateralWindowSec: 12,
			RecoveryWindowSec:            12,
			DriftAlpha:                   0,
			ConfidenceThreshold:          0.5,
		}
	}
}
