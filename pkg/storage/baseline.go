package storage

import (
	"os"

	"deskcoach/pkg/errors"
)

// baselineVersion is the on-disk document version for calibration.json.
const baselineVersion = "1.0"

// Baseline holds the per-user neutral-posture reference captured by
// calibration. Angles are degrees against the image vertical; lateral
// is the unitless shoulder asymmetry ratio.
type Baseline struct {
	Neck0              float64 `json:"neck0"`
	Torso0             float64 `json:"torso0"`
	Lateral0           float64 `json:"lateral0"`
	ShoulderWidthProxy float64 `json:"shoulder_width_proxy"`
	CalibratedAt       float64 `json:"calibrated_at"`
	SampleCount        int     `json:"sample_count"`
	ConfMean           float64 `json:"conf_mean"`
	Version            string  `json:"version"`
}

type baselineDocument struct {
	Version  string   `json:"version"`
	Baseline Baseline `json:"baseline"`
}

// SaveBaseline writes the baseline atomically. Calibration is the only
// writer of this file.
func SaveBaseline(paths Paths, b Baseline) error {
	if b.Version == "" {
		b.Version = baselineVersion
	}
	doc := baselineDocument{Version: baselineVersion, Baseline: b}
	return WriteJSONAtomic(paths.Baseline(), doc)
}

// LoadBaseline reads the persisted baseline. Returns ErrNotCalibrated
// when no baseline file exists.
func LoadBaseline(paths Paths) (*Baseline, error) {
	var doc baselineDocument
	if err := ReadJSON(paths.Baseline(), &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrNotCalibrated, "loading baseline", map[string]interface{}{
				"path": paths.Baseline(),
			})
		}
		return nil, err
	}
	return &doc.Baseline, nil
}

// PurgeData removes derived data files: the event log and both status
// snapshots. The baseline and configuration survive a purge. Removing
// already-absent files is a no-op, so purge is idempotent.
func PurgeData(paths Paths) error {
	targets := []string{paths.Events(), paths.Status(), paths.CalibrationStatus()}
	for _, target := range targets {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "purging data file", map[string]interface{}{
				"path": target,
			})
		}
	}
	return nil
}
