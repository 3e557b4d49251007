package posture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHighSeverityVariesByPreset(t *testing.T) {
	cases := []struct {
		preset    Preset
		neckDeg   float64
		torsoDeg  float64
		windowSec float64
	}{
		{PresetSensitive, 20, 18, 8},
		{PresetStandard, 22, 20, 10},
		{PresetConservative, 25, 22, 12},
	}

	for _, tc := range cases {
		tuning := TuningFor(tc.preset)
		assert.Equal(t, tc.neckDeg, tuning.HighSeverityDeltaNeckDeg, string(tc.preset))
		assert.Equal(t, tc.torsoDeg, tuning.HighSeverityDeltaTorsoDeg, string(tc.preset))
		assert.Equal(t, tc.windowSec, tuning.HighSeverityWindowSec, string(tc.preset))
	}
}

func TestUnknownPresetFallsBackToStandard(t *testing.T) {
	assert.Equal(t, PresetStandard, TuningFor(Preset("bogus")).Preset)
}
