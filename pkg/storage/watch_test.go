package storage

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineWatcherFiresOnSave(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	paths := Paths{Root: t.TempDir()}

	w, err := NewBaselineWatcher(paths, logger)
	require.NoError(t, err)
	defer w.Close()

	got := make(chan Baseline, 1)
	w.OnChange(func(b Baseline) { got <- b })
	require.NoError(t, w.Start())

	require.NoError(t, SaveBaseline(paths, Baseline{
		Neck0:       7.5,
		Torso0:      3.2,
		Lateral0:    0.02,
		SampleCount: 120,
	}))

	select {
	case loaded := <-got:
		assert.InDelta(t, 7.5, loaded.Neck0, 1e-9)
		assert.Equal(t, 120, loaded.SampleCount)
	case <-time.After(5 * time.Second):
		t.Fatal("baseline change not observed")
	}
}

func TestBaselineWatcherIgnoresOtherFiles(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	paths := Paths{Root: t.TempDir()}

	w, err := NewBaselineWatcher(paths, logger)
	require.NoError(t, err)
	defer w.Close()

	got := make(chan Baseline, 1)
	w.OnChange(func(b Baseline) { got <- b })
	require.NoError(t, w.Start())

	require.NoError(t, WriteJSONAtomic(paths.Status(), map[string]string{"state": "good"}))

	select {
	case <-got:
		t.Fatal("callback fired for an unrelated file")
	case <-time.After(1200 * time.Millisecond):
	}
}
