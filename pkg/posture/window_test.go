package posture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// fill inserts entries at a fixed interval with the given pattern.
func fill(w *ConditionWindow, start, interval float64, pattern []bool) float64 {
	ts := start
	for _, above := range pattern {
		w.Insert(ts, above)
		ts += interval
	}
	return ts - interval
}

func TestWindowStatsBounds(t *testing.T) {
	w := NewConditionWindow(30)

	// All above for 40 s at 1 Hz; eviction keeps stats within bounds.
	pattern := make([]bool, 41)
	for i := range pattern {
		pattern[i] = true
	}
	last := fill(w, 0, 1, pattern)

	stats := w.Stats(last, 30)
	assert.LessOrEqual(t, stats.AboveFraction, 1.0)
	assert.GreaterOrEqual(t, stats.AboveFraction, 0.0)
	assert.LessOrEqual(t, stats.CumulativeAboveSec, 30.0)
}

func TestWindowEmptyStats(t *testing.T) {
	w := NewConditionWindow(30)
	stats := w.Stats(100, 30)
	assert.Equal(t, 0.0, stats.AboveFraction)
	assert.Equal(t, 0.0, stats.CumulativeAboveSec)
	assert.Equal(t, 0.0, stats.MaxGapSec)
	assert.Equal(t, 0, stats.TotalCount)
}

func TestWindowMajorityWithExactGap(t *testing.T) {
	// 30 s window, 0.5 s cadence. 18 s above in two runs separated by
	// exactly a 3 s gap: fraction 0.60, max gap 3.0.
	w := NewConditionWindow(30)

	var pattern []bool
	for i := 0; i < 18; i++ { // 9 s above
		pattern = append(pattern, true)
	}
	for i := 0; i < 6; i++ { // 3 s gap
		pattern = append(pattern, false)
	}
	for i := 0; i < 18; i++ { // 9 s above
		pattern = append(pattern, true)
	}
	fill(w, 0, 0.5, pattern)

	// Query at the instant the second run completes 9 s of span.
	stats := w.Stats(21, 30)
	assert.InDelta(t, 0.60, stats.AboveFraction, 0.001)
	assert.InDelta(t, 3.0, stats.MaxGapSec, 0.001)
	assert.InDelta(t, 18.0, stats.CumulativeAboveSec, 0.001)
}

func TestWindowGapGrowsPastBudget(t *testing.T) {
	w := NewConditionWindow(30)
	w.Insert(0, true)
	w.Insert(5, false)

	// Gap keeps growing while no above entry arrives.
	stats := w.Stats(8.1, 30)
	assert.InDelta(t, 3.1, stats.MaxGapSec, 0.001)
}

func TestWindowEviction(t *testing.T) {
	w := NewConditionWindow(10)
	w.Insert(0, true)
	w.Insert(5, true)
	w.Insert(16, true) // evicts ts=0 and ts=5

	assert.Equal(t, 1, w.Len())
}

func TestWindowRejectsOutOfOrder(t *testing.T) {
	w := NewConditionWindow(10)
	w.Insert(5, true)
	w.Insert(3, false)
	assert.Equal(t, 1, w.Len())
}

func TestWindowClear(t *testing.T) {
	w := NewConditionWindow(10)
	w.Insert(1, true)
	w.Clear()
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 0.0, w.Stats(2, 10).CumulativeAboveSec)
}

func TestWindowSpanClippedToWindowStart(t *testing.T) {
	w := NewConditionWindow(30)
	w.Insert(0, true)
	w.Insert(29, false)

	// At now=31, the first entry's span [0,29] clips to [1,29].
	stats := w.Stats(31, 30)
	assert.InDelta(t, 28.0, stats.CumulativeAboveSec, 0.001)
	assert.InDelta(t, 2.0, stats.MaxGapSec, 0.001)
}

func TestRollingBufferStats(t *testing.T) {
	b := NewRollingBuffer(60)
	for i, v := range []float64{5, 1, 9, 3, 7} {
		b.Push(float64(i), v)
	}

	assert.Equal(t, 5, b.Len())
	assert.InDelta(t, 5.0, b.Mean(), 0.001)
	assert.InDelta(t, 5.0, b.Median(), 0.001)

	b.Push(6, 11)
	assert.InDelta(t, 6.0, b.Median(), 0.001) // even count: mean of 5 and 7

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0.0, b.Median())
}

func TestRollingBufferEviction(t *testing.T) {
	b := NewRollingBuffer(10)
	b.Push(0, 1)
	b.Push(5, 2)
	b.Push(20, 3)
	assert.Equal(t, 1, b.Len())
	assert.InDelta(t, 3.0, b.Mean(), 0.001)
}

func TestSmootherFirstSamplePassesThrough(t *testing.T) {
	s := NewSmoother(0.3)
	out := s.Update(&Sample{NeckDeg: 10, TorsoDeg: 5, Lateral: 0.1, Conf: 0.8})
	assert.InDelta(t, 10.0, out.NeckDeg, 0.001)

	out = s.Update(&Sample{NeckDeg: 20, TorsoDeg: 5, Lateral: 0.1, Conf: 0.8})
	assert.InDelta(t, 13.0, out.NeckDeg, 0.001) // 10 + 0.3*(20-10)
	assert.InDelta(t, 0.8, out.Conf, 0.001)     // confidence unsmoothed
}

func TestSmootherNilAndReset(t *testing.T) {
	s := NewSmoother(0.3)
	assert.Nil(t, s.Update(nil))

	s.Update(&Sample{NeckDeg: 10})
	s.Reset()
	out := s.Update(&Sample{NeckDeg: 30})
	assert.InDelta(t, 30.0, out.NeckDeg, 0.001)
}

func TestSmootherAlphaClamped(t *testing.T) {
	s := NewSmoother(0.3)
	s.SetAlpha(0.9) // out of range, ignored
	s.Update(&Sample{NeckDeg: 0})
	out := s.Update(&Sample{NeckDeg: 10})
	assert.InDelta(t, 3.0, out.NeckDeg, 0.001)
}
