package posture

// ConditionWindow is a bounded time-indexed sequence of
// (ts, above_threshold) entries for one posture channel. It is the
// only stateful source of sustained-condition signals.
type ConditionWindow struct {
	windowSec float64
	ts        []float64
	above     []bool
}

// WindowStats are pure functions of the window contents and the query
// time.
type WindowStats struct {
	AboveFraction      float64 `json:"above_fraction"`
	CumulativeAboveSec float64 `json:"cumulative_above_sec"`
	MaxGapSec          float64 `json:"max_gap_sec"`
	AboveCount         int     `json:"above_count"`
	TotalCount         int     `json:"total_count"`
}

func NewConditionWindow(windowSec float64) *ConditionWindow {
	return &ConditionWindow{windowSec: windowSec}
}

// SetWindow changes the retention window, applied on the next insert.
func (w *ConditionWindow) SetWindow(windowSec float64) {
	if windowSec > 0 {
		w.windowSec = windowSec
	}
}

// Insert appends an observation and evicts entries older than
// ts - windowSec. Timestamps must be monotonically non-decreasing;
// out-of-order inserts are dropped.
func (w *ConditionWindow) Insert(ts float64, above bool) {
	if n := len(w.ts); n > 0 && ts < w.ts[n-1] {
		return
	}
	w.ts = append(w.ts, ts)
	w.above = append(w.above, above)

	cutoff := ts - w.windowSec
	drop := 0
	for drop < len(w.ts) && w.ts[drop] < cutoff {
		drop++
	}
	if drop > 0 {
		w.ts = w.ts[drop:]
		w.above = w.above[drop:]
	}
}

func (w *ConditionWindow) Len() int { return len(w.ts) }

func (w *ConditionWindow) Clear() {
	w.ts = w.ts[:0]
	w.above = w.above[:0]
}

// Stats computes the sustained-condition statistics at query time now
// over the given window size. Each entry contributes the span to the
// next entry, or to now for the last, clipped to [now-windowSec, now].
func (w *ConditionWindow) Stats(now, windowSec float64) WindowStats {
	stats := WindowStats{TotalCount: len(w.ts)}
	if len(w.ts) == 0 || windowSec <= 0 {
		return stats
	}

	start := now - windowSec
	var aboveSec float64
	var gap, maxGap float64

	for i := range w.ts {
		from := w.ts[i]
		to := now
		if i+1 < len(w.ts) {
			to = w.ts[i+1]
		}
		if from < start {
			from = start
		}
		if to > now {
			to = now
		}
		span := to - from
		if span < 0 {
			span = 0
		}

		if w.above[i] {
			stats.AboveCount++
			aboveSec += span
			gap = 0
		} else {
			gap += span
			if gap > maxGap {
				maxGap = gap
			}
		}
	}

	stats.CumulativeAboveSec = aboveSec
	stats.MaxGapSec = maxGap
	stats.AboveFraction = aboveSec / windowSec
	if stats.AboveFraction > 1 {
		stats.AboveFraction = 1
	}
	return stats
}
