package posture

import "sort"

// RollingBuffer keeps (ts, value) pairs bounded by a wall-clock
// window. Entries are time-ordered; inserts evict everything older
// than windowSec behind the newest timestamp.
type RollingBuffer struct {
	windowSec float64
	ts        []float64
	values    []float64
}

func NewRollingBuffer(windowSec float64) *RollingBuffer {
	return &RollingBuffer{windowSec: windowSec}
}

// Push appends a sample and evicts expired entries.
func (b *RollingBuffer) Push(ts, value float64) {
	b.ts = append(b.ts, ts)
	b.values = append(b.values, value)

	cutoff := ts - b.windowSec
	drop := 0
	for drop < len(b.ts) && b.ts[drop] < cutoff {
		drop++
	}
	if drop > 0 {
		b.ts = b.ts[drop:]
		b.values = b.values[drop:]
	}
}

func (b *RollingBuffer) Len() int { return len(b.values) }

func (b *RollingBuffer) Clear() {
	b.ts = b.ts[:0]
	b.values = b.values[:0]
}

// Mean returns the arithmetic mean of buffered values, 0 when empty.
func (b *RollingBuffer) Mean() float64 {
	if len(b.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range b.values {
		sum += v
	}
	return sum / float64(len(b.values))
}

// Median returns the median of buffered values, 0 when empty.
func (b *RollingBuffer) Median() float64 {
	n := len(b.values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, b.values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
