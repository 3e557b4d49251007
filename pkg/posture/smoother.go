package posture

// Smoother applies a first-order exponential moving average to each
// metric channel. Alpha is configurable in [0.1, 0.5]; 0.3 default.
type Smoother struct {
	alpha  float64
	primed bool
	neck   float64
	torso  float64
	lat    float64
}

// DefaultAlpha is the default EMA smoothing factor.
const DefaultAlpha = 0.3

func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Smoother{alpha: alpha}
}

// Update feeds one raw sample and returns the smoothed sample.
// Confidence and timestamps pass through unsmoothed.
func (s *Smoother) Update(raw *Sample) *Sample {
	if raw == nil {
		return nil
	}

	if !s.primed {
		s.neck, s.torso, s.lat = raw.NeckDeg, raw.TorsoDeg, raw.Lateral
		s.primed = true
	} else {
		s.neck += s.alpha * (raw.NeckDeg - s.neck)
		s.torso += s.alpha * (raw.TorsoDeg - s.torso)
		s.lat += s.alpha * (raw.Lateral - s.lat)
	}

	out := *raw
	out.NeckDeg = s.neck
	out.TorsoDeg = s.torso
	out.Lateral = s.lat
	return &out
}

// SetAlpha changes the smoothing factor, taking effect on the next
// update. Out-of-range values are ignored.
func (s *Smoother) SetAlpha(alpha float64) {
	if alpha >= 0.1 && alpha <= 0.5 {
		s.alpha = alpha
	}
}

// Reset discards the smoother's history.
func (s *Smoother) Reset() {
	s.primed = false
	s.neck, s.torso, s.lat = 0, 0, 0
}
