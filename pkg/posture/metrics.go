package posture

import (
	"math"

	"deskcoach/pkg/landmark"
)

// DefaultMinVisibility gates landmark usage during metric extraction.
const DefaultMinVisibility = 0.5

// Sample is one frame's geometric posture metrics. Angles are degrees
// between a body segment and the image vertical; Lateral is the
// shoulder-height asymmetry normalized by shoulder width.
type Sample struct {
	TS       float64 `json:"ts"`
	NeckDeg  float64 `json:"neck_deg"`
	TorsoDeg float64 `json:"torso_deg"`
	Lateral  float64 `json:"lateral"`
	Conf     float64 `json:"conf"`

	// LateralDenom is the raw inter-shoulder x-distance, kept for the
	// calibration shoulder-width proxy. Not serialized.
	LateralDenom float64 `json:"-"`
}

// verticalAngleDeg returns the angle in degrees between the vector
// (dx, dy) and the image vertical. The image vertical, not world
// gravity, so small camera tilts cancel against the baseline.
func verticalAngleDeg(dx, dy float64) float64 {
	return math.Atan2(math.Abs(dx), math.Abs(dy)) * 180 / math.Pi
}

// Extract computes a metric sample from a landmark frame, or nil when
// the required landmarks are not visible enough. Callers treat nil as
// "pause evaluation this frame".
func Extract(frame *landmark.Frame, ts, minVisibility float64) *Sample {
	if frame == nil {
		return nil
	}

	ls := frame.Points[landmark.LeftShoulder]
	rs := frame.Points[landmark.RightShoulder]
	lh := frame.Points[landmark.LeftHip]
	rh := frame.Points[landmark.RightHip]
	le := frame.Points[landmark.LeftEar]
	re := frame.Points[landmark.RightEar]

	if ls.Visibility < minVisibility || rs.Visibility < minVisibility ||
		lh.Visibility < minVisibility || rh.Visibility < minVisibility {
		return nil
	}
	if le.Visibility < minVisibility && re.Visibility < minVisibility {
		return nil
	}

	shoulderMidX := (ls.X + rs.X) / 2
	shoulderMidY := (ls.Y + rs.Y) / 2
	hipMidX := (lh.X + rh.X) / 2
	hipMidY := (lh.Y + rh.Y) / 2

	// Ear midpoint when both visible, else the visible side.
	var earX, earY, earVis float64
	switch {
	case le.Visibility >= minVisibility && re.Visibility >= minVisibility:
		earX, earY = (le.X+re.X)/2, (le.Y+re.Y)/2
		earVis = math.Max(le.Visibility, re.Visibility)
	case le.Visibility >= minVisibility:
		earX, earY, earVis = le.X, le.Y, le.Visibility
	default:
		earX, earY, earVis = re.X, re.Y, re.Visibility
	}

	neck := verticalAngleDeg(earX-shoulderMidX, earY-shoulderMidY)
	torso := verticalAngleDeg(shoulderMidX-hipMidX, shoulderMidY-hipMidY)

	width := math.Abs(ls.X - rs.X)
	lateral := 0.0
	if width >= 0.01 {
		lateral = math.Abs(ls.Y-rs.Y) / width
	}

	conf := ls.Visibility
	for _, v := range []float64{rs.Visibility, lh.Visibility, rh.Visibility, earVis} {
		if v < conf {
			conf = v
		}
	}

	return &Sample{
		TS:           ts,
		NeckDeg:      neck,
		TorsoDeg:     torso,
		Lateral:      lateral,
		Conf:         conf,
		LateralDenom: width,
	}
}
