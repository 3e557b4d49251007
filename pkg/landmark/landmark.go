package landmark

// Indices into the 33-point pose topology used by the estimator.
const (
	LeftEar       = 7
	RightEar      = 8
	LeftShoulder  = 11
	RightShoulder = 12
	LeftHip       = 23
	RightHip      = 24

	NumPoints = 33
)

// Point is a single pose landmark. Coordinates are normalized to the
// image, origin top-left; visibility is in [0,1].
type Point struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

// Frame is one estimator output: the full landmark vector for the
// single selected subject. When the estimator sees multiple people it
// emits only the largest subject (bounding-box area, ties broken by
// summed visibility), so consumers never deal with more than one.
type Frame struct {
	Points [NumPoints]Point `json:"landmarks"`
}

// Session is an open stream of landmark frames from a camera.
type Session interface {
	// Next blocks until the next frame is available. A nil frame with
	// a nil error means the estimator found no subject this frame.
	Next() (*Frame, error)

	Close() error
}

// SessionOptions configure a capture session.
type SessionOptions struct {
	CameraIndex int
	Width       int
	Height      int
	FPS         int
}

// Estimator opens capture sessions. The camera and the pose model are
// a black box behind this interface; the daemon only ever sees
// normalized landmarks, never pixels.
type Estimator interface {
	Open(opts SessionOptions) (Session, error)
}
