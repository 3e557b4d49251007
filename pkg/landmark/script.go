package landmark

import (
	"sync"

	"deskcoach/pkg/errors"
)

// ScriptSession replays a fixed sequence of frames. Used by tests and
// by the dry-run pipeline where no camera is available.
type ScriptSession struct {
	mu     sync.Mutex
	frames []*Frame
	pos    int
	closed bool

	// Loop repeats the sequence instead of ending the stream.
	Loop bool
}

// NewScriptSession returns a session that yields the given frames in
// order. Nil entries model "no subject detected" frames.
func NewScriptSession(frames []*Frame, loop bool) *ScriptSession {
	return &ScriptSession{frames: frames, Loop: loop}
}

func (s *ScriptSession) Next() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Wrap(errors.ErrCameraRead, "session closed")
	}
	if s.pos >= len(s.frames) {
		if !s.Loop || len(s.frames) == 0 {
			return nil, errors.Wrap(errors.ErrCameraRead, "script exhausted")
		}
		s.pos = 0
	}

	frame := s.frames[s.pos]
	s.pos++
	return frame, nil
}

func (s *ScriptSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ScriptEstimator opens ScriptSessions regardless of options.
type ScriptEstimator struct {
	Frames []*Frame
	Loop   bool
}

func (e *ScriptEstimator) Open(opts SessionOptions) (Session, error) {
	return NewScriptSession(e.Frames, e.Loop), nil
}

// UprightFrame builds a frame for a subject sitting upright with the
// given overall visibility. Useful as a test fixture.
func UprightFrame(visibility float64) *Frame {
	var f Frame
	for i := range f.Points {
		f.Points[i] = Point{X: 0.5, Y: 0.5, Visibility: visibility}
	}
	// Head above shoulders above hips, shoulders level.
	f.Points[LeftEar] = Point{X: 0.48, Y: 0.20, Visibility: visibility}
	f.Points[RightEar] = Point{X: 0.52, Y: 0.20, Visibility: visibility}
	f.Points[LeftShoulder] = Point{X: 0.38, Y: 0.40, Visibility: visibility}
	f.Points[RightShoulder] = Point{X: 0.62, Y: 0.40, Visibility: visibility}
	f.Points[LeftHip] = Point{X: 0.42, Y: 0.70, Visibility: visibility}
	f.Points[RightHip] = Point{X: 0.58, Y: 0.70, Visibility: visibility}
	return &f
}
