package landmark

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
)

// ExecEstimator runs an external helper process that owns the camera
// and the pose model, and streams one JSON frame per line on stdout.
// Keeping the camera in a child process keeps image data out of this
// process entirely.
type ExecEstimator struct {
	// Command is the helper executable path.
	Command string

	// Args are prepended before the generated session flags.
	Args []string

	Logger *logrus.Logger
}

type execSession struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	logger  *logrus.Logger
}

// frameLine is the helper's per-frame wire format. A null landmarks
// array means no subject was detected.
type frameLine struct {
	Landmarks [][3]float64 `json:"landmarks"`
}

// Open spawns the helper with the session parameters as flags.
func (e *ExecEstimator) Open(opts SessionOptions) (Session, error) {
	args := append([]string{}, e.Args...)
	args = append(args,
		fmt.Sprintf("--camera=%d", opts.CameraIndex),
		fmt.Sprintf("--width=%d", opts.Width),
		fmt.Sprintf("--height=%d", opts.Height),
		fmt.Sprintf("--fps=%d", opts.FPS),
	)

	cmd := exec.Command(e.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating estimator stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewCameraOpen(opts.CameraIndex, map[string]interface{}{
			"command": e.Command,
			"error":   err.Error(),
		})
	}

	e.Logger.WithFields(logrus.Fields{
		"command":      e.Command,
		"camera_index": opts.CameraIndex,
		"resolution":   fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"fps":          opts.FPS,
		"pid":          cmd.Process.Pid,
	}).Info("Landmark estimator started")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &execSession{
		cmd:     cmd,
		stdout:  stdout,
		scanner: scanner,
		logger:  e.Logger,
	}, nil
}

func (s *execSession) Next() (*Frame, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCameraRead, err.Error())
		}
		return nil, errors.Wrap(errors.ErrCameraRead, "estimator stream closed")
	}

	var line frameLine
	if err := json.Unmarshal(s.scanner.Bytes(), &line); err != nil {
		return nil, errors.Wrap(errors.ErrCameraRead, "malformed estimator frame", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if line.Landmarks == nil {
		return nil, nil
	}
	if len(line.Landmarks) != NumPoints {
		return nil, errors.Wrap(errors.ErrCameraRead, "unexpected landmark count", map[string]interface{}{
			"count": len(line.Landmarks),
		})
	}

	var frame Frame
	for i, lm := range line.Landmarks {
		frame.Points[i] = Point{X: lm[0], Y: lm[1], Visibility: lm[2]}
	}
	return &frame, nil
}

// Close terminates the helper: SIGTERM, short grace, then SIGKILL.
func (s *execSession) Close() error {
	if s.cmd.Process == nil {
		return nil
	}

	_ = s.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	}

	s.logger.WithField("pid", s.cmd.Process.Pid).Debug("Landmark estimator stopped")
	return nil
}
