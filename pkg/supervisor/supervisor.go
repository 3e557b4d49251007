// Package supervisor owns process lifecycles: at most one background
// daemon and at most one calibration process, tracked through
// pidfiles under the storage root.
package supervisor

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/storage"
	"deskcoach/pkg/util"
)

// Graceful stop window before escalating to SIGKILL.
const stopGraceSec = 5.0

// pidDocument is the daemon.pid / daemon.meta.json contents.
type pidDocument struct {
	PID       int      `json:"pid"`
	StartedAt float64  `json:"started_at"`
	Cmdline   []string `json:"cmdline"`
}

// lockDocument mirrors the calibration lockfile.
type lockDocument struct {
	PID       int     `json:"pid"`
	StartedAt float64 `json:"started_at"`
}

// Status describes a supervised process.
type Status struct {
	Running   bool
	PID       int
	StartedAt float64
	Cmdline   []string
}

// Supervisor manages the daemon and calibration children for the
// control CLI. All state lives in the pidfiles; the supervisor itself
// is stateless across invocations.
type Supervisor struct {
	logger *logrus.Logger
	paths  storage.Paths

	// Overridable in tests.
	sleep func(time.Duration)
}

func New(logger *logrus.Logger, paths storage.Paths) *Supervisor {
	return &Supervisor{logger: logger, paths: paths, sleep: time.Sleep}
}

// StartDaemon launches cmdline as a detached background process with
// stdout/stderr captured to daemon.log. Starting while a live daemon
// exists is a no-op returning the existing PID.
func (s *Supervisor) StartDaemon(cmdline []string) (int, error) {
	if len(cmdline) == 0 {
		return 0, errors.New("empty daemon command line")
	}

	if doc, ok := s.readPidfile(); ok {
		if util.ProcessAlive(doc.PID) {
			s.logger.WithField("pid", doc.PID).Info("Daemon already running")
			return doc.PID, nil
		}
		s.logger.WithField("stale_pid", doc.PID).Info("Reclaiming stale daemon pidfile")
		os.Remove(s.paths.DaemonPID())
	}

	logFile, err := os.OpenFile(s.paths.DaemonLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, errors.Wrap(err, "opening daemon log", map[string]interface{}{
			"path": s.paths.DaemonLog(),
		})
	}
	defer logFile.Close()

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), storage.RootEnvVar+"="+s.paths.Root)
	// New session detaches the child from the CLI's terminal and
	// process group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "starting daemon", map[string]interface{}{
			"cmdline": strings.Join(cmdline, " "),
		})
	}

	doc := pidDocument{
		PID:       cmd.Process.Pid,
		StartedAt: float64(time.Now().UnixNano()) / float64(time.Second),
		Cmdline:   cmdline,
	}
	if err := storage.WriteJSONAtomic(s.paths.DaemonPID(), doc); err != nil {
		return doc.PID, err
	}
	if err := storage.WriteJSONAtomic(s.paths.DaemonMeta(), doc); err != nil {
		return doc.PID, err
	}

	// Release the child so the short-lived CLI can exit without
	// waiting on it.
	cmd.Process.Release()

	s.logger.WithFields(logrus.Fields{
		"pid":     doc.PID,
		"cmdline": strings.Join(cmdline, " "),
	}).Info("Daemon started")

	return doc.PID, nil
}

// StopDaemon terminates the daemon: SIGTERM, a grace window, then
// SIGKILL. The pidfile is removed either way. Stopping when nothing
// is running is a no-op success.
func (s *Supervisor) StopDaemon() error {
	doc, ok := s.readPidfile()
	if !ok || !util.ProcessAlive(doc.PID) {
		os.Remove(s.paths.DaemonPID())
		s.logger.Info("Daemon not running, nothing to stop")
		return nil
	}

	proc, err := os.FindProcess(doc.PID)
	if err != nil {
		return errors.Wrap(err, "finding daemon process")
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "signaling daemon", map[string]interface{}{
			"pid": doc.PID,
		})
	}

	deadline := time.Now().Add(time.Duration(stopGraceSec * float64(time.Second)))
	for time.Now().Before(deadline) {
		if !util.ProcessAlive(doc.PID) {
			os.Remove(s.paths.DaemonPID())
			s.logger.WithField("pid", doc.PID).Info("Daemon stopped")
			return nil
		}
		s.sleep(100 * time.Millisecond)
	}

	s.logger.WithField("pid", doc.PID).Warn("Daemon did not exit in time, killing")
	proc.Kill()
	os.Remove(s.paths.DaemonPID())
	return nil
}

// RestartDaemon stops any running daemon and relaunches it with the
// command line recorded at the last start.
func (s *Supervisor) RestartDaemon() (int, error) {
	var meta pidDocument
	if err := storage.ReadJSON(s.paths.DaemonMeta(), &meta); err != nil {
		return 0, errors.Wrap(err, "reading daemon metadata; start it once before restart")
	}

	if err := s.StopDaemon(); err != nil {
		return 0, err
	}
	return s.StartDaemon(meta.Cmdline)
}

// DaemonStatus reports the daemon's liveness from its pidfile.
func (s *Supervisor) DaemonStatus() Status {
	doc, ok := s.readPidfile()
	if !ok {
		return Status{}
	}
	return Status{
		Running:   util.ProcessAlive(doc.PID),
		PID:       doc.PID,
		StartedAt: doc.StartedAt,
		Cmdline:   doc.Cmdline,
	}
}

// StopCalibration signals the calibration process named by its
// lockfile. The calibration run removes its own lock on exit.
func (s *Supervisor) StopCalibration() error {
	var lock lockDocument
	if err := storage.ReadJSON(s.paths.CalibrationLock(), &lock); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(errors.ErrDaemonNotRunning, "no calibration in progress")
		}
		return err
	}
	if !util.ProcessAlive(lock.PID) {
		os.Remove(s.paths.CalibrationLock())
		return errors.Wrap(errors.ErrDaemonNotRunning, "calibration lock was stale")
	}

	proc, err := os.FindProcess(lock.PID)
	if err != nil {
		return errors.Wrap(err, "finding calibration process")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "signaling calibration process", map[string]interface{}{
			"pid": lock.PID,
		})
	}
	s.logger.WithField("pid", lock.PID).Info("Calibration stop requested")
	return nil
}

// Logs returns the last n lines of the captured daemon output.
func (s *Supervisor) Logs(n int) ([]string, error) {
	data, err := os.ReadFile(s.paths.DaemonLog())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (s *Supervisor) readPidfile() (pidDocument, bool) {
	var doc pidDocument
	if err := storage.ReadJSON(s.paths.DaemonPID(), &doc); err != nil {
		return pidDocument{}, false
	}
	return doc, doc.PID > 0
}
