package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/eventlog"
	"deskcoach/pkg/statusbus"
	"deskcoach/pkg/storage"
	"deskcoach/pkg/supervisor"
)

const usage = `Usage: deskcoachctl [-root DIR] <command> [args]

Commands:
  start [daemon flags]   start the background daemon
  stop                   stop the daemon
  restart                restart the daemon with its last flags
  status                 show daemon and posture status
  calibrate [flags]      run a calibration session in the foreground
  stop-calibration       cancel a running calibration
  logs [-n N]            show the daemon's captured output
  purge                  delete event log and status snapshots
`

var logger = logrus.New()

func main() {
	os.Exit(run())
}

func run() int {
	flagRoot := flag.String("root", "", "storage root directory")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	paths := storage.ResolveRoot(*flagRoot)
	if err := paths.Ensure(logger); err != nil {
		fmt.Fprintln(os.Stderr, "deskcoachctl:", err)
		return 1
	}

	sup := supervisor.New(logger, paths)
	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "start":
		err = cmdStart(sup, paths, args)
	case "stop":
		err = sup.StopDaemon()
	case "restart":
		_, err = sup.RestartDaemon()
	case "status":
		err = cmdStatus(sup, paths)
	case "calibrate":
		err = cmdCalibrate(paths, args)
	case "stop-calibration":
		err = sup.StopCalibration()
	case "logs":
		err = cmdLogs(sup, args)
	case "purge":
		err = cmdPurge(paths)
	default:
		fmt.Fprintf(os.Stderr, "deskcoachctl: unknown command %q\n\n", command)
		flag.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "deskcoachctl:", err)
		return 1
	}
	return 0
}

// siblingBinary locates a companion executable next to this one.
func siblingBinary(name string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "locating own executable")
	}
	path := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrap(err, "companion binary not found", map[string]interface{}{
			"path": path,
		})
	}
	return path, nil
}

func cmdStart(sup *supervisor.Supervisor, paths storage.Paths, extra []string) error {
	daemon, err := siblingBinary("deskcoachd")
	if err != nil {
		return err
	}

	cmdline := append([]string{daemon, "--storage-root", paths.Root}, extra...)
	pid, err := sup.StartDaemon(cmdline)
	if err != nil {
		return err
	}
	fmt.Printf("daemon running (pid %d)\n", pid)
	return nil
}

func cmdStatus(sup *supervisor.Supervisor, paths storage.Paths) error {
	st := sup.DaemonStatus()
	if !st.Running {
		fmt.Println("daemon: not running")
	} else {
		uptime := time.Duration(unixNow()-st.StartedAt) * time.Second
		fmt.Printf("daemon: running (pid %d, up %s)\n", st.PID, uptime.Truncate(time.Second))
	}

	doc, err := statusbus.ReadStatus(paths, unixNow())
	switch {
	case err != nil && doc == nil:
		fmt.Println("posture: unknown (no status snapshot)")
	case err != nil:
		fmt.Printf("posture: unknown (stale snapshot, last state %s)\n", doc.State)
	default:
		fmt.Printf("posture: %s (%.0fs, preset %s, calibrated %v)\n",
			doc.State, doc.TimeInStateSec, doc.Preset, doc.Calibrated)
		if doc.Sample != nil {
			fmt.Printf("metrics: neck %.1f° torso %.1f° lateral %.3f conf %.2f\n",
				doc.Sample.NeckDeg, doc.Sample.TorsoDeg, doc.Sample.Lateral, doc.Sample.Conf)
		}
		if doc.Policy.CooldownRemainingSec > 0 {
			fmt.Printf("cooldown: %.0fs remaining\n", doc.Policy.CooldownRemainingSec)
		}
		if doc.Policy.SnoozeRemainingSec > 0 {
			fmt.Printf("snooze: %.0fs remaining\n", doc.Policy.SnoozeRemainingSec)
		}
	}

	if cal, err := statusbus.ReadCalibrationStatus(paths, unixNow()); err == nil && !cal.Terminal() {
		fmt.Printf("calibration: %s (%.0f%%, %d samples)\n",
			cal.Phase, cal.Progress*100, cal.SamplesCaptured)
	}

	printLastNudge(paths)
	return nil
}

// printLastNudge scans the tail of the event log for the most recent
// delivered notification.
func printLastNudge(paths storage.Paths) {
	events := eventlog.NewLogger(logger, paths.Events(), 0)
	recent, err := events.Recent(200)
	if err != nil {
		return
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Kind != eventlog.KindNudged {
			continue
		}
		ago := time.Duration(unixNow()-recent[i].TS) * time.Second
		fmt.Printf("last nudge: %s, %s ago\n", recent[i].State, ago.Truncate(time.Second))
		return
	}
}

func cmdCalibrate(paths storage.Paths, extra []string) error {
	bin, err := siblingBinary("deskcoach-calibrate")
	if err != nil {
		return err
	}

	args := append([]string{"--storage-root", paths.Root}, extra...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func cmdLogs(sup *supervisor.Supervisor, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	n := fs.Int("n", 50, "number of lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lines, err := sup.Logs(*n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func cmdPurge(paths storage.Paths) error {
	events := eventlog.NewLogger(logger, paths.Events(), 0)
	if err := events.Purge(); err != nil {
		return err
	}
	if err := storage.PurgeData(paths); err != nil {
		return err
	}
	fmt.Println("event log and status snapshots removed")
	return nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
