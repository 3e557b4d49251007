package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/config"
	"deskcoach/pkg/errors"
	"deskcoach/pkg/eventlog"
	http_server "deskcoach/pkg/http"
	"deskcoach/pkg/landmark"
	"deskcoach/pkg/metrics"
	"deskcoach/pkg/notify"
	"deskcoach/pkg/policy"
	"deskcoach/pkg/pose"
	"deskcoach/pkg/posture"
	"deskcoach/pkg/statusbus"
	"deskcoach/pkg/storage"
	"deskcoach/pkg/util"
	"deskcoach/pkg/version"
)

var logger = logrus.New()

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagFPS         = flag.Int("fps", 0, "target sampling rate (4-10, 0 = from config)")
		flagCamera      = flag.Int("camera", -1, "camera device index (-1 = from config)")
		flagPreset      = flag.String("preset", "", "sensitivity preset: sensitive|standard|conservative")
		flagPerfMode    = flag.String("perf-mode", "", "performance mode: lightweight|quality|performance")
		flagPerfProfile = flag.Bool("perf-profile", false, "log loop performance every 30s")
		flagDiagnostics = flag.Bool("diagnostics", false, "serve the localhost diagnostics endpoint")
		flagHTTPAddr    = flag.String("http-addr", http_server.DefaultAddr, "diagnostics listen address")
		flagDryRun      = flag.Bool("dry-run", false, "log nudges instead of delivering them")
		flagNoDND       = flag.Bool("no-dnd-check", false, "skip the do-not-disturb query")
		flagCooldowns   = flag.String("cooldowns", "on", "notification cooldowns: on|off")
		flagStorageRoot = flag.String("storage-root", "", "storage root directory")
		flagPoseHelper  = flag.String("pose-helper", "deskcoach-posed", "landmark estimator helper command")
		flagNotifier    = flag.String("notifier-cmd", "notify-send", "platform notification command")
		flagDNDCmd      = flag.String("dnd-cmd", "", "platform DND query command (empty = always off)")
	)
	flag.Parse()

	config.LoadEnvironment(logger)

	paths := storage.ResolveRoot(*flagStorageRoot)
	if err := paths.Ensure(logger); err != nil {
		fmt.Fprintln(os.Stderr, "deskcoachd:", err)
		return 1
	}

	cfg := config.Load(paths, logger)
	applyFlags(&cfg, *flagFPS, *flagCamera, *flagPreset, *flagPerfMode, *flagCooldowns)
	config.ApplyLogging(logger, cfg.Logging)

	logger.WithFields(logrus.Fields{
		"version": version.Version,
		"root":    paths.Root,
		"preset":  cfg.Posture.Preset,
	}).Info("DeskCoach daemon starting")

	metrics.StartMetrics(logger, true)

	// A missing baseline is not fatal: the daemon runs PAUSED until a
	// calibration completes.
	var base *posture.Baseline
	if stored, err := storage.LoadBaseline(paths); err != nil {
		if errors.Is(err, errors.ErrNotCalibrated) {
			logger.Warn("No calibration baseline, running paused until calibrated")
		} else {
			logger.WithError(err).Warn("Baseline unreadable, running paused")
		}
	} else {
		base = &posture.Baseline{
			Neck0:              stored.Neck0,
			Torso0:             stored.Torso0,
			Lateral0:           stored.Lateral0,
			ShoulderWidthProxy: stored.ShoulderWidthProxy,
		}
	}

	machine := posture.NewMachine(logger, cfg.Posture, base)

	events := eventlog.NewLogger(logger, paths.Events(), eventlog.DefaultQueueSize)
	events.Start()

	sink, dnd := buildSideEffects(*flagDryRun, *flagNoDND, *flagNotifier, *flagDNDCmd)
	pol := policy.New(logger, cfg.Policy, sink, dnd, events)

	statusPub := statusbus.NewStatusPublisher(logger, paths)

	estimator := &landmark.ExecEstimator{Command: *flagPoseHelper, Logger: logger}
	mode := pose.PerfMode(cfg.Loop.PerfMode)
	settings := pose.SettingsFor(mode)
	loop := pose.New(logger, estimator, machine, pol, events, statusPub, pose.Options{
		Camera: landmark.SessionOptions{
			CameraIndex: cfg.Camera.Index,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			FPS:         cfg.Loop.TargetFPS,
		},
		TargetFPS:       cfg.Loop.TargetFPS,
		SmoothingAlpha:  cfg.Loop.SmoothingAlpha,
		SkipEnabled:     cfg.Loop.SkipEnabled && settings.SkipEnabled,
		GovernorEnabled: settings.GovernorEnabled,
		PerfMode:        mode,
		PerfProfile:     *flagPerfProfile || cfg.Loop.PerfProfile,
	})

	shutdown := util.NewGracefulShutdown(logger, 5*time.Second)
	shutdown.Register(util.ShutdownResource{Name: "pose_loop", Priority: 1, Shutdown: loop.Shutdown})

	hotReload, err := config.NewHotReload(paths, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload unavailable")
	} else {
		hotReload.OnReload(func(next config.Config) {
			config.ApplyLogging(logger, next.Logging)
			machine.SetTuning(next.Posture)
			pol.Reconfigure(next.Policy)
			loop.SetTargetFPS(next.Loop.TargetFPS)
			loop.SetSmoothingAlpha(next.Loop.SmoothingAlpha)
			loop.SetSkipEnabled(next.Loop.SkipEnabled)
		})
		if err := hotReload.Start(); err != nil {
			logger.WithError(err).Warn("Config hot reload failed to start")
		} else {
			shutdown.RegisterCloser("config_watcher", hotReload, 3)
		}
	}

	baselineWatch, err := storage.NewBaselineWatcher(paths, logger)
	if err != nil {
		logger.WithError(err).Warn("Baseline watcher unavailable")
	} else {
		baselineWatch.OnChange(func(b storage.Baseline) {
			machine.SetBaseline(&posture.Baseline{
				Neck0:              b.Neck0,
				Torso0:             b.Torso0,
				Lateral0:           b.Lateral0,
				ShoulderWidthProxy: b.ShoulderWidthProxy,
			})
		})
		if err := baselineWatch.Start(); err != nil {
			logger.WithError(err).Warn("Baseline watcher failed to start")
		} else {
			shutdown.RegisterCloser("baseline_watcher", baselineWatch, 3)
		}
	}

	if *flagDiagnostics {
		diag := http_server.NewServer(logger, *flagHTTPAddr, func() (interface{}, error) {
			return statusbus.ReadStatus(paths, unixNow())
		})
		diag.Start()
		shutdown.Register(util.ShutdownResource{Name: "diagnostics_http", Priority: 4, Shutdown: diag.Shutdown})
	}

	shutdown.Register(util.ShutdownResource{Name: "event_log", Priority: 5, Shutdown: func(context.Context) error {
		events.Close()
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		loop.Stop()
		cancel()
	}()

	runErr := loop.Run(ctx)

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Shutdown incomplete")
	}

	if runErr != nil {
		logger.WithError(runErr).Error("Daemon failed")
		fmt.Fprintln(os.Stderr, "deskcoachd:", runErr)
		return 1
	}

	logger.Info("DeskCoach daemon stopped")
	return 0
}

// applyFlags layers command-line overrides onto the loaded document.
func applyFlags(cfg *config.Config, fps, camera int, preset, perfMode, cooldowns string) {
	if perfMode != "" {
		cfg.Loop.PerfMode = perfMode
		settings := pose.SettingsFor(pose.PerfMode(perfMode))
		cfg.Loop.TargetFPS = settings.FPS
		cfg.Camera.Width = settings.Width
		cfg.Camera.Height = settings.Height
		cfg.Loop.SkipEnabled = settings.SkipEnabled
	}
	if fps > 0 {
		cfg.Loop.TargetFPS = fps
	}
	if camera >= 0 {
		cfg.Camera.Index = camera
	}
	if preset != "" {
		cfg.Posture = posture.TuningFor(posture.Preset(preset))
	}
	if cooldowns == "off" {
		cfg.Policy.CooldownsEnabled = false
	}
}

// buildSideEffects selects the notification sink and DND querier.
func buildSideEffects(dryRun, noDND bool, notifierCmd, dndCmd string) (notify.Sink, notify.DNDQuerier) {
	var sink notify.Sink
	if dryRun {
		sink = &notify.DryRunSink{Logger: logger}
	} else {
		sink = &notify.OSNotifier{Command: notifierCmd, Logger: logger}
	}

	var dnd notify.DNDQuerier
	switch {
	case noDND || dndCmd == "":
		dnd = notify.DisabledDND{}
	default:
		dnd = &notify.OSDND{Command: dndCmd, Logger: logger}
	}
	return sink, dnd
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
