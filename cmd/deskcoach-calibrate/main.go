package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/calibration"
	"deskcoach/pkg/config"
	"deskcoach/pkg/landmark"
	"deskcoach/pkg/statusbus"
	"deskcoach/pkg/storage"
)

var logger = logrus.New()

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagDuration    = flag.Float64("duration", calibration.DefaultDurationSec, "capture duration in seconds (15-45)")
		flagCamera      = flag.Int("camera", -1, "camera device index (-1 = from config)")
		flagFPS         = flag.Int("fps", 0, "sampling rate (0 = from config)")
		flagForce       = flag.Bool("force", false, "break an existing calibration lock")
		flagStorageRoot = flag.String("storage-root", "", "storage root directory")
		flagPoseHelper  = flag.String("pose-helper", "deskcoach-posed", "landmark estimator helper command")
	)
	flag.Parse()

	config.LoadEnvironment(logger)

	paths := storage.ResolveRoot(*flagStorageRoot)
	if err := paths.Ensure(logger); err != nil {
		fmt.Fprintln(os.Stderr, "deskcoach-calibrate:", err)
		return 1
	}

	cfg := config.Load(paths, logger)
	config.ApplyLogging(logger, cfg.Logging)

	camera := cfg.Camera.Index
	if *flagCamera >= 0 {
		camera = *flagCamera
	}
	fps := cfg.Loop.TargetFPS
	if *flagFPS > 0 {
		fps = *flagFPS
	}

	if *flagForce {
		if err := os.Remove(paths.CalibrationLock()); err == nil {
			logger.Warn("Removed existing calibration lock")
		}
	}

	estimator := &landmark.ExecEstimator{Command: *flagPoseHelper, Logger: logger}
	pub := statusbus.NewCalibrationPublisher(logger, paths)
	runner := calibration.New(logger, paths, estimator, pub, calibration.Options{
		DurationSec: *flagDuration,
		FPS:         fps,
		CameraIndex: camera,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Calibration cancelled by signal")
		cancel()
	}()

	baseline, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "deskcoach-calibrate:", err)
		return 1
	}

	fmt.Printf("Calibration complete: neck %.1f°, torso %.1f°, lateral %.3f (%d samples, mean confidence %.2f)\n",
		baseline.Neck0, baseline.Torso0, baseline.Lateral0, baseline.SampleCount, baseline.ConfMean)
	return 0
}
