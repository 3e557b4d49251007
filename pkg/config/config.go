// Package config loads, validates and persists the daemon's single
// JSON configuration document. Missing keys fall back to defaults; a
// parse failure falls back to the full default document so the daemon
// always starts.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/policy"
	"deskcoach/pkg/posture"
	"deskcoach/pkg/storage"
)

// Config is the complete configuration document stored in config.json.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Camera      CameraConfig      `json:"camera"`
	Loop        LoopConfig        `json:"loop"`
	Calibration CalibrationConfig `json:"calibration"`
	Posture     posture.Tuning    `json:"posture"`
	Policy      policy.Config     `json:"policy"`
}

// LoggingConfig controls logrus level and format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CameraConfig selects the capture device and resolution.
type CameraConfig struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LoopConfig tunes the pose loop.
type LoopConfig struct {
	TargetFPS      int     `json:"target_fps"`
	SmoothingAlpha float64 `json:"smoothing_alpha"`
	SkipEnabled    bool    `json:"skip_enabled"`
	PerfMode       string  `json:"perf_mode"`
	PerfProfile    bool    `json:"perf_profile"`
}

// CalibrationConfig tunes the calibration routine.
type CalibrationConfig struct {
	DurationSec float64 `json:"duration_sec"`
}

// Default returns the reference configuration: standard preset,
// 6 FPS, 424x240 capture.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Camera:  CameraConfig{Index: 0, Width: 424, Height: 240},
		Loop: LoopConfig{
			TargetFPS:      6,
			SmoothingAlpha: 0.3,
			SkipEnabled:    true,
			PerfMode:       "lightweight",
		},
		Calibration: CalibrationConfig{DurationSec: 25},
		Posture:     posture.TuningFor(posture.PresetStandard),
		Policy:      policy.DefaultConfig(),
	}
}

// Load reads config.json, filling defaults for any missing key. A
// missing or unparsable file yields the defaults; only the parse
// failure is logged, never fatal.
func Load(paths storage.Paths, logger *logrus.Logger) Config {
	cfg := Default()
	if err := storage.ReadJSON(paths.Config(), &cfg); err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", paths.Config()).Debug("No config file, using defaults")
		} else {
			logger.WithError(err).Warn("Config unreadable, using defaults")
		}
		cfg = Default()
	} else if err := cfg.Validate(); err != nil {
		logger.WithError(err).Warn("Config invalid, using defaults")
		cfg = Default()
	}

	applyEnv(&cfg)
	return cfg
}

// Save writes the document atomically.
func Save(paths storage.Paths, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return storage.WriteJSONAtomic(paths.Config(), cfg)
}

// Validate checks numeric ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.Loop.TargetFPS < 4 || c.Loop.TargetFPS > 15 {
		return errors.NewInvalidConfig("loop.target_fps must be in [4,15]")
	}
	if c.Loop.SmoothingAlpha < 0.1 || c.Loop.SmoothingAlpha > 0.5 {
		return errors.NewInvalidConfig("loop.smoothing_alpha must be in [0.1,0.5]")
	}
	if c.Calibration.DurationSec < 15 || c.Calibration.DurationSec > 45 {
		return errors.NewInvalidConfig("calibration.duration_sec must be in [15,45]")
	}

	t := c.Posture
	if t.Majority < 0.5 || t.Majority > 0.9 {
		return errors.NewInvalidConfig("posture.majority_fraction must be in [0.5,0.9]")
	}
	if t.GapBudgetSec >= t.WindowSec {
		return errors.NewInvalidConfig("posture.gap_budget_sec must be below window_sec")
	}
	if t.CumulativeMinSec > t.WindowSec {
		return errors.NewInvalidConfig("posture.cumulative_min_sec must not exceed window_sec")
	}
	if t.LateralCumulativeMinSec > t.LateralWindowSec {
		return errors.NewInvalidConfig("posture.lateral_cumulative_min_sec must not exceed lateral_window_sec")
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1 {
		return errors.NewInvalidConfig("posture.confidence_threshold must be in [0,1]")
	}

	p := c.Policy
	for name, v := range map[string]float64{
		"cooldown_done_sec":            p.CooldownDoneSec,
		"cooldown_snooze_sec":          p.CooldownSnoozeSec,
		"dedupe_window_sec":            p.DedupeWindowSec,
		"dismiss_backoff_duration_sec": p.DismissBackoffDurationSec,
		"dnd_queue_expiry_sec":         p.DNDQueueExpirySec,
	} {
		if v < 0 {
			return errors.NewInvalidConfig("policy." + name + " must be non-negative")
		}
	}

	return nil
}

// ApplyLogging configures the logger from the document.
func ApplyLogging(logger *logrus.Logger, lc LoggingConfig) {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(lc.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// LoadEnvironment sources a .env file when present. Called once at
// process start, before flags are parsed.
func LoadEnvironment(logger *logrus.Logger) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env")
	}
}

// applyEnv layers environment overrides on top of the file document.
func applyEnv(cfg *Config) {
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Camera.Index = getEnvInt("CAMERA_INDEX", cfg.Camera.Index)
	cfg.Loop.TargetFPS = getEnvInt("TARGET_FPS", cfg.Loop.TargetFPS)
	cfg.Loop.SkipEnabled = getEnvBool("FRAME_SKIP", cfg.Loop.SkipEnabled)
	cfg.Loop.PerfProfile = getEnvBool("PERF_PROFILE", cfg.Loop.PerfProfile)

	if preset := getEnv("POSTURE_PRESET", ""); preset != "" {
		cfg.Posture = posture.TuningFor(posture.Preset(preset))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
