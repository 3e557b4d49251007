package storage

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
)

// DefaultRoot is used when no storage root is configured.
const DefaultRoot = "./storage"

// RootEnvVar overrides the storage root when set.
const RootEnvVar = "STORAGE_ROOT"

// Paths resolves every persistent file from a single storage root.
// All components derive their file locations from here so that a
// single environment variable relocates the whole data directory.
type Paths struct {
	Root string
}

// ResolveRoot returns the effective storage root: the explicit value
// if non-empty, else the STORAGE_ROOT environment variable, else the
// default relative directory.
func ResolveRoot(explicit string) Paths {
	if explicit != "" {
		return Paths{Root: explicit}
	}
	if env := os.Getenv(RootEnvVar); env != "" {
		return Paths{Root: env}
	}
	return Paths{Root: DefaultRoot}
}

// Ensure creates the storage root if it does not exist.
func (p Paths) Ensure(logger *logrus.Logger) error {
	if err := os.MkdirAll(p.Root, 0755); err != nil {
		return errors.Wrap(err, "creating storage root", map[string]interface{}{
			"root": p.Root,
		})
	}
	logger.WithField("root", p.Root).Debug("Storage root ready")
	return nil
}

func (p Paths) Baseline() string          { return filepath.Join(p.Root, "calibration.json") }
func (p Paths) Config() string            { return filepath.Join(p.Root, "config.json") }
func (p Paths) Events() string            { return filepath.Join(p.Root, "events.jsonl") }
func (p Paths) Status() string            { return filepath.Join(p.Root, "status.json") }
func (p Paths) CalibrationStatus() string { return filepath.Join(p.Root, "calibration_status.json") }
func (p Paths) DaemonPID() string         { return filepath.Join(p.Root, "daemon.pid") }
func (p Paths) DaemonMeta() string        { return filepath.Join(p.Root, "daemon.meta.json") }
func (p Paths) CalibrationLock() string   { return filepath.Join(p.Root, "calibration.lock") }
func (p Paths) DaemonLog() string         { return filepath.Join(p.Root, "daemon.log") }
