package util

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown tears down registered resources in priority order
// when the daemon stops. Lower priority numbers shut down first, so
// the pose loop (which owns the camera) goes before the event log and
// the status publisher.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []ShutdownResource
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource is one teardown step.
type ShutdownResource struct {
	Name     string
	Priority int
	Shutdown func(context.Context) error
}

// NewGracefulShutdown creates a shutdown manager with an overall
// deadline. Zero or negative timeout falls back to 5 seconds.
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GracefulShutdown{logger: logger, timeout: timeout}
}

// Register adds a resource, kept sorted by priority.
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	inserted := false
	for i, r := range gs.resources {
		if resource.Priority < r.Priority {
			gs.resources = append(gs.resources[:i], append([]ShutdownResource{resource}, gs.resources[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		gs.resources = append(gs.resources, resource)
	}

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered shutdown resource")
}

// RegisterCloser registers an io.Closer as a shutdown step.
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error { return closer.Close() },
	})
}

// Shutdown runs every registered step in order, continuing past
// failures so one stuck resource cannot block the rest. Returns the
// first error observed, if any.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	gs.logger.WithField("resource_count", len(resources)).Info("Shutting down")

	var firstErr error
	for _, res := range resources {
		err := gs.shutdownOne(shutdownCtx, res)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil {
		gs.logger.Info("Shutdown complete")
	}
	return firstErr
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, res ShutdownResource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gs.logger.WithFields(logrus.Fields{
				"resource": res.Name,
				"panic":    r,
			}).Error("Panic during shutdown")
			err = fmt.Errorf("panic shutting down %s: %v", res.Name, r)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- res.Shutdown(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.WithError(err).WithField("resource", res.Name).Error("Shutdown step failed")
			return fmt.Errorf("shutting down %s: %w", res.Name, err)
		}
		gs.logger.WithField("resource", res.Name).Debug("Resource shut down")
		return nil
	case <-ctx.Done():
		gs.logger.WithField("resource", res.Name).Warn("Shutdown step timed out")
		return fmt.Errorf("timeout shutting down %s", res.Name)
	}
}
