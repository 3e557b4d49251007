package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
)

// BaselineCallback receives the freshly loaded baseline after a
// calibration run rewrites calibration.json.
type BaselineCallback func(b Baseline)

// BaselineWatcher lets a running daemon adopt a new calibration
// without restarting. Atomic writes appear as rename events, so the
// watcher tracks the storage directory rather than the file inode.
type BaselineWatcher struct {
	paths   Paths
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []BaselineCallback

	ctx      context.Context
	cancel   context.CancelFunc
	reloadCh chan struct{}
	debounce time.Duration
}

// NewBaselineWatcher builds a watcher over the baseline file.
func NewBaselineWatcher(paths Paths, logger *logrus.Logger) (*BaselineWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating baseline watcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BaselineWatcher{
		paths:    paths,
		logger:   logger,
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
		reloadCh: make(chan struct{}, 1),
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnChange registers a callback for future baseline updates.
func (w *BaselineWatcher) OnChange(cb BaselineCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Stop with Close.
func (w *BaselineWatcher) Start() error {
	dir := filepath.Dir(w.paths.Baseline())
	if err := w.watcher.Add(dir); err != nil {
		return errors.Wrap(err, "watching storage directory", map[string]interface{}{
			"dir": dir,
		})
	}

	go w.watchLoop()
	go w.reloadLoop()

	w.logger.WithField("path", w.paths.Baseline()).Info("Baseline watcher active")
	return nil
}

// Close stops the watcher.
func (w *BaselineWatcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *BaselineWatcher) watchLoop() {
	target := filepath.Clean(w.paths.Baseline())
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.reloadCh <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Baseline watcher error")
		}
	}
}

func (w *BaselineWatcher) reloadLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reloadCh:
		}

		// Let the writer finish; coalesce bursts of events.
		time.Sleep(w.debounce)
		for {
			select {
			case <-w.reloadCh:
				continue
			default:
			}
			break
		}

		w.reload()
	}
}

func (w *BaselineWatcher) reload() {
	base, err := LoadBaseline(w.paths)
	if err != nil {
		w.logger.WithError(err).Warn("Baseline reload failed, keeping previous")
		return
	}

	w.mu.Lock()
	callbacks := append([]BaselineCallback(nil), w.callbacks...)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"neck0":   base.Neck0,
		"torso0":  base.Torso0,
		"samples": base.SampleCount,
	}).Info("Calibration baseline updated")

	for _, cb := range callbacks {
		cb(*base)
	}
}
