package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"deskcoach/pkg/errors"
	"deskcoach/pkg/storage"
)

// ReloadCallback is invoked with the freshly loaded document after a
// successful reload. Callbacks must not block.
type ReloadCallback func(cfg Config)

// HotReload watches config.json and reloads it on change. Atomic
// writes appear as rename events, so the watcher tracks the directory
// rather than the file inode.
type HotReload struct {
	paths   storage.Paths
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	current   Config
	callbacks []ReloadCallback

	ctx      context.Context
	cancel   context.CancelFunc
	reloadCh chan struct{}
	debounce time.Duration
}

// NewHotReload builds a watcher seeded with the current document.
func NewHotReload(paths storage.Paths, initial Config, logger *logrus.Logger) (*HotReload, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HotReload{
		paths:    paths,
		logger:   logger,
		watcher:  watcher,
		current:  initial,
		ctx:      ctx,
		cancel:   cancel,
		reloadCh: make(chan struct{}, 1),
		debounce: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback for future reloads.
func (h *HotReload) OnReload(cb ReloadCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// Current returns the last successfully loaded document.
func (h *HotReload) Current() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Start begins watching. Stop with Close.
func (h *HotReload) Start() error {
	dir := filepath.Dir(h.paths.Config())
	if err := h.watcher.Add(dir); err != nil {
		return errors.Wrap(err, "watching config directory", map[string]interface{}{
			"dir": dir,
		})
	}

	go h.watchLoop()
	go h.reloadLoop()

	h.logger.WithField("path", h.paths.Config()).Info("Config hot reload active")
	return nil
}

// Close stops the watcher.
func (h *HotReload) Close() error {
	h.cancel()
	return h.watcher.Close()
}

func (h *HotReload) watchLoop() {
	target := filepath.Clean(h.paths.Config())
	for {
		select {
		case <-h.ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
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
			case h.reloadCh <- struct{}{}:
			default:
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (h *HotReload) reloadLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.reloadCh:
		}

		// Let the writer finish; coalesce bursts of events.
		time.Sleep(h.debounce)
		for {
			select {
			case <-h.reloadCh:
				continue
			default:
			}
			break
		}

		h.reload()
	}
}

func (h *HotReload) reload() {
	cfg := Default()
	if err := storage.ReadJSON(h.paths.Config(), &cfg); err != nil {
		h.logger.WithError(err).Warn("Config reload failed, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		h.logger.WithError(err).Warn("Reloaded config invalid, keeping previous")
		return
	}
	applyEnv(&cfg)

	h.mu.Lock()
	h.current = cfg
	callbacks := append([]ReloadCallback(nil), h.callbacks...)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"preset":     cfg.Posture.Preset,
		"target_fps": cfg.Loop.TargetFPS,
	}).Info("Configuration reloaded")

	for _, cb := range callbacks {
		cb(cfg)
	}
}
