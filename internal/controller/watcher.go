package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
)

// WatcherOption configures a ConfigWatcher.
type WatcherOption func(*ConfigWatcher)

// WithWatchDebounce sets the quiet period after the last file event before the
// declared configuration is re-read.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) { w.debounce = d }
}

// ConfigWatcher watches the declared configuration files and calls onChange
// when their content changes. It watches the parent directories so atomic
// saves and Kubernetes ConfigMap symlink swaps are seen.
type ConfigWatcher struct {
	paths    []string
	debounce time.Duration
	onChange func()
	logger   logr.Logger
	lastHash string
}

var _ manager.Runnable = (*ConfigWatcher)(nil)

// NewConfigWatcher creates a watcher for paths. Empty paths are ignored.
func NewConfigWatcher(paths []string, onChange func(), logger logr.Logger, opts ...WatcherOption) *ConfigWatcher {
	w := &ConfigWatcher{
		debounce: constants.ConfigWatchDebounce,
		onChange: onChange,
		logger:   logger.WithName("config-watcher"),
	}
	for _, path := range paths {
		if path != "" {
			w.paths = append(w.paths, filepath.Clean(path))
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start watches until ctx is cancelled. It implements manager.Runnable.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: create fsnotify: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	watched := map[string]struct{}{}
	for _, path := range w.paths {
		dir := filepath.Dir(path)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("config watcher: watch %s: %w", dir, err)
		}
		watched[dir] = struct{}{}
	}
	w.lastHash = w.hash()
	w.logger.Info("Watching declared configuration", "paths", w.paths)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Any event in a watched directory may be a ConfigMap ..data swap;
			// the content hash filters out unrelated files.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "Config watcher error")

		case <-fire:
			fire = nil
			w.processChange()
		}
	}
}

func (w *ConfigWatcher) processChange() {
	hash := w.hash()
	if hash == w.lastHash {
		w.logger.V(1).Info("Declared configuration unchanged")
		return
	}
	w.lastHash = hash
	w.logger.Info("Declared configuration changed, triggering tick", "hash", hash[:12])
	w.onChange()
}

// hash digests the content of every watched file. Unreadable files contribute
// their path only, so a file appearing or disappearing changes the hash.
func (w *ConfigWatcher) hash() string {
	h := sha256.New()
	for _, path := range w.paths {
		h.Write([]byte(path))
		h.Write([]byte{0})
		if data, err := os.ReadFile(path); err == nil {
			h.Write([]byte{1})
			h.Write(data)
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
