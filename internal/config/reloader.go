package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"layerlog/pkg/types"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// ReloadFunc receives each validated replacement configuration. A
// running pipeline is never mutated; the callback is expected to build
// a replacement instance and swap it in.
type ReloadFunc func(*types.Config)

// Reloader watches the config file and emits replacement configs. A
// change that fails to load or validate is logged and ignored; the
// previous configuration stays active.
type Reloader struct {
	path     string
	logger   *logrus.Logger
	onReload ReloadFunc

	watcher  *fsnotify.Watcher
	lastHash string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReloader watches path. The watch is on the parent directory so
// atomic-rename editors and configmap updates are seen.
func NewReloader(path string, onReload ReloadFunc, logger *logrus.Logger) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config reloader: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config reloader: watch %s: %w", path, err)
	}

	return &Reloader{
		path:     path,
		logger:   logger,
		onReload: onReload,
		watcher:  watcher,
		lastHash: fileHash(path),
	}, nil
}

// Start launches the watch loop.
func (r *Reloader) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
	r.logger.WithField("path", r.path).Info("Config reloader started")
}

// Stop halts the loop and releases the watcher.
func (r *Reloader) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.watcher.Close()
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.done)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")

		case <-debounceC:
			debounceC = nil
			r.reload()
		}
	}
}

func (r *Reloader) reload() {
	hash := fileHash(r.path)
	if hash == "" || hash == r.lastHash {
		return
	}

	next, err := Load(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Config change rejected, keeping previous configuration")
		return
	}
	r.lastHash = hash

	r.logger.WithField("path", r.path).Info("Configuration reloaded")
	r.onReload(next)
}

func fileHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
