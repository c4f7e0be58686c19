package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/streamgate/internal/logger"
)

// reloadDebounce coalesces the burst of fsnotify events editors produce for
// a single save.
const reloadDebounce = 250 * time.Millisecond

// Watcher hot-reloads the config file and notifies subscribers with the new
// tunable values. Only tunables are applied at runtime; structural fields
// (listen address, db paths) require a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *logger.Logger
	mu       sync.Mutex
	onReload []func(*Config)
	quit     chan struct{}
	once     sync.Once
}

// NewWatcher starts watching the directory containing path. A nil logger
// falls back to the global one.
func NewWatcher(path string, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Global()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		log:     log.WithPrefix("config"),
		quit:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked with each successfully re-parsed
// config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.quit) })
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)

		case <-w.quit:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous values: %v", err)
		return
	}
	w.log.Info("config reloaded from %s", w.path)

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}
