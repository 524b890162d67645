package lifecycle

import (
	"errors"
	"path/filepath"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/logger"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher restarts the gateway when the config file changes on disk, so
// edits made outside the app (or by another instance) take effect.
type Watcher struct {
	path     string
	ctrl     *Controller
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	alwaysOn bool
}

// WatchConfig watches the directory containing path. Watching the directory
// instead of the file survives the atomic rename the config writer uses.
// With alwaysOn the on-disk enabled flag is ignored and every change becomes
// a restart; headless mode serves regardless of the flag.
func WatchConfig(path string, ctrl *Controller, alwaysOn bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		ctrl:     ctrl,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		alwaysOn: alwaysOn,
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			w.apply()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("[lifecycle] config watch error: %v", err)
		}
	}
}

// apply reloads the config and reconciles the gateway with it.
func (w *Watcher) apply() {
	cfg, err := config.Load(w.path)
	if err != nil {
		logger.Warn("[lifecycle] config reload: %v", err)
	}
	if w.alwaysOn {
		cfg.Enabled = true
	}

	running := w.ctrl.IsRunning()
	switch {
	case cfg.Enabled && running:
		logger.Info("[lifecycle] config changed, restarting gateway")
		if err := w.ctrl.Restart(cfg); err != nil {
			logger.Error("[lifecycle] restart after config change failed: %v", err)
		}
	case cfg.Enabled && !running:
		logger.Info("[lifecycle] config changed, starting gateway")
		if err := w.ctrl.Start(cfg); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logger.Error("[lifecycle] start after config change failed: %v", err)
		}
	case !cfg.Enabled && running:
		logger.Info("[lifecycle] managed mode disabled, stopping gateway")
		if err := w.ctrl.Stop(); err != nil {
			logger.Error("[lifecycle] stop after config change failed: %v", err)
		}
	}
}
