package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a torrc file's hot-reloadable directives into a Live
// view whenever the file changes on disk, grounded on go-coffee's
// fsnotify.Watcher usage for config hot reload.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	live *Live
	log  *zap.SugaredLogger
	done chan struct{}
}

// NewWatcher starts watching path, applying its directives into live on
// every write. The initial contents of live are assumed to already be
// loaded by the caller via Parse + NewLive.
func NewWatcher(path string, live *Live, log *zap.SugaredLogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, fsw: fsw, live: live, log: log, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Parse(w.path)
			if err != nil {
				w.log.Warnw("config reload failed, keeping previous live values", "path", w.path, "error", err)
				continue
			}
			w.live.Store(cfg)
			w.log.Infow("config reloaded",
				"rate_msats", cfg.PaymentRateMsats,
				"circuit_max_fee", cfg.PaymentCircuitMaxFee,
				"interval_secs", cfg.PaymentIntervalSecs)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnw("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
