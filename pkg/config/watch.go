package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/rchd/pkg/log"
)

// Watcher reloads the configuration file on change and hands each valid
// reload to a callback. Invalid intermediate states (editors writing in
// two steps, truncated files) are logged and skipped; the previous
// configuration stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	stopCh  chan struct{}
}

// NewWatcher watches path, invoking onLoad with each successfully loaded
// configuration.
func NewWatcher(path string, onLoad func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace the file by
	// rename, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fsw, onLoad: onLoad, stopCh: make(chan struct{})}, nil
}

// Start begins the watch loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("config")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload skipped")
				continue
			}
			logger.Info().Str("path", w.path).Msg("config reloaded")
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watch error")
		case <-w.stopCh:
			return
		}
	}
}
