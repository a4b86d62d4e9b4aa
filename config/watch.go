package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceDelay coalesces the burst of events one file save produces.
const debounceDelay = 100 * time.Millisecond

// Watcher re-loads a config file when it changes on disk.
type Watcher struct {
	fw     *fsnotify.Watcher
	logger zerolog.Logger
	done   chan struct{}
}

// Watch observes the config file at path and calls onChange with the
// freshly loaded Config after each change. A change that fails to load
// is logged and dropped, leaving the previous configuration in effect.
//
// The watch is placed on the parent directory, not the file: editors and
// config management tools replace files via write-temp-then-rename, which
// drops a watch held on the file itself.
func Watch(path string, logger zerolog.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fw: fw, logger: logger, done: make(chan struct{})}
	go w.loop(abs, onChange)
	return w, nil
}

// Close stops the watch and waits for the watch goroutine to exit, so no
// onChange call is in flight once it returns.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(path string, onChange func(Config)) {
	defer close(w.done)

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounceDelay)
			pending = timer.C

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("config reload failed, keeping previous")
				continue
			}
			w.logger.Info().Str("path", path).Msg("config reloaded")
			onChange(cfg)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
