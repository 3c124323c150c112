package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events an editor produces on save.
const DefaultDebounce = 300 * time.Millisecond

// SpecWatcher calls a function whenever a spec file changes.
type SpecWatcher struct {
	path     string
	debounce time.Duration
}

// NewSpecWatcher creates a watcher for the spec file at path.
func NewSpecWatcher(path string, debounce time.Duration) *SpecWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &SpecWatcher{path: path, debounce: debounce}
}

// Watch blocks until ctx is done, calling onChange once per burst of writes
// to the file. The parent directory is watched so that editors which
// replace the file by rename are followed. onChange runs on the watch
// goroutine; a slow callback delays later notifications.
func (w *SpecWatcher) Watch(ctx context.Context, onChange func(context.Context)) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info().Str("path", abs).Msg("watching spec file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("spec file event")
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("spec watcher error")

		case <-timer.C:
			onChange(ctx)
		}
	}
}
