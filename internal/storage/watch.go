package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// ErrWatchUnsupported is returned by Watch when the store is not backed by the
// operating system's filesystem.
var ErrWatchUnsupported = errors.New("state watching requires an OS filesystem")

// Watch calls onChange whenever another process rewrites the persisted
// document, e.g. a logout from a second terminal. It blocks until ctx is done.
func (s *AferoStore) Watch(ctx context.Context, onChange func(State)) error {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return ErrWatchUnsupported
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched rather than the file because Save replaces the
	// file by rename.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger := slog.Default().With("component", "storage", "path", s.path)
	logger.Debug("Watching persisted state")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			state, err := s.Load(ctx)
			if err != nil {
				logger.Warn("Failed to reload persisted state", "error", err)
				continue
			}
			onChange(state)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("State watcher error", "error", err)
		}
	}
}
