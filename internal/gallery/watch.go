package gallery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads h whenever the file at path is written, created, or renamed into place.
// Bursts of events within debounce collapse into one reload. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file itself, because WriteFile
// replaces the file by rename and a watch on the old inode would go silent.
func Watch(ctx context.Context, h *Holder, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve gallery path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	logger := h.logger.With("path", abs)
	logger.Info("watching gallery file")

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(event, abs) {
				continue
			}
			if !pending {
				timer.Reset(debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("gallery watch error", "error", err)
		case <-timer.C:
			pending = false
			if _, err := h.Reload(ctx); err != nil {
				continue // Reload already logged; the previous gallery stays active
			}
		}
	}
}

func relevantEvent(event fsnotify.Event, path string) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
