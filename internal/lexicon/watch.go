package lexicon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever a schema file in its directory changes.
// It blocks until ctx is done. Reload errors are logged and the previous
// schemas stay active.
func (r *Registry) Watch(ctx context.Context) error {
	return r.watch(ctx, defaultReloadDebounce, nil)
}

func (r *Registry) watch(ctx context.Context, debounce time.Duration, reloaded func(error)) error {
	if r.dir == "" {
		return fmt.Errorf("lexicon registry has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create lexicon watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	timer := time.NewTimer(debounce)
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
			if !strings.EqualFold(filepath.Ext(event.Name), ".json") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "lexicon watcher error", "dir", r.dir, "error", err)
		case <-timer.C:
			err := r.Reload()
			if err != nil {
				slog.ErrorContext(ctx, "lexicon reload failed", "dir", r.dir, "error", err)
			} else {
				slog.InfoContext(ctx, "lexicons reloaded", "dir", r.dir, "collections", len(r.Collections()))
			}
			if reloaded != nil {
				reloaded(err)
			}
		}
	}
}
