package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded config and its diff against the
// previous one. It is only called when the diff has reloadable changes.
type ReloadFunc func(cfg *Config, diff ConfigDiff)

// Watch reloads the config file whenever it changes on disk until ctx is
// done. Editors often replace files instead of writing them, so the parent
// directory is watched and events are filtered by name. Bursts of events are
// coalesced over debounce.
func Watch(ctx context.Context, current *Config, debounce time.Duration, onReload ReloadFunc) error {
	path, err := filepath.Abs(Path())
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				slog.Debug("config file event", "op", event.Op, "file", event.Name)
				pending = time.After(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		case <-pending:
			pending = nil
			next, err := Load()
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			diff := Diff(current, next)
			for _, field := range diff.NonReloadable {
				slog.Warn("config change requires restart", "field", field)
			}
			current = next
			if diff.HasChanges() {
				slog.Info("config reloaded", "tools_added", len(diff.ToolsAdded), "tools_removed", len(diff.ToolsRemoved), "tools_changed", len(diff.ToolsChanged))
				onReload(next, diff)
			}
		}
	}
}
