package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Debounce successive fs events: editors write config files in several
// operations (truncate, write, chmod, rename).
const reloadSettle = 300 * time.Millisecond

// Watch reloads the tunable config sections whenever the file changes and
// calls onReload (may be nil) after each successful apply. It watches the
// parent directory so atomic-rename saves are caught, and blocks until ctx
// is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var settle *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(reloadSettle, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			next, err := Reload(path)
			if err != nil {
				slog.Warn("config.reload_failed", "path", path, "error", err)
				continue
			}
			cfg.ApplyTunables(next)
			slog.Info("config.reloaded",
				"debounce_window_ms", next.Debounce.WindowMS,
				"confidence_threshold", next.Confidence.Threshold,
				"sweep_schedule", next.Sweep.Schedule)
			if onReload != nil {
				onReload(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}
