package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// WatchConfig reloads the project config whenever the file changes until ctx
// ends. onChange, if set, receives the new config after each successful
// reload. Sessions already running keep the settings they started with.
func WatchConfig(ctx context.Context, onChange func(Config)) error {
	path := ConfigPath(GetProjectDir())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory: editors replace files via rename, which drops a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				if err := ReloadConfig(); err != nil {
					getLogger().Warn("⚠️  Config reload failed, keeping previous settings: %v", err)
					continue
				}
				getLogger().Info("🔄 Config reloaded from %s", path)
				if onChange != nil {
					if cfg, err := GetConfig(); err == nil {
						onChange(cfg)
					}
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				getLogger().Warn("Config watcher error: %v", err)
			}
		}
	}()

	return nil
}
