package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 200 * time.Millisecond

// Watch re-loads the config whenever the file changes and hands each valid
// result to apply. A config that fails to parse or validate is logged and
// skipped; the running config stays in effect. Returns once the watcher is
// installed; watching stops when ctx is cancelled.
//
// The parent directory is watched rather than the file itself: most editors
// save by writing a temp file and renaming it over the original, which
// replaces the inode a file-level watch is bound to.
func Watch(ctx context.Context, path string, apply func(*Config), log zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log = log.With().Str("component", "config_watcher").Str("path", abs).Logger()

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != abs || !event.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(abs)
					if err != nil {
						log.Warn().Err(err).Msg("Ignoring config change that fails validation")
						return
					}
					log.Info().Msg("Config file changed, applying")
					apply(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
