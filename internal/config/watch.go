package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands valid configs to
// onChange. Invalid or half-written files are logged and skipped, so the
// last good config stays in effect. Watch returns once the watcher is
// running; it stops when ctx is canceled.
//
// The parent directory is watched rather than the file itself, because
// editors typically replace the file via rename.
func Watch(ctx context.Context, log zerolog.Logger, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()

		var pending *time.Timer
		var pendingC <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(watchDebounce)
					pendingC = pending.C
				} else {
					pending.Reset(watchDebounce)
				}
			case <-pendingC:
				pending = nil
				pendingC = nil
				cfg, err := Load(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("ignoring config change")
					continue
				}
				log.Info().Str("path", path).Msg("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
