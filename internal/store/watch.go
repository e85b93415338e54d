package store

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFile watches path's parent directory — fsnotify can't watch a
// not-yet-existing file directly, and editors commonly replace rather than
// truncate-write a file — and calls reload, then onChange on success, for
// every write/create event touching path. It returns once the watcher is
// established; the watch loop runs until ctx is canceled. Used to notice
// hand-edits to trusted_keys.json/mcp_settings.json made outside the
// running daemon during development, without requiring a restart.
func WatchFile(ctx context.Context, path string, reload func() error, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := reload(); err == nil {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
