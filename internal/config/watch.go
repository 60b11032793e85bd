package config

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events most editors/tools generate
// for a single logical save (temp-file write + rename into place) into one
// reload.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a config file on change and hands the new value to a
// callback. It watches the file's parent directory rather than the file
// itself: editors commonly replace a config file by writing a temp file
// and renaming over the original, which drops the original inode from an
// fsnotify watch on the file path directly.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher starts watching path's parent directory. Call Watch to begin
// delivering reloads; call Close when done.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw}, nil
}

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Watch blocks, calling onReload with a freshly loaded Config every time
// the watched file changes, until stop is closed. A reload that fails to
// parse is logged and skipped — the caller keeps running on its last-known-
// good config rather than crashing on a transient/partial write.
func (w *Watcher) Watch(stop <-chan struct{}, onReload func(*Config)) {
	base := filepath.Base(w.path)
	var pending *time.Timer

	fire := func() {
		cfg, err := Load(w.path)
		if err != nil {
			slog.Warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
			return
		}
		onReload(cfg)
	}

	for {
		select {
		case <-stop:
			if pending != nil {
				pending.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, fire)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}
}
