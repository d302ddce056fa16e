package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher follows out-of-band edits to the config file and refreshes the
// cached snapshot, so CAS tokens handed to clients stay current even when
// the file is edited by hand.
type Watcher struct {
	store    *Store
	log      *slog.Logger
	onChange func(Snapshot)
}

// NewWatcher builds a watcher over store. onChange fires with the fresh
// snapshot after each observed modification; it may be nil.
func NewWatcher(store *Store, log *slog.Logger, onChange func(Snapshot)) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{store: store, log: log, onChange: onChange}
}

// Run watches until ctx is done. Errors setting up the watch are returned;
// errors during watching are logged and the loop continues.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace the file by rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(w.store.Path())
	if err := fw.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(w.store.Path())

	// Debounce bursts from editors that write in several syscalls.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config: watch error", "error", err)
		case <-pending:
			pending = nil
			snap := w.store.Snapshot()
			w.log.Debug("config: file changed on disk", "rawHash", snap.RawHashHex(), "exists", snap.Exists)
			if w.onChange != nil {
				w.onChange(snap)
			}
		}
	}
}
