// Package watcher reports file-system changes under watched directories to
// registered callbacks, one fsnotify watcher per watch id.
package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

type Event struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type Watcher struct {
	log *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	fsw    *fsnotify.Watcher
	ignore []string
	done   chan struct{}
}

func New(log *slog.Logger) *Watcher {
	return &Watcher{log: log, watches: make(map[string]*watch)}
}

// Watch starts watching path and invokes fn for every change until Unwatch is
// called with the returned id. With recursive set, current and newly created
// subdirectories are included.
func (w *Watcher) Watch(path string, recursive bool, ignorePatterns []string, fn func(Event)) (string, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}

	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return "", err
	}
	if recursive {
		_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() || p == path {
				return nil
			}
			if ignored(p, ignorePatterns) {
				return filepath.SkipDir
			}
			if addErr := fsw.Add(p); addErr != nil {
				w.log.Warn("watch add failed", "path", p, "error", addErr)
			}
			return nil
		})
	}

	id := uuid.NewString()
	wt := &watch{fsw: fsw, ignore: ignorePatterns, done: make(chan struct{})}

	w.mu.Lock()
	w.watches[id] = wt
	w.mu.Unlock()

	go w.run(wt, recursive, fn)
	return id, nil
}

func (w *Watcher) run(wt *watch, recursive bool, fn func(Event)) {
	for {
		select {
		case <-wt.done:
			return
		case ev, ok := <-wt.fsw.Events:
			if !ok {
				return
			}
			if ignored(ev.Name, wt.ignore) {
				continue
			}
			if recursive && ev.Op.Has(fsnotify.Create) {
				// New directories must be added to keep the recursive
				// watch complete; Add on a plain file fails harmlessly.
				_ = wt.fsw.Add(ev.Name)
			}
			fn(Event{Path: ev.Name, Kind: kindOf(ev.Op)})
		case err, ok := <-wt.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	wt, ok := w.watches[id]
	delete(w.watches, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	close(wt.done)
	_ = wt.fsw.Close()
}

func (w *Watcher) Close() {
	w.mu.Lock()
	watches := w.watches
	w.watches = make(map[string]*watch)
	w.mu.Unlock()
	for _, wt := range watches {
		close(wt.done)
		_ = wt.fsw.Close()
	}
}

func ignored(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func kindOf(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}
