package workspace

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher flags tracked units as soon as their files change on disk, ahead
// of the next hash scan. It is an early-warning layer only: dropped events
// are harmless because scanChanges re-fingerprints every tracked unit before
// each unit-bound request anyway.
type watcher struct {
	fs *fsnotify.Watcher
	ws *Workspace

	mu   sync.Mutex
	dirs map[string]bool
}

// startWatcher is best effort: without inotify the workspace still works off
// hash scans alone.
func (w *Workspace) startWatcher() {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("file watcher unavailable, relying on hash scans", "error", err)
		return
	}
	wt := &watcher{fs: fs, ws: w, dirs: make(map[string]bool)}
	w.watcher = wt
	go wt.loop()
}

// track watches the directory containing a unit. fsnotify is not recursive,
// so each unit's parent directory is added as units get registered.
func (wt *watcher) track(dir string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if wt.dirs[dir] {
		return
	}
	if err := wt.fs.Add(dir); err != nil {
		wt.ws.log.Debug("cannot watch directory", "dir", dir, "error", err)
		return
	}
	wt.dirs[dir] = true
}

func (wt *watcher) loop() {
	for {
		select {
		case ev, ok := <-wt.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			wt.ws.fileChanged(ev.Name)
		case err, ok := <-wt.fs.Errors:
			if !ok {
				return
			}
			wt.ws.log.Debug("file watcher error", "error", err)
		}
	}
}

// close tears down the inotify watch; the loop exits when the event channel
// closes.
func (wt *watcher) close() {
	_ = wt.fs.Close()
}

// fileChanged maps an event path back to a tracked unit and, when the
// content fingerprint really moved, marks the unit and its dependents.
func (w *Workspace) fileChanged(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for unit, old := range w.hashes {
		if w.unitPath(unit) != path {
			continue
		}
		cur := w.fileHash(unit)
		if cur != old {
			w.hashes[unit] = cur
			w.markChangedLocked(unit)
		}
		return
	}
}
