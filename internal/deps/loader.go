package deps

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/leanserve/leanserve/internal/lock"
)

// ErrNoGraph is returned when the graph artifact does not exist. Callers are
// expected to degrade to a conservative restart-everything policy.
var ErrNoGraph = errors.New("dependency graph artifact not found")

// loadLockTimeout bounds the cross-process lock around graph loading so two
// processes do not re-read a half-written artifact simultaneously.
const loadLockTimeout = 60 * time.Second

// Loader caches a parsed Graph and reloads it when the artifact's
// modification time advances.
type Loader struct {
	path     string
	lockPath string

	mu    sync.Mutex
	graph *Graph
	mtime time.Time
}

// NewLoader creates a loader for the artifact at path. The sibling lock file
// guards loading across processes.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Graph returns the current graph, reloading the artifact if it changed on
// disk since the last load. Returns ErrNoGraph when the artifact is absent.
func (l *Loader) Graph() (*Graph, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", l.path, ErrNoGraph)
		}
		return nil, fmt.Errorf("checking graph %s: %w", l.path, err)
	}

	if l.graph != nil && !info.ModTime().After(l.mtime) {
		return l.graph, nil
	}

	var g *Graph
	err = lock.With(l.lockPath, loadLockTimeout, func() error {
		var loadErr error
		g, loadErr = LoadDOT(l.path)
		return loadErr
	})
	if err != nil {
		return nil, err
	}

	l.graph = g
	l.mtime = info.ModTime()
	return g, nil
}

// Invalidate drops the cached graph, forcing a reload on next use.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.graph = nil
	l.mtime = time.Time{}
}
