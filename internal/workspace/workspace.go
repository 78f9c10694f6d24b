// Package workspace orchestrates a fleet of supervised REPL subprocesses over
// one Lean project directory.
//
// Each unit (a .lean file) that is elaborated directly gets its own
// supervisor, so stale in-memory state for one file never contaminates
// results for another; everything else runs on a shared default supervisor.
// The workspace watches unit files for content changes, marks the changed
// unit and its transitive dependents for restart, and restarts lazily right
// before the next request that needs them. Session handles minted here route
// back to the supervisor that owns the underlying state.
package workspace

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/leanserve/leanserve/internal/config"
	"github.com/leanserve/leanserve/internal/deps"
	"github.com/leanserve/leanserve/internal/lock"
	"github.com/leanserve/leanserve/internal/logging"
	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sessioncache"
	"github.com/leanserve/leanserve/internal/supervisor"
)

const (
	// lockFile guards the workspace directory against concurrent leanserve
	// processes. Supervised subprocesses mutate shared build state, so two
	// orchestrators over one directory would corrupt each other.
	lockFile = ".leanserve.lock"

	// lockTimeout is deliberately short: a held lock means another live
	// process, and waiting longer will not change that.
	lockTimeout = 100 * time.Millisecond

	// graphArtifact is the pre-built import graph consumed for selective
	// restarts, relative to the workspace root.
	graphArtifact = "import_graph.dot"
)

// ErrBusy is returned by Open when another process holds the workspace.
var ErrBusy = errors.New("workspace: directory is locked by another leanserve process")

// ErrClosed is returned by operations on a closed workspace.
var ErrClosed = errors.New("workspace: closed")

// Workspace owns the supervisors, the session cache, and the change-tracking
// state for one project directory. All methods are safe for concurrent use.
type Workspace struct {
	cfg   *config.Config
	log   *slog.Logger
	lk    *lock.Lock
	cache sessioncache.Cache
	graph *deps.Loader

	pool    *pool.Pool
	watcher *watcher

	mu      sync.Mutex
	closed  bool
	def     *supervisor.AutoSupervisor
	sups    map[string]*supervisor.AutoSupervisor  // unit -> supervisor
	hashes  map[string]string                      // unit -> content fingerprint
	pending map[string]bool                        // unit -> restart before next use
	owners  map[sessioncache.Handle]string         // handle -> owning unit ("" = default)
}

// Open locks the project directory and builds an idle workspace: no
// subprocess is spawned until the first request needs one.
func Open(cfg *config.Config, log *slog.Logger) (*Workspace, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("workspace: no working directory configured")
	}
	if log == nil {
		log = logging.Discard()
	}

	lk := lock.New(filepath.Join(cfg.WorkDir, lockFile))
	if err := lk.Acquire(lockTimeout); err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, cfg.WorkDir)
		}
		return nil, err
	}

	cfg.ResolveToolchain()

	var cache sessioncache.Cache
	if cfg.CacheStrategy == "replay" {
		cache = sessioncache.NewReplayCache()
	} else {
		cache = sessioncache.NewPickleCache(cfg.WorkDir)
	}

	w := &Workspace{
		cfg:     cfg,
		log:     log.With("workdir", cfg.WorkDir),
		lk:      lk,
		cache:   cache,
		graph:   deps.NewLoader(filepath.Join(cfg.WorkDir, graphArtifact)),
		pool:    pool.New(),
		sups:    make(map[string]*supervisor.AutoSupervisor),
		hashes:  make(map[string]string),
		pending: make(map[string]bool),
		owners:  make(map[sessioncache.Handle]string),
	}
	w.def = w.newSupervisor("")
	w.startWatcher()

	w.log.Info("workspace opened",
		"toolchain", cfg.ToolchainVersion,
		"cache_strategy", cfg.CacheStrategy)
	return w, nil
}

// newSupervisor builds the supervisor for one unit ("" for the default) and
// wires the session cache into its restart and resolve hooks.
func (w *Workspace) newSupervisor(unit string) *supervisor.AutoSupervisor {
	slot := unit
	if slot == "" {
		slot = "default"
	}
	sup := supervisor.NewAuto(supervisor.AutoConfig{
		Config: supervisor.Config{
			Path:              w.cfg.ReplPath,
			Args:              w.cfg.ReplArgs,
			Dir:               w.cfg.WorkDir,
			StartupTimeout:    w.cfg.StartupTimeout.Duration,
			SendTimeout:       w.cfg.SendTimeout.Duration,
			MemoryHardLimitMB: w.cfg.MemoryHardLimitMB,
			Logger:            w.log.With("unit", slot),
		},
		MaxTotalMemory:     w.cfg.MaxTotalMemory,
		MaxProcessMemory:   w.cfg.MaxProcessMemory,
		MaxRestartAttempts: w.cfg.MaxRestartAttempts,
	})

	// Resolution and restoration both run while the supervisor's call slot
	// is held, so they send through Direct.
	direct := sup.Direct()
	sup.SetResolveHook(func(ctx context.Context, req repl.Request) (repl.Request, error) {
		return sessioncache.ResolveRequest(ctx, w.cache, direct, req)
	})
	sup.SetRestartHook(func(ctx context.Context) error {
		w.cache.Invalidate(sup.ID())
		if !w.cfg.EagerRematerialize {
			return nil
		}
		for _, h := range w.ownedBy(unit) {
			if _, err := w.cache.Resolve(ctx, h, direct); err != nil {
				w.log.Warn("session did not re-materialize after restart",
					"handle", int64(h), "error", err)
			}
		}
		return nil
	})
	return sup
}

// unitSupervisor returns (creating if needed) the supervisor bound to unit
// and registers the unit for change tracking.
func (w *Workspace) unitSupervisor(unit string) (*supervisor.AutoSupervisor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if sup, ok := w.sups[unit]; ok {
		return sup, nil
	}

	sup := w.newSupervisor(unit)
	w.sups[unit] = sup
	w.hashes[unit] = w.fileHash(unit)
	if w.watcher != nil {
		w.watcher.track(filepath.Dir(w.unitPath(unit)))
	}
	w.log.Debug("tracking unit", "unit", unit)
	return sup, nil
}

func (w *Workspace) unitPath(unit string) string {
	return filepath.Join(w.cfg.WorkDir, filepath.FromSlash(unit))
}

// fileHash fingerprints a unit's content. A missing file hashes to "".
func (w *Workspace) fileHash(unit string) string {
	data, err := os.ReadFile(w.unitPath(unit))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// scanChanges re-fingerprints every tracked unit and marks changed units and
// their dependents for restart. Called before any unit-bound request runs.
func (w *Workspace) scanChanges() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for unit, old := range w.hashes {
		cur := w.fileHash(unit)
		if cur != old {
			w.hashes[unit] = cur
			w.markChangedLocked(unit)
		}
	}
}

// markChangedLocked flags the changed unit and every tracked unit that
// (transitively) imports it. Without a usable graph the policy degrades to
// marking everything: correctness over precision.
func (w *Workspace) markChangedLocked(changed string) {
	w.pending[changed] = true

	g := w.markingGraph()
	if g == nil {
		for unit := range w.hashes {
			w.pending[unit] = true
		}
		w.log.Info("unit changed, restarting all tracked units", "unit", changed)
		return
	}
	for unit := range w.hashes {
		if unit == changed {
			continue
		}
		if g.DependencyUnits(unit)[changed] {
			w.pending[unit] = true
		}
	}
	w.log.Info("unit changed, dependents marked for restart", "unit", changed)
}

// markingGraph returns the dependency graph when selective restarts are both
// enabled and possible, nil otherwise.
func (w *Workspace) markingGraph() *deps.Graph {
	if !w.cfg.TrackDependencies {
		return nil
	}
	g, err := w.graph.Graph()
	if err != nil {
		if !errors.Is(err, deps.ErrNoGraph) {
			w.log.Warn("dependency graph unavailable", "error", err)
		}
		return nil
	}
	return g
}

// takePending consumes the restart flag for unit.
func (w *Workspace) takePending(unit string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.pending[unit] {
		return false
	}
	delete(w.pending, unit)
	return true
}

// ownedBy lists the session handles owned by unit, oldest first.
func (w *Workspace) ownedBy(unit string) []sessioncache.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []sessioncache.Handle
	for _, h := range w.cache.Handles() {
		if w.owners[h] == unit {
			out = append(out, h)
		}
	}
	return out
}

// Restart restarts the named units' supervisors, or every supervisor
// (including the default one) when none are named. Restarts run in parallel;
// each one invalidates that supervisor's cached session ids.
func (w *Workspace) Restart(ctx context.Context, units ...string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	var targets []*supervisor.AutoSupervisor
	if len(units) == 0 {
		targets = append(targets, w.def)
		for unit, sup := range w.sups {
			targets = append(targets, sup)
			delete(w.pending, unit)
		}
	} else {
		for _, unit := range units {
			sup, ok := w.sups[unit]
			if !ok {
				w.mu.Unlock()
				return fmt.Errorf("workspace: unit %s is not tracked", unit)
			}
			targets = append(targets, sup)
			delete(w.pending, unit)
		}
	}
	w.mu.Unlock()

	errs := make([]error, len(targets))
	var wg conc.WaitGroup
	for i, sup := range targets {
		wg.Go(func() {
			errs[i] = sup.Restart(ctx)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Dependencies returns the unit paths the given unit transitively depends
// on, sorted. Without a graph artifact the answer is empty.
func (w *Workspace) Dependencies(unit string) ([]string, error) {
	g, err := w.graph.Graph()
	if err != nil {
		if errors.Is(err, deps.ErrNoGraph) {
			return nil, nil
		}
		return nil, err
	}
	set := g.DependencyUnits(unit)
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// InvalidateDependencyCache forces the next dependency query or change scan
// to re-read the graph artifact.
func (w *Workspace) InvalidateDependencyCache() {
	w.graph.Invalidate()
}

// RemoveSession drops one cached session and its routing entry.
func (w *Workspace) RemoveSession(h sessioncache.Handle) error {
	if err := w.cache.Remove(h); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.owners, h)
	w.mu.Unlock()
	return nil
}

// ClearSessions drops every cached session.
func (w *Workspace) ClearSessions() error {
	err := w.cache.Clear()
	w.mu.Lock()
	w.owners = make(map[sessioncache.Handle]string)
	w.mu.Unlock()
	return err
}

// Close waits for in-flight async work, kills every supervisor, and releases
// the workspace lock. Idempotent.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	sups := []*supervisor.AutoSupervisor{w.def}
	for _, sup := range w.sups {
		sups = append(sups, sup)
	}
	w.mu.Unlock()

	if w.watcher != nil {
		w.watcher.close()
	}
	w.pool.Wait()
	for _, sup := range sups {
		sup.Kill()
	}

	w.log.Info("workspace closed")
	return w.lk.Release()
}
