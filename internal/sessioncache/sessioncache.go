// Package sessioncache keeps proof-assistant state alive across subprocess
// restarts. Environments and proof states returned by the REPL are only valid
// inside one subprocess epoch; the cache wraps them in durable session handles
// and re-creates the underlying state on whatever subprocess a handle is next
// used against.
//
// Two strategies are provided. ReplayCache remembers the request that created
// the state and re-runs it. PickleCache asks the REPL to serialize the state
// to an artifact on disk and reloads from there, which survives process
// restarts of leanserve itself and is typically much faster for large
// environments.
package sessioncache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/leanserve/leanserve/internal/repl"
)

// Handle identifies a cached session. Handles are negative and allocated from
// a single process-wide counter, so they can never collide with the
// non-negative ids a subprocess hands out, and every handle in the process is
// distinct regardless of which cache minted it.
type Handle int64

// IsHandle reports whether a wire-protocol id is a session handle rather than
// a subprocess-local id.
func IsHandle(id int64) bool { return id < 0 }

var handleCounter atomic.Int64

func nextHandle() Handle {
	return Handle(handleCounter.Add(-1))
}

// Kind says what a handle stands for.
type Kind int

const (
	// KindEnv is a Lean environment.
	KindEnv Kind = iota
	// KindProof is an open proof state.
	KindProof
)

func (k Kind) String() string {
	if k == KindProof {
		return "proof state"
	}
	return "environment"
}

// Runner is the sending side a cache materializes against. A supervisor's
// identity is stable across restarts of its subprocess; local ids cached under
// it are invalidated explicitly via Invalidate, not by identity churn.
type Runner interface {
	ID() string
	Send(ctx context.Context, req repl.Request) (repl.Response, error)
}

// Cache stores sessions and resolves handles to subprocess-local ids.
type Cache interface {
	// Add caches the state created by req/resp on r and returns its handle.
	// Fails with UnsupportedResponseError when resp carries no state id. The
	// pickle strategy performs a serialize round trip here.
	Add(ctx context.Context, r Runner, req repl.Request, resp repl.Response) (Handle, error)

	// Resolve returns the subprocess-local id for h on r, materializing the
	// state on r's subprocess if it is not already there. Materialization
	// happens at most once per (handle, runner); a concurrent attempt on the
	// same pair fails with ErrMaterializeInFlight.
	Resolve(ctx context.Context, h Handle, r Runner) (int64, error)

	// KindOf reports what h stands for.
	KindOf(h Handle) (Kind, bool)

	// Invalidate forgets every local id cached for the runner with the given
	// identity. The sessions themselves survive and re-materialize on demand.
	Invalidate(runnerID string)

	// Remove drops one session and any backing artifact.
	Remove(h Handle) error

	// Clear drops every session.
	Clear() error

	// Handles lists the live handles, most recent last.
	Handles() []Handle
}

// entry is one cached session. kind, req, and artifact are immutable after
// insertion; local and inflight are guarded by the owning table's mutex.
type entry struct {
	handle   Handle
	kind     Kind
	req      repl.Request // creating request (replay strategy)
	artifact string       // serialized state path (pickle strategy)

	local    map[string]int64 // runner identity -> subprocess-local id
	inflight map[string]struct{}
}

// table is the handle bookkeeping shared by both cache strategies.
type table struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	order   []Handle
}

func newTable() table {
	return table{entries: make(map[Handle]*entry)}
}

func (t *table) insert(kind Kind, req repl.Request, artifact string, runnerID string, localID int64) Handle {
	h := nextHandle()
	e := &entry{
		handle:   h,
		kind:     kind,
		req:      req,
		artifact: artifact,
		local:    map[string]int64{runnerID: localID},
		inflight: make(map[string]struct{}),
	}
	t.mu.Lock()
	t.entries[h] = e
	t.order = append(t.order, h)
	t.mu.Unlock()
	return h
}

func (t *table) kindOf(h Handle) (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// begin claims the right to materialize h on runnerID. It returns the cached
// local id when one exists, or the entry with the inflight mark set.
func (t *table) begin(h Handle, runnerID string) (e *entry, id int64, cached bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, 0, false, &UnknownHandleError{Handle: h}
	}
	if id, ok := e.local[runnerID]; ok {
		return e, id, true, nil
	}
	if _, busy := e.inflight[runnerID]; busy {
		return nil, 0, false, ErrMaterializeInFlight
	}
	e.inflight[runnerID] = struct{}{}
	return e, 0, false, nil
}

// finish releases the inflight mark and records the local id on success.
func (t *table) finish(e *entry, runnerID string, id int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(e.inflight, runnerID)
	if ok {
		e.local[runnerID] = id
	}
}

// resolve runs the shared cache-hit / single-materialization protocol, calling
// materialize for the strategy-specific part.
func (t *table) resolve(ctx context.Context, h Handle, r Runner, materialize func(context.Context, *entry) (int64, error)) (int64, error) {
	e, id, cached, err := t.begin(h, r.ID())
	if err != nil {
		return 0, err
	}
	if cached {
		return id, nil
	}
	id, err = materialize(ctx, e)
	t.finish(e, r.ID(), id, err == nil)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (t *table) invalidate(runnerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		delete(e.local, runnerID)
	}
}

// remove drops h and returns its entry for artifact cleanup.
func (t *table) remove(h Handle) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, false
	}
	delete(t.entries, h)
	for i, o := range t.order {
		if o == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return e, true
}

// clear drops everything and returns the removed entries.
func (t *table) clear() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := make([]*entry, 0, len(t.entries))
	for _, h := range t.order {
		removed = append(removed, t.entries[h])
	}
	t.entries = make(map[Handle]*entry)
	t.order = nil
	return removed
}

func (t *table) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, len(t.order))
	copy(out, t.order)
	return out
}

// stateID extracts the cacheable id from resp, or fails with
// UnsupportedResponseError.
func stateID(resp repl.Response) (int64, Kind, error) {
	id, proof, ok := repl.StateID(resp)
	if !ok {
		return 0, 0, &UnsupportedResponseError{Response: resp}
	}
	if proof {
		return id, KindProof, nil
	}
	return id, KindEnv, nil
}
