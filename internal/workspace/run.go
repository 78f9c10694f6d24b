package workspace

import (
	"context"

	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sessioncache"
	"github.com/leanserve/leanserve/internal/supervisor"
)

// RunOptions steers routing and caching for one request.
type RunOptions struct {
	// Unit binds the request to that unit's supervisor. When empty, routing
	// falls back to the request's unit path, then to the supervisor owning
	// any referenced session, then to the default supervisor.
	Unit string

	// Cache stores the resulting state as a session. The state id in the
	// returned response is replaced by the session handle.
	Cache bool
}

// Result is the outcome of an asynchronous run.
type Result struct {
	Resp repl.Response
	Err  error
}

// Run routes one request to the right supervisor and executes it. Unit-bound
// requests first trigger a project change scan and any pending restart of the
// target, so results never reflect stale file content. Session handles inside
// the request are resolved by the target supervisor's hooks; a negative id
// never reaches a subprocess.
func (w *Workspace) Run(ctx context.Context, req repl.Request, opts RunOptions) (repl.Response, error) {
	target, unit, err := w.route(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	resp, err := target.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !opts.Cache {
		return resp, nil
	}
	if _, isErr := resp.(repl.ErrorResponse); isErr {
		// Nothing to cache; hand the failure back untouched.
		return resp, nil
	}

	h, err := w.cache.Add(ctx, target, req, resp)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.owners[h] = unit
	w.mu.Unlock()

	return repl.WithStateID(resp, int64(h)), nil
}

// RunAsync runs the request on the workspace pool and delivers the outcome on
// the returned channel. The per-supervisor one-outstanding-request contract
// still holds; concurrency buys overlap across supervisors, not within one.
func (w *Workspace) RunAsync(ctx context.Context, req repl.Request, opts RunOptions) <-chan Result {
	ch := make(chan Result, 1)

	// Submission happens under w.mu so it cannot race Close: once closed is
	// set, nothing new reaches the pool that Close is about to drain.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		ch <- Result{Err: ErrClosed}
		return ch
	}
	w.pool.Go(func() {
		resp, err := w.Run(ctx, req, opts)
		ch <- Result{Resp: resp, Err: err}
	})
	return ch
}

// route picks the target supervisor and, for unit-bound requests, settles any
// pending restart first.
func (w *Workspace) route(ctx context.Context, req repl.Request, opts RunOptions) (runner *supervisor.AutoSupervisor, unit string, err error) {
	unit, bound := opts.Unit, opts.Unit != ""
	if !bound {
		if uc, ok := req.(repl.UnitCommand); ok {
			unit, bound = uc.Path, true
		}
	}
	if !bound {
		if h, ok := requestHandle(req); ok {
			w.mu.Lock()
			owner, known := w.owners[h]
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return nil, "", ErrClosed
			}
			if !known {
				return nil, "", &sessioncache.UnknownHandleError{Handle: h}
			}
			unit, bound = owner, owner != ""
		}
	}

	if !bound {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return nil, "", ErrClosed
		}
		return w.def, "", nil
	}

	sup, err := w.unitSupervisor(unit)
	if err != nil {
		return nil, "", err
	}
	w.scanChanges()
	if w.takePending(unit) {
		w.log.Info("restarting unit before use", "unit", unit)
		if err := sup.Restart(ctx); err != nil {
			return nil, "", err
		}
	}
	return sup, unit, nil
}

// requestHandle extracts a session handle referenced by req, if any.
func requestHandle(req repl.Request) (sessioncache.Handle, bool) {
	if env, ok := repl.EnvRef(req); ok && sessioncache.IsHandle(env) {
		return sessioncache.Handle(env), true
	}
	if ps, ok := repl.ProofRef(req); ok && sessioncache.IsHandle(ps) {
		return sessioncache.Handle(ps), true
	}
	return 0, false
}
