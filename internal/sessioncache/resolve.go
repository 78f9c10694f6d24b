package sessioncache

import (
	"context"
	"errors"
	"fmt"

	"github.com/leanserve/leanserve/internal/repl"
)

// ResolveRequest rewrites every session handle in req to a subprocess-local
// id valid on r, materializing sessions as needed. Requests without session
// references pass through untouched. The returned request never carries a
// negative id.
func ResolveRequest(ctx context.Context, c Cache, r Runner, req repl.Request) (repl.Request, error) {
	if env, ok := repl.EnvRef(req); ok && IsHandle(env) {
		h := Handle(env)
		if kind, ok := c.KindOf(h); ok && kind != KindEnv {
			return nil, fmt.Errorf("sessioncache: session %d is a %s, used where an environment is required", env, kind)
		}
		id, err := c.Resolve(ctx, h, r)
		if err != nil {
			return nil, err
		}
		req = repl.WithEnv(req, id)
	}
	if ps, ok := repl.ProofRef(req); ok && IsHandle(ps) {
		h := Handle(ps)
		if kind, ok := c.KindOf(h); ok && kind != KindProof {
			return nil, fmt.Errorf("sessioncache: session %d is an %s, used where a proof state is required", ps, kind)
		}
		id, err := c.Resolve(ctx, h, r)
		if err != nil {
			return nil, err
		}
		req = repl.WithProof(req, id)
	}
	return req, nil
}

// MaterializeAll eagerly materializes every cached session on r, oldest
// first so nested references are usually already resolved when their
// dependents replay. Per-session failures are collected rather than aborting
// the sweep; sessions that fail stay cached and may still resolve lazily.
func MaterializeAll(ctx context.Context, c Cache, r Runner) error {
	var errs []error
	for _, h := range c.Handles() {
		if _, err := c.Resolve(ctx, h, r); err != nil {
			// Removed concurrently between Handles and Resolve.
			var unknown *UnknownHandleError
			if errors.As(err, &unknown) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
