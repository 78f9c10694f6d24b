package sessioncache

import (
	"context"
	"fmt"

	"github.com/leanserve/leanserve/internal/repl"
)

// ReplayCache materializes sessions by re-running the request that created
// them. The stored request may itself reference other handles (a command built
// on a cached environment), so materialization resolves recursively until it
// bottoms out in requests with no session references.
type ReplayCache struct {
	table
}

// NewReplayCache returns an empty replay-strategy cache.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{table: newTable()}
}

// Add implements Cache. The creating request is cloned, so later mutation by
// the caller cannot corrupt replay.
func (c *ReplayCache) Add(_ context.Context, r Runner, req repl.Request, resp repl.Response) (Handle, error) {
	id, kind, err := stateID(resp)
	if err != nil {
		return 0, err
	}
	return c.insert(kind, req.Clone(), "", r.ID(), id), nil
}

// Resolve implements Cache.
func (c *ReplayCache) Resolve(ctx context.Context, h Handle, r Runner) (int64, error) {
	return c.resolve(ctx, h, r, func(ctx context.Context, e *entry) (int64, error) {
		return c.replay(ctx, e, r)
	})
}

func (c *ReplayCache) replay(ctx context.Context, e *entry, r Runner) (int64, error) {
	// Nested handles first: a replayed request must reach the subprocess
	// with local ids only.
	req, err := ResolveRequest(ctx, c, r, e.req.Clone())
	if err != nil {
		return 0, fmt.Errorf("replaying session %d: %w", e.handle, err)
	}

	resp, err := r.Send(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("replaying session %d: %w", e.handle, err)
	}
	if errResp, ok := resp.(repl.ErrorResponse); ok {
		return 0, &ReplayFailureError{Handle: e.handle, Message: errResp.Message}
	}

	id, kind, err := stateID(resp)
	if err != nil {
		return 0, &ReplayFailureError{Handle: e.handle, Message: fmt.Sprintf("replay produced %T", resp)}
	}
	if kind != e.kind {
		return 0, &ReplayFailureError{Handle: e.handle, Message: fmt.Sprintf("replay produced a %s, expected a %s", kind, e.kind)}
	}
	return id, nil
}

// KindOf implements Cache.
func (c *ReplayCache) KindOf(h Handle) (Kind, bool) { return c.kindOf(h) }

// Invalidate implements Cache.
func (c *ReplayCache) Invalidate(runnerID string) { c.invalidate(runnerID) }

// Remove implements Cache.
func (c *ReplayCache) Remove(h Handle) error {
	if _, ok := c.remove(h); !ok {
		return &UnknownHandleError{Handle: h}
	}
	return nil
}

// Clear implements Cache.
func (c *ReplayCache) Clear() error {
	c.clear()
	return nil
}

// Handles implements Cache.
func (c *ReplayCache) Handles() []Handle { return c.handles() }
