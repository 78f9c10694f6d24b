package sessioncache

import (
	"errors"
	"fmt"

	"github.com/leanserve/leanserve/internal/repl"
)

// ErrMaterializeInFlight is returned when a handle is already being
// materialized on the same supervisor by another caller. Retrying after the
// first materialization settles will hit the cache.
var ErrMaterializeInFlight = errors.New("sessioncache: session is already being materialized on this supervisor")

// UnsupportedResponseError is returned by Add when the response variant
// carries no state id and therefore cannot back a session.
type UnsupportedResponseError struct {
	Response repl.Response
}

func (e *UnsupportedResponseError) Error() string {
	return fmt.Sprintf("sessioncache: %T carries no cacheable state id", e.Response)
}

// UnknownHandleError is returned when a handle was never issued by this cache
// or has been removed.
type UnknownHandleError struct {
	Handle Handle
}

func (e *UnknownHandleError) Error() string {
	return fmt.Sprintf("sessioncache: unknown session handle %d", e.Handle)
}

// ReplayFailureError is returned when materializing a session fails at the
// REPL level: the subprocess answered, but with an error instead of the
// expected state. The session stays cached; a later attempt may succeed on a
// subprocess with different state.
type ReplayFailureError struct {
	Handle  Handle
	Message string
}

func (e *ReplayFailureError) Error() string {
	return fmt.Sprintf("sessioncache: materializing session %d failed: %s", e.Handle, e.Message)
}
