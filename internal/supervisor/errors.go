package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrDead is returned when an operation is attempted on a Supervisor whose
// subprocess is confirmed gone and is not being restarted. It is a distinct,
// non-retriable condition: the caller must Restart (or build a new
// Supervisor) before sending again.
var ErrDead = errors.New("supervisor: subprocess is not running")

// TimeoutError is returned when the subprocess does not produce a complete
// response within the budget. The in-flight request is abandoned and the
// subprocess killed, since its state is no longer known; the Supervisor
// itself can be restarted.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("supervisor: no response within %v, subprocess killed", e.Budget)
}

// CrashError is returned when the subprocess exits or the pipe breaks while
// a request is in flight. The automatic supervisor restarts once on this
// condition before surfacing it.
type CrashError struct {
	// Err is the underlying pipe or wait error, if any.
	Err error
}

func (e *CrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("supervisor: subprocess crashed: %v", e.Err)
	}
	return "supervisor: subprocess crashed"
}

func (e *CrashError) Unwrap() error { return e.Err }

// MemoryExceededError is returned when the memory policy has killed and
// restarted the subprocess the maximum number of times without relief. The
// Supervisor is Dead afterwards.
type MemoryExceededError struct {
	Attempts int
}

func (e *MemoryExceededError) Error() string {
	return fmt.Sprintf("supervisor: memory pressure persisted through %d restart attempts", e.Attempts)
}
