// Package lock provides cross-process advisory file locks with bounded
// acquisition timeouts.
//
// These are real OS-level locks (flock), not in-process mutexes: they guard
// resources shared between separate processes, such as the workspace
// directory, pickled session artifacts, and the dependency graph cache.
// Uses gofrs/flock for cross-platform compatibility (Unix + Windows).
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned when a lock cannot be acquired within the budget.
var ErrTimeout = errors.New("lock acquisition timed out")

// retryDelay is the polling interval for contended locks.
const retryDelay = 50 * time.Millisecond

// Lock is a cross-process advisory lock backed by a lock file.
type Lock struct {
	fl *flock.Flock
}

// New creates a lock on the given path. The lock file is created on first
// acquisition; parent directories must exist.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// Acquire takes the lock exclusively, polling until it is held or the
// timeout elapses. A zero timeout means a single non-blocking attempt.
func (l *Lock) Acquire(timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	if timeout <= 0 {
		locked, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", l.fl.Path(), err)
		}
		if !locked {
			return fmt.Errorf("lock %s: %w", l.fl.Path(), ErrTimeout)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("lock %s after %v: %w", l.fl.Path(), timeout, ErrTimeout)
		}
		return fmt.Errorf("acquiring lock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: %w", l.fl.Path(), ErrTimeout)
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// With runs fn while holding the lock at path, releasing it afterwards.
func With(path string, timeout time.Duration, fn func() error) error {
	l := New(path)
	if err := l.Acquire(timeout); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
