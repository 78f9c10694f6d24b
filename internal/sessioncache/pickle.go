package sessioncache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/leanserve/leanserve/internal/lock"
	"github.com/leanserve/leanserve/internal/repl"
)

// artifactDir is where pickled state lands, relative to the working dir.
const artifactDir = "session_cache"

// artifactLockTimeout bounds how long a pickle or unpickle waits for another
// process touching the same artifact.
const artifactLockTimeout = 60 * time.Second

// PickleCache materializes sessions from serialized state artifacts. Add asks
// the subprocess to pickle the fresh state to disk; Resolve on a new
// subprocess unpickles it back. Artifacts are plain files, so sessions pickled
// by one leanserve process can outlive it.
//
// Each artifact is guarded by a sibling .lock file taken with a bounded flock,
// since several leanserve processes may share a working directory.
type PickleCache struct {
	table
	dir string
}

// NewPickleCache returns a pickle-strategy cache storing artifacts under
// workDir/session_cache.
func NewPickleCache(workDir string) *PickleCache {
	return &PickleCache{
		table: newTable(),
		dir:   filepath.Join(workDir, artifactDir),
	}
}

// Add implements Cache. It blocks on the round trip that writes the artifact.
func (c *PickleCache) Add(ctx context.Context, r Runner, req repl.Request, resp repl.Response) (Handle, error) {
	id, kind, err := stateID(resp)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating session cache dir: %w", err)
	}
	path, err := c.artifactPath(req)
	if err != nil {
		return 0, err
	}

	var pickle repl.Request
	if kind == KindProof {
		pickle = repl.SerializeProof{ProofState: id, To: path}
	} else {
		pickle = repl.SerializeEnv{Env: id, To: path}
	}

	err = lock.With(path+".lock", artifactLockTimeout, func() error {
		pResp, err := r.Send(ctx, pickle)
		if err != nil {
			return fmt.Errorf("pickling %s: %w", kind, err)
		}
		if errResp, ok := pResp.(repl.ErrorResponse); ok {
			return fmt.Errorf("pickling %s: %s", kind, errResp.Message)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return c.insert(kind, nil, path, r.ID(), id), nil
}

// artifactPath derives a stable file name from the creating request, suffixed
// with the pid so concurrent leanserve processes sharing a working dir never
// write the same file.
func (c *PickleCache) artifactPath(req repl.Request) (string, error) {
	data, err := repl.EncodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("keying session artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return filepath.Join(c.dir, fmt.Sprintf("%x_%d.olean", sum, os.Getpid())), nil
}

// Resolve implements Cache.
func (c *PickleCache) Resolve(ctx context.Context, h Handle, r Runner) (int64, error) {
	return c.resolve(ctx, h, r, func(ctx context.Context, e *entry) (int64, error) {
		return c.unpickle(ctx, e, r)
	})
}

func (c *PickleCache) unpickle(ctx context.Context, e *entry, r Runner) (int64, error) {
	var req repl.Request
	if e.kind == KindProof {
		req = repl.DeserializeProof{From: e.artifact}
	} else {
		req = repl.DeserializeEnv{From: e.artifact}
	}

	var resp repl.Response
	err := lock.With(e.artifact+".lock", artifactLockTimeout, func() error {
		var err error
		resp, err = r.Send(ctx, req)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("unpickling session %d: %w", e.handle, err)
	}
	if errResp, ok := resp.(repl.ErrorResponse); ok {
		return 0, &ReplayFailureError{Handle: e.handle, Message: errResp.Message}
	}

	id, kind, err := stateID(resp)
	if err != nil {
		return 0, &ReplayFailureError{Handle: e.handle, Message: fmt.Sprintf("unpickle produced %T", resp)}
	}
	if kind != e.kind {
		return 0, &ReplayFailureError{Handle: e.handle, Message: fmt.Sprintf("unpickle produced a %s, expected a %s", kind, e.kind)}
	}
	return id, nil
}

// KindOf implements Cache.
func (c *PickleCache) KindOf(h Handle) (Kind, bool) { return c.kindOf(h) }

// Invalidate implements Cache.
func (c *PickleCache) Invalidate(runnerID string) { c.invalidate(runnerID) }

// Remove implements Cache. The backing artifact is deleted as well.
func (c *PickleCache) Remove(h Handle) error {
	e, ok := c.remove(h)
	if !ok {
		return &UnknownHandleError{Handle: h}
	}
	return removeArtifact(e.artifact)
}

// Clear implements Cache. Only this cache's artifacts are deleted; files
// written by other processes into the shared dir are left alone.
func (c *PickleCache) Clear() error {
	var errs []error
	for _, e := range c.clear() {
		errs = append(errs, removeArtifact(e.artifact))
	}
	return errors.Join(errs...)
}

func removeArtifact(path string) error {
	if path == "" {
		return nil
	}
	return lock.With(path+".lock", artifactLockTimeout, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing session artifact: %w", err)
		}
		return nil
	})
}

// Handles implements Cache.
func (c *PickleCache) Handles() []Handle { return c.handles() }
