package sessioncache_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sessioncache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeREPL implements sessioncache.Runner with deterministic id allocation,
// standing in for a supervisor plus subprocess.
type fakeREPL struct {
	mu     sync.Mutex
	id     string
	envs   int64
	proofs int64
	sent   []repl.Request

	// failCmds maps command text to the error message it should produce.
	failCmds map[string]string

	// blockOn, when set, makes Send announce itself on started and wait for
	// release before answering.
	blockOn string
	started chan struct{}
	release chan struct{}
}

func newFakeREPL(id string) *fakeREPL {
	return &fakeREPL{id: id, failCmds: make(map[string]string)}
}

func (f *fakeREPL) ID() string { return f.id }

// restart simulates a subprocess restart: local id spaces reset, the runner
// identity stays.
func (f *fakeREPL) restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = 0
	f.proofs = 0
}

func (f *fakeREPL) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeREPL) Send(_ context.Context, req repl.Request) (repl.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	blocked := false
	if cmd, ok := req.(repl.Command); ok && f.blockOn != "" && cmd.Cmd == f.blockOn {
		blocked = true
	}
	f.mu.Unlock()

	if blocked {
		f.started <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch q := req.(type) {
	case repl.Command:
		if msg, ok := f.failCmds[q.Cmd]; ok {
			return repl.ErrorResponse{Message: msg}, nil
		}
		if q.Env != nil && *q.Env < 0 {
			return repl.ErrorResponse{Message: fmt.Sprintf("unknown environment %d", *q.Env)}, nil
		}
		env := f.envs
		f.envs++
		return repl.StateResponse{Env: env}, nil
	case repl.ProofStep:
		if q.ProofState < 0 {
			return repl.ErrorResponse{Message: fmt.Sprintf("unknown proof state %d", q.ProofState)}, nil
		}
		ps := f.proofs
		f.proofs++
		return repl.ProofStepResponse{ProofState: ps, Goals: []string{"⊢ True"}}, nil
	case repl.SerializeEnv:
		if err := os.WriteFile(q.To, []byte("env"), 0o644); err != nil {
			return nil, err
		}
		return repl.StateResponse{Env: q.Env}, nil
	case repl.SerializeProof:
		if err := os.WriteFile(q.To, []byte("proof"), 0o644); err != nil {
			return nil, err
		}
		return repl.ProofStepResponse{ProofState: q.ProofState}, nil
	case repl.DeserializeEnv:
		if _, err := os.Stat(q.From); err != nil {
			return repl.ErrorResponse{Message: "no such artifact"}, nil
		}
		env := f.envs
		f.envs++
		return repl.StateResponse{Env: env}, nil
	case repl.DeserializeProof:
		if _, err := os.Stat(q.From); err != nil {
			return repl.ErrorResponse{Message: "no such artifact"}, nil
		}
		ps := f.proofs
		f.proofs++
		return repl.ProofStepResponse{ProofState: ps}, nil
	}
	return nil, fmt.Errorf("fake repl: unhandled request %T", req)
}

// addCommand runs cmd on r and caches the result, returning the handle and
// the raw response.
func addCommand(t *testing.T, c sessioncache.Cache, r *fakeREPL, cmd string, env *int64) (sessioncache.Handle, repl.Response) {
	t.Helper()
	ctx := context.Background()
	req := repl.Command{Cmd: cmd, Env: env}

	resolved, err := sessioncache.ResolveRequest(ctx, c, r, req)
	require.NoError(t, err)
	resp, err := r.Send(ctx, resolved)
	require.NoError(t, err)

	h, err := c.Add(ctx, r, req, resp)
	require.NoError(t, err)
	return h, resp
}

func TestAdd_HandlesDecreaseMonotonically(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	h1, _ := addCommand(t, cache, r, "def x := 1", nil)
	h2, _ := addCommand(t, cache, r, "def y := 2", nil)

	assert.True(t, sessioncache.IsHandle(int64(h1)))
	assert.Equal(t, h1-1, h2)
}

func TestAdd_ErrorResponseIsUnsupported(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	_, err := cache.Add(context.Background(), r, repl.Command{Cmd: "oops"}, repl.ErrorResponse{Message: "bad"})

	var unsupported *sessioncache.UnsupportedResponseError
	assert.True(t, errors.As(err, &unsupported), "expected UnsupportedResponseError, got %v", err)
}

func TestResolve_HitSendsNothing(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	h, _ := addCommand(t, cache, r, "def x := 1", nil)
	before := r.sentCount()

	id, err := cache.Resolve(context.Background(), h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, before, r.sentCount())
}

func TestResolve_UnknownHandle(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	_, err := cache.Resolve(context.Background(), sessioncache.Handle(-999999), r)

	var unknown *sessioncache.UnknownHandleError
	require.True(t, errors.As(err, &unknown), "expected UnknownHandleError, got %v", err)
	assert.Equal(t, sessioncache.Handle(-999999), unknown.Handle)
}

func TestReplay_NestedChainAfterRestart(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	hBase, _ := addCommand(t, cache, r, "def x := 1", nil)
	hChild, _ := addCommand(t, cache, r, "def y := x + 1", repl.ID(int64(hBase)))

	// Subprocess restarts: every local id is gone.
	r.restart()
	cache.Invalidate(r.ID())
	before := r.sentCount()

	id, err := cache.Resolve(ctx, hChild, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "child replays on top of the replayed base")

	// Two replays: base first, then the child referencing the base's new id.
	require.Equal(t, before+2, r.sentCount())
	base := r.sent[before].(repl.Command)
	child := r.sent[before+1].(repl.Command)
	assert.Equal(t, "def x := 1", base.Cmd)
	assert.Equal(t, "def y := x + 1", child.Cmd)
	require.NotNil(t, child.Env)
	assert.Equal(t, int64(0), *child.Env, "nested handle resolved before replay")

	// Both sessions are warm now.
	id, err = cache.Resolve(ctx, hBase, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, before+2, r.sentCount())
}

func TestReplay_FailureKeepsSessionResolvable(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	h, _ := addCommand(t, cache, r, "def x := 1", nil)
	r.restart()
	cache.Invalidate(r.ID())

	r.failCmds["def x := 1"] = "elaboration failed"
	_, err := cache.Resolve(ctx, h, r)

	var replayErr *sessioncache.ReplayFailureError
	require.True(t, errors.As(err, &replayErr), "expected ReplayFailureError, got %v", err)
	assert.Equal(t, h, replayErr.Handle)

	// The failure released the materialization slot; a later attempt works.
	delete(r.failCmds, "def x := 1")
	id, err := cache.Resolve(ctx, h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestInvalidate_IsPerRunner(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r1 := newFakeREPL("sup-a")
	r2 := newFakeREPL("sup-b")
	ctx := context.Background()

	h, _ := addCommand(t, cache, r1, "def x := 1", nil)

	// Materialize on the second runner too.
	id, err := cache.Resolve(ctx, h, r2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	cache.Invalidate(r1.ID())

	// r2's column is untouched.
	before := r2.sentCount()
	_, err = cache.Resolve(ctx, h, r2)
	require.NoError(t, err)
	assert.Equal(t, before, r2.sentCount())

	// r1 replays.
	r1.restart()
	before = r1.sentCount()
	_, err = cache.Resolve(ctx, h, r1)
	require.NoError(t, err)
	assert.Equal(t, before+1, r1.sentCount())
}

func TestRemove_ForgetsHandle(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	h, _ := addCommand(t, cache, r, "def x := 1", nil)
	require.NoError(t, cache.Remove(h))

	_, err := cache.Resolve(context.Background(), h, r)
	var unknown *sessioncache.UnknownHandleError
	assert.True(t, errors.As(err, &unknown))

	assert.Error(t, cache.Remove(h), "double remove")
}

func TestResolveRequest_KindMismatch(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	hEnv, _ := addCommand(t, cache, r, "def x := 1", nil)

	_, err := sessioncache.ResolveRequest(context.Background(), cache, r,
		repl.ProofStep{Tactic: "rfl", ProofState: int64(hEnv)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proof state")
}

func TestResolveRequest_PassThrough(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")

	req := repl.Command{Cmd: "def x := 1", Env: repl.ID(4)}
	resolved, err := sessioncache.ResolveRequest(context.Background(), cache, r, req)
	require.NoError(t, err)
	assert.Equal(t, req, resolved, "non-negative ids pass through")
}

func TestResolve_ConcurrentMaterializationRejected(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	h, _ := addCommand(t, cache, r, "def slow := 1", nil)
	r.restart()
	cache.Invalidate(r.ID())

	r.blockOn = "def slow := 1"
	r.started = make(chan struct{})
	r.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, h, r)
		done <- err
	}()

	<-r.started
	_, err := cache.Resolve(ctx, h, r)
	assert.True(t, errors.Is(err, sessioncache.ErrMaterializeInFlight), "got %v", err)

	close(r.release)
	require.NoError(t, <-done)

	// Settled now: the same call hits the cache.
	id, err := cache.Resolve(ctx, h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestMaterializeAll_WarmsEverySession(t *testing.T) {
	cache := sessioncache.NewReplayCache()
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	hBase, _ := addCommand(t, cache, r, "def x := 1", nil)
	hChild, _ := addCommand(t, cache, r, "def y := x + 1", repl.ID(int64(hBase)))

	r.restart()
	cache.Invalidate(r.ID())

	require.NoError(t, sessioncache.MaterializeAll(ctx, cache, r))
	warm := r.sentCount()

	// Both resolve without further traffic.
	for _, h := range []sessioncache.Handle{hBase, hChild} {
		_, err := cache.Resolve(ctx, h, r)
		require.NoError(t, err)
	}
	assert.Equal(t, warm, r.sentCount())
}

func TestPickle_AddWritesArtifactAndResolvesBack(t *testing.T) {
	workDir := t.TempDir()
	cache := sessioncache.NewPickleCache(workDir)
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	resp, err := r.Send(ctx, repl.Command{Cmd: "def x := 1"})
	require.NoError(t, err)
	h, err := cache.Add(ctx, r, repl.Command{Cmd: "def x := 1"}, resp)
	require.NoError(t, err)

	ser := r.sent[len(r.sent)-1].(repl.SerializeEnv)
	assert.Equal(t, int64(0), ser.Env)
	assert.True(t, strings.HasSuffix(ser.To, fmt.Sprintf("_%d.olean", os.Getpid())))
	assert.FileExists(t, ser.To)
	assert.Equal(t, filepath.Join(workDir, "session_cache"), filepath.Dir(ser.To))

	// Warm on the adding runner.
	id, err := cache.Resolve(ctx, h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	// Restart: resolution goes through the artifact, not a replay.
	r.restart()
	cache.Invalidate(r.ID())
	id, err = cache.Resolve(ctx, h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	unser := r.sent[len(r.sent)-1].(repl.DeserializeEnv)
	assert.Equal(t, ser.To, unser.From)
}

func TestPickle_ResolvesOnSecondRunner(t *testing.T) {
	cache := sessioncache.NewPickleCache(t.TempDir())
	r1 := newFakeREPL("sup-a")
	r2 := newFakeREPL("sup-b")
	ctx := context.Background()

	resp, err := r1.Send(ctx, repl.Command{Cmd: "def x := 1"})
	require.NoError(t, err)
	h, err := cache.Add(ctx, r1, repl.Command{Cmd: "def x := 1"}, resp)
	require.NoError(t, err)
	artifact := r1.sent[len(r1.sent)-1].(repl.SerializeEnv).To

	// A runner that never saw the session loads it from the artifact.
	id, err := cache.Resolve(ctx, h, r2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	unser := r2.sent[len(r2.sent)-1].(repl.DeserializeEnv)
	assert.Equal(t, artifact, unser.From)

	// Each runner keeps its own column: r1 still resolves from cache.
	before := r1.sentCount()
	id, err = cache.Resolve(ctx, h, r1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, before, r1.sentCount())
}

func TestPickle_ProofStateRoundTrip(t *testing.T) {
	cache := sessioncache.NewPickleCache(t.TempDir())
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	req := repl.ProofStep{Tactic: "intro h", ProofState: 0}
	resp, err := r.Send(ctx, req)
	require.NoError(t, err)
	h, err := cache.Add(ctx, r, req, resp)
	require.NoError(t, err)

	kind, ok := cache.KindOf(h)
	require.True(t, ok)
	assert.Equal(t, sessioncache.KindProof, kind)

	r.restart()
	cache.Invalidate(r.ID())
	id, err := cache.Resolve(ctx, h, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	_, isUnpickle := r.sent[len(r.sent)-1].(repl.DeserializeProof)
	assert.True(t, isUnpickle, "proof states reload via proof unpickling")
}

func TestPickle_RemoveDeletesArtifact(t *testing.T) {
	cache := sessioncache.NewPickleCache(t.TempDir())
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	resp, err := r.Send(ctx, repl.Command{Cmd: "def x := 1"})
	require.NoError(t, err)
	h, err := cache.Add(ctx, r, repl.Command{Cmd: "def x := 1"}, resp)
	require.NoError(t, err)

	artifact := r.sent[len(r.sent)-1].(repl.SerializeEnv).To
	require.FileExists(t, artifact)

	require.NoError(t, cache.Remove(h))
	assert.NoFileExists(t, artifact)
}

func TestPickle_ClearDeletesAllArtifacts(t *testing.T) {
	cache := sessioncache.NewPickleCache(t.TempDir())
	r := newFakeREPL("sup-a")
	ctx := context.Background()

	var artifacts []string
	for _, cmd := range []string{"def x := 1", "def y := 2"} {
		resp, err := r.Send(ctx, repl.Command{Cmd: cmd})
		require.NoError(t, err)
		_, err = cache.Add(ctx, r, repl.Command{Cmd: cmd}, resp)
		require.NoError(t, err)
		artifacts = append(artifacts, r.sent[len(r.sent)-1].(repl.SerializeEnv).To)
	}

	require.NoError(t, cache.Clear())
	assert.Empty(t, cache.Handles())
	for _, a := range artifacts {
		assert.NoFileExists(t, a)
	}
}
