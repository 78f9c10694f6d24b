package workspace_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanserve/leanserve/internal/config"
	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sessioncache"
	"github.com/leanserve/leanserve/internal/testutil"
	"github.com/leanserve/leanserve/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is the fake REPL subprocess; see testutil.
func TestHelperProcess(t *testing.T) {
	testutil.RunHelper()
}

func newWorkspace(t *testing.T, mutate func(*config.Config)) *workspace.Workspace {
	t.Helper()
	t.Setenv("LEANSERVE_FAKE_REPL", "1")

	cfg := config.New()
	cfg.ReplPath = testutil.HelperPath()
	cfg.ReplArgs = testutil.HelperArgs()
	cfg.WorkDir = t.TempDir()
	cfg.SendTimeout = config.Duration{Duration: 10 * time.Second}
	cfg.CacheStrategy = "replay"
	if mutate != nil {
		mutate(cfg)
	}

	ws, err := workspace.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeUnit(t *testing.T, dir, unit, content string) {
	t.Helper()
	path := filepath.Join(dir, unit)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func envOf(t *testing.T, resp repl.Response) int64 {
	t.Helper()
	state, ok := resp.(repl.StateResponse)
	require.True(t, ok, "expected StateResponse, got %T", resp)
	return state.Env
}

func TestOpen_WorkspaceIsExclusive(t *testing.T) {
	t.Setenv("LEANSERVE_FAKE_REPL", "1")

	cfg := config.New()
	cfg.ReplPath = testutil.HelperPath()
	cfg.ReplArgs = testutil.HelperArgs()
	cfg.WorkDir = t.TempDir()

	ws, err := workspace.Open(cfg, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, err = workspace.Open(cfg, nil)
	assert.True(t, errors.Is(err, workspace.ErrBusy), "got %v", err)

	// Released on Close.
	require.NoError(t, ws.Close())
	ws2, err := workspace.Open(cfg, nil)
	require.NoError(t, err)
	_ = ws2.Close()
}

func TestRun_DefaultSupervisor(t *testing.T) {
	ws := newWorkspace(t, nil)

	resp, err := ws.Run(context.Background(), repl.Command{Cmd: "def x := 1"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp))
}

func TestRun_CachedResponsesCarryHandles(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx := context.Background()

	resp1, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	resp2, err := ws.Run(ctx, repl.Command{Cmd: "def b := 2"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)

	h1, _, ok := repl.StateID(resp1)
	require.True(t, ok)
	h2, _, ok := repl.StateID(resp2)
	require.True(t, ok)

	assert.True(t, sessioncache.IsHandle(h1))
	assert.Equal(t, h1-1, h2, "handles decrease monotonically")
}

func TestRun_HandleResolvesBeforeSend(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx := context.Background()

	resp, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h, _, _ := repl.StateID(resp)

	// The fake REPL rejects negative ids, so success means the handle was
	// substituted with the local id.
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def b := a", Env: repl.ID(h)}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), envOf(t, resp))
}

func TestRun_UnknownHandle(t *testing.T) {
	ws := newWorkspace(t, nil)

	_, err := ws.Run(context.Background(),
		repl.Command{Cmd: "def x := 1", Env: repl.ID(-987654)}, workspace.RunOptions{})

	var unknown *sessioncache.UnknownHandleError
	assert.True(t, errors.As(err, &unknown), "got %v", err)
}

func TestRun_SessionSurvivesRestart(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx := context.Background()

	resp, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h, _, _ := repl.StateID(resp)

	require.NoError(t, ws.Restart(ctx))

	// Fresh subprocess: the session replays (env 0), then the command runs
	// on top of it (env 1).
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def b := a", Env: repl.ID(h)}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), envOf(t, resp))
}

func TestRun_EagerRematerialization(t *testing.T) {
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.EagerRematerialize = true
	})
	ctx := context.Background()

	resp, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h, _, _ := repl.StateID(resp)

	require.NoError(t, ws.Restart(ctx))

	resp, err = ws.Run(ctx, repl.Command{Cmd: "def b := a", Env: repl.ID(h)}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), envOf(t, resp), "session was warmed during the restart")
}

func TestRun_PickleStrategyEndToEnd(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) {
		cfg.CacheStrategy = "pickle"
		workDir = cfg.WorkDir
	})
	ctx := context.Background()

	resp, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h, _, _ := repl.StateID(resp)

	entries, err := os.ReadDir(filepath.Join(workDir, "session_cache"))
	require.NoError(t, err)
	require.NotEmpty(t, entries, "pickling wrote an artifact")

	require.NoError(t, ws.Restart(ctx))

	// Reloads from the artifact instead of replaying the command.
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def b := a", Env: repl.ID(h)}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), envOf(t, resp))
}

func TestRun_UnitsGetTheirOwnSupervisors(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")
	writeUnit(t, workDir, "B.lean", "def b := 2")

	respA, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	respB, err := ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	respDef, err := ws.Run(ctx, repl.Command{Cmd: "def c := 3"}, workspace.RunOptions{})
	require.NoError(t, err)

	// Three separate subprocesses, three separate id spaces.
	assert.Equal(t, int64(0), envOf(t, respA))
	assert.Equal(t, int64(0), envOf(t, respB))
	assert.Equal(t, int64(0), envOf(t, respDef))

	respA2, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), envOf(t, respA2), "same supervisor serves the unit again")
}

func TestRun_SessionRoutesToOwningUnit(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")

	_, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	resp, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h, _, _ := repl.StateID(resp)

	// No unit given: the handle's owner decides where this runs.
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def d := a", Env: repl.ID(h)}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), envOf(t, resp), "ran on A's supervisor, not the default")

	// The default supervisor was never touched.
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def e := 1"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp))
}

func TestRun_ChangedUnitRestartsBeforeUse(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")

	for want := int64(0); want < 2; want++ {
		resp, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, want, envOf(t, resp))
	}

	writeUnit(t, workDir, "A.lean", "def a := 42")

	resp, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp), "fresh subprocess after the edit")
}

func TestRun_DependentsRestartWithGraph(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")
	writeUnit(t, workDir, "B.lean", "import A\ndef b := a")
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "import_graph.dot"),
		[]byte("digraph {\n  \"B\" -> \"A\";\n}\n"), 0o644))

	_, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	for want := int64(0); want < 2; want++ {
		resp, err := ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, want, envOf(t, resp))
	}

	// Editing the dependency invalidates the dependent too.
	writeUnit(t, workDir, "A.lean", "def a := 42")

	resp, err := ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp), "B restarted because A changed")

	resp, err = ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp), "A restarted as the changed unit")
}

func TestRun_UnrelatedUnitKeepsItsSubprocess(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")
	writeUnit(t, workDir, "B.lean", "import A\ndef b := a")
	writeUnit(t, workDir, "C.lean", "def c := 3")
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "import_graph.dot"),
		[]byte("digraph {\n  \"B\" -> \"A\";\n}\n"), 0o644))

	_, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	_, err = ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	for want := int64(0); want < 2; want++ {
		resp, err := ws.Run(ctx, repl.UnitCommand{Path: "C.lean"}, workspace.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, want, envOf(t, resp))
	}

	writeUnit(t, workDir, "A.lean", "def a := 42")

	// C does not depend on A, so its subprocess and id space survive.
	resp, err := ws.Run(ctx, repl.UnitCommand{Path: "C.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), envOf(t, resp), "unrelated unit kept its subprocess")

	// The dependent did restart.
	resp, err = ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp), "dependent restarted after the edit")
}

func TestRun_NoGraphRestartsEverything(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })
	ctx := context.Background()
	writeUnit(t, workDir, "A.lean", "def a := 1")
	writeUnit(t, workDir, "B.lean", "def b := 2")

	_, err := ws.Run(ctx, repl.UnitCommand{Path: "A.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	for want := int64(0); want < 2; want++ {
		resp, err := ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
		require.NoError(t, err)
		require.Equal(t, want, envOf(t, resp))
	}

	// B does not import A, but with no graph the policy is conservative.
	writeUnit(t, workDir, "A.lean", "def a := 42")

	resp, err := ws.Run(ctx, repl.UnitCommand{Path: "B.lean"}, workspace.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), envOf(t, resp))
}

func TestDependencies(t *testing.T) {
	var workDir string
	ws := newWorkspace(t, func(cfg *config.Config) { workDir = cfg.WorkDir })

	depsOf, err := ws.Dependencies("B.lean")
	require.NoError(t, err)
	assert.Empty(t, depsOf, "no graph, no answer")

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "import_graph.dot"),
		[]byte("digraph {\n  \"B\" -> \"A\";\n  \"C\" -> \"B\";\n}\n"), 0o644))
	ws.InvalidateDependencyCache()

	depsOf, err = ws.Dependencies("C.lean")
	require.NoError(t, err)
	assert.Equal(t, []string{"A.lean", "B.lean"}, depsOf)
}

func TestRunAsync(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx := context.Background()

	ch1 := ws.RunAsync(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{})
	ch2 := ws.RunAsync(ctx, repl.Command{Cmd: "def b := 2"}, workspace.RunOptions{})

	envs := make(map[int64]bool)
	for _, ch := range []<-chan workspace.Result{ch1, ch2} {
		res := <-ch
		require.NoError(t, res.Err)
		envs[envOf(t, res.Resp)] = true
	}
	assert.Equal(t, map[int64]bool{0: true, 1: true}, envs)
}

func TestRemoveAndClearSessions(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx := context.Background()

	resp, err := ws.Run(ctx, repl.Command{Cmd: "def a := 1"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h1, _, _ := repl.StateID(resp)
	resp, err = ws.Run(ctx, repl.Command{Cmd: "def b := 2"}, workspace.RunOptions{Cache: true})
	require.NoError(t, err)
	h2, _, _ := repl.StateID(resp)

	require.NoError(t, ws.RemoveSession(sessioncache.Handle(h1)))
	_, err = ws.Run(ctx, repl.Command{Cmd: "def c := a", Env: repl.ID(h1)}, workspace.RunOptions{})
	var unknown *sessioncache.UnknownHandleError
	assert.True(t, errors.As(err, &unknown), "removed session is gone")

	require.NoError(t, ws.ClearSessions())
	_, err = ws.Run(ctx, repl.Command{Cmd: "def c := b", Env: repl.ID(h2)}, workspace.RunOptions{})
	assert.True(t, errors.As(err, &unknown), "cleared session is gone")
}

func TestRunAsync_AfterClose(t *testing.T) {
	ws := newWorkspace(t, nil)
	require.NoError(t, ws.Close())

	res := <-ws.RunAsync(context.Background(), repl.Command{Cmd: "def x := 1"}, workspace.RunOptions{})
	assert.True(t, errors.Is(res.Err, workspace.ErrClosed), "got %v", res.Err)
}

func TestClose_IsIdempotentAndFinal(t *testing.T) {
	ws := newWorkspace(t, nil)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())

	_, err := ws.Run(context.Background(), repl.Command{Cmd: "def x := 1"}, workspace.RunOptions{})
	assert.True(t, errors.Is(err, workspace.ErrClosed))

	assert.True(t, errors.Is(ws.Restart(context.Background()), workspace.ErrClosed))
}
