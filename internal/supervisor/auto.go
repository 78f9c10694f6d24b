package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sysmem"
)

// AutoConfig configures the automatic supervisor's health policy on top of
// the base subprocess config.
type AutoConfig struct {
	Config

	// MaxTotalMemory is the machine-wide memory usage fraction above which
	// the subprocess is killed and restarted. Zero or negative disables
	// the check.
	MaxTotalMemory float64

	// MaxProcessMemory is the fraction of MemoryHardLimitMB the subprocess
	// tree may reach before a restart. Requires MemoryHardLimitMB > 0;
	// zero or negative disables the check.
	MaxProcessMemory float64

	// MaxRestartAttempts bounds consecutive memory-triggered restarts
	// within one Send. Exhausting it kills the supervisor for good.
	MaxRestartAttempts int
}

// maxBackoff caps the exponential sleep between memory-triggered restarts.
const maxBackoff = 60 * time.Second

// AutoSupervisor wraps a Supervisor with automatic recovery: it restarts
// the subprocess when memory pressure crosses the configured watermarks
// (with exponential backoff and a bounded attempt budget), restarts once
// after a mid-send crash, and brings a stopped subprocess back up before
// sending.
//
// The AutoSupervisor restores no session state itself. After every restart
// it invokes the restart hook, and before every send it passes the request
// through the resolve hook; the session cache layer installs both.
type AutoSupervisor struct {
	*Supervisor
	policy AutoConfig

	// callMu serializes Send together with its recovery policy.
	callMu sync.Mutex

	onRestart func(context.Context) error
	resolve   func(context.Context, repl.Request) (repl.Request, error)

	// sleep is swappable so tests do not wait out real backoff.
	sleep func(time.Duration)
}

// NewAuto builds an AutoSupervisor. The subprocess is not started; the
// first Send (or an explicit Start) brings it up.
func NewAuto(cfg AutoConfig) *AutoSupervisor {
	return &AutoSupervisor{
		Supervisor: New(cfg.Config),
		policy:     cfg,
		sleep:      time.Sleep,
	}
}

// SetRestartHook registers fn to run after every automatic or explicit
// restart performed through this AutoSupervisor. The hook typically
// invalidates the session cache and, in eager configurations,
// re-materializes cached state.
func (a *AutoSupervisor) SetRestartHook(fn func(context.Context) error) {
	a.onRestart = fn
}

// SetResolveHook registers fn to rewrite requests immediately before they
// are sent, after any restart has settled. The hook typically substitutes
// negative session handles with subprocess-local ids.
func (a *AutoSupervisor) SetResolveHook(fn func(context.Context, repl.Request) (repl.Request, error)) {
	a.resolve = fn
}

// Send runs one request under the full health policy.
func (a *AutoSupervisor) Send(ctx context.Context, req repl.Request) (repl.Response, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()

	retried := false
	for {
		if err := a.ensureHealthy(ctx); err != nil {
			return nil, err
		}

		resolved := req
		if a.resolve != nil {
			var err error
			resolved, err = a.resolve(ctx, req)
			if err != nil {
				return nil, err
			}
		}

		resp, err := a.Supervisor.send(ctx, resolved)
		var crash *CrashError
		if errors.As(err, &crash) && !retried {
			// One automatic recovery per call: restart, restore
			// session state, re-resolve, and try again.
			retried = true
			a.log.Warn("subprocess crashed mid-send, restarting once", "error", err)
			if rerr := a.restartLocked(ctx); rerr != nil {
				return nil, fmt.Errorf("recovering from crash: %w", rerr)
			}
			continue
		}
		return resp, err
	}
}

// Restart restarts the subprocess and runs the restart hook.
func (a *AutoSupervisor) Restart(ctx context.Context) error {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	return a.restartLocked(ctx)
}

func (a *AutoSupervisor) restartLocked(ctx context.Context) error {
	if err := a.Supervisor.Restart(); err != nil {
		return err
	}
	return a.runRestartHook(ctx)
}

func (a *AutoSupervisor) runRestartHook(ctx context.Context) error {
	if a.onRestart == nil {
		return nil
	}
	if err := a.onRestart(ctx); err != nil {
		return fmt.Errorf("restoring session state: %w", err)
	}
	return nil
}

// ensureHealthy enforces the memory watermarks and brings a stopped
// subprocess back up. Exhausting the restart budget is fatal: the
// supervisor is killed and MemoryExceededError returned; later sends see
// ErrDead.
func (a *AutoSupervisor) ensureHealthy(ctx context.Context) error {
	if a.Supervisor.State() == StateDead {
		return ErrDead
	}

	attempts := 0
	for a.memoryExceeded() {
		a.dropProcess()
		if attempts >= a.policy.MaxRestartAttempts {
			a.Supervisor.Kill()
			return &MemoryExceededError{Attempts: a.policy.MaxRestartAttempts}
		}
		attempts++

		backoff := time.Second << (attempts - 1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		a.log.Warn("memory pressure, backing off before restart", "attempt", attempts, "backoff", backoff)
		a.sleep(backoff)

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("supervisor: canceled during memory recovery: %w", err)
		}
	}

	if a.Supervisor.IsAlive() {
		return nil
	}
	if err := a.Supervisor.Restart(); err != nil {
		return err
	}
	return a.runRestartHook(ctx)
}

// memoryExceeded checks both watermarks. Measurement errors disable the
// check rather than blocking sends.
func (a *AutoSupervisor) memoryExceeded() bool {
	if a.policy.MaxTotalMemory > 0 {
		used, err := sysmem.UsedFraction()
		if err == nil && used >= a.policy.MaxTotalMemory {
			return true
		}
	}
	if a.policy.MaxProcessMemory > 0 && a.policy.MemoryHardLimitMB > 0 {
		if pid, ok := a.Supervisor.pid(); ok {
			rss, err := sysmem.TreeRSS(pid)
			limit := float64(a.policy.MemoryHardLimitMB) * 1024 * 1024 * a.policy.MaxProcessMemory
			if err == nil && float64(rss) >= limit {
				return true
			}
		}
	}
	return false
}

// Direct returns a sender that bypasses the recovery policy and the
// AutoSupervisor call lock. It is handed to the session cache for replay
// and deserialize calls made while a Send (or restart hook) already holds
// the call slot.
func (a *AutoSupervisor) Direct() *DirectSender {
	return &DirectSender{sup: a.Supervisor}
}

// DirectSender sends on a supervisor's already-serialized call slot. Only
// valid while the holder of the call lock is waiting on it.
type DirectSender struct {
	sup *Supervisor
}

// ID returns the underlying supervisor identity.
func (d *DirectSender) ID() string { return d.sup.ID() }

// Send forwards without taking the supervisor call lock.
func (d *DirectSender) Send(ctx context.Context, req repl.Request) (repl.Response, error) {
	return d.sup.send(ctx, req)
}
