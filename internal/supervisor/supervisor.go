// Package supervisor owns a single REPL subprocess and turns "send one
// request, get one response" into a reliable operation despite crashes,
// timeouts, and memory exhaustion.
//
// Supervisor is the basic variant: it spawns and frames the subprocess and
// surfaces failures as typed errors, but never restarts on its own.
// AutoSupervisor layers the health policy on top: memory watermarks with
// bounded restart attempts, and a single automatic restart after a crash.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leanserve/leanserve/internal/logging"
	"github.com/leanserve/leanserve/internal/repl"
	"github.com/leanserve/leanserve/internal/sysmem"
)

// Config describes how to spawn and drive the subprocess.
type Config struct {
	// Path is the REPL executable. Required.
	Path string

	// Args are passed to the executable.
	Args []string

	// Dir is the subprocess working directory.
	Dir string

	// Env entries are appended to the inherited environment.
	Env []string

	// StartupTimeout bounds how long Start waits for the subprocess to
	// prove it is up. Defaults to 30s.
	StartupTimeout time.Duration

	// SendTimeout is the per-request budget. Zero means wait forever
	// (unless the context says otherwise).
	SendTimeout time.Duration

	// MemoryHardLimitMB clamps the subprocess address space when > 0.
	MemoryHardLimitMB int

	// Logger receives structured events. Defaults to a discard logger.
	Logger *slog.Logger
}

// startupGrace is how long Start watches for an immediate exit before
// declaring the subprocess ready. The REPL emits no banner, so "still alive
// shortly after spawn" is the ready signal.
const startupGrace = 300 * time.Millisecond

// frame is one response block (or the read error that ended the stream).
type frame struct {
	data []byte
	err  error
}

// process bundles one subprocess epoch: its pipes, reader, and reaper.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan frame
	done   chan struct{} // closed once Wait returns
	waitErr error
}

func (p *process) kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor drives one subprocess. All methods are safe for concurrent
// use; Send calls are serialized, matching the protocol's one-outstanding-
// request contract.
type Supervisor struct {
	cfg Config
	id  string
	log *slog.Logger

	callMu sync.Mutex // serializes Send

	mu    sync.Mutex // guards proc, state, epoch
	state State
	proc  *process
	epoch int64
}

// New creates a stopped Supervisor. Call Start before Send.
func New(cfg Config) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	id := uuid.NewString()
	return &Supervisor{
		cfg: cfg,
		id:  id,
		log: log.With("supervisor", id[:8]),
	}
}

// ID returns the supervisor's stable identity token. Session caches key
// their per-supervisor local-id tables on this value.
func (s *Supervisor) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch counts subprocess generations: it increments on every successful
// Start or Restart. All subprocess-local ids are scoped to one epoch.
func (s *Supervisor) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// IsAlive reports whether the subprocess is currently running.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.proc.exited()
}

// Start spawns the subprocess and blocks until it is ready or the startup
// window closes. A startup failure is fatal: it propagates and nothing is
// retried.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	switch s.state {
	case StateDead:
		s.mu.Unlock()
		return ErrDead
	case StateStarting, StateReady, StateBusy, StateRestarting:
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.state = StateStarting
	s.mu.Unlock()

	return s.launch()
}

// launch spawns a fresh subprocess and transitions to Ready. The caller
// must have set state to Starting or Restarting.
func (s *Supervisor) launch() error {
	p, err := s.spawn()
	if err != nil {
		s.setStopped(nil)
		return err
	}

	grace := startupGrace
	if s.cfg.StartupTimeout < grace {
		grace = s.cfg.StartupTimeout
	}
	select {
	case <-p.done:
		s.setStopped(nil)
		return &CrashError{Err: fmt.Errorf("subprocess exited during startup: %w", exitReason(p))}
	case <-time.After(grace):
	}

	s.mu.Lock()
	if s.state == StateDead {
		// Killed while we were launching.
		s.mu.Unlock()
		p.kill()
		return ErrDead
	}
	s.proc = p
	s.state = StateReady
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.log.Info("subprocess started", "pid", p.cmd.Process.Pid, "epoch", epoch)
	return nil
}

func exitReason(p *process) error {
	if p.waitErr != nil {
		return p.waitErr
	}
	return errors.New("clean exit before ready")
}

func (s *Supervisor) spawn() (*process, error) {
	if s.cfg.Path == "" {
		return nil, fmt.Errorf("supervisor: no executable configured")
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting repl subprocess %s: %w", s.cfg.Path, err)
	}

	if s.cfg.MemoryHardLimitMB > 0 {
		if err := sysmem.LimitAddressSpace(cmd.Process.Pid, s.cfg.MemoryHardLimitMB); err != nil {
			s.log.Warn("could not apply memory hard limit", "error", err)
		}
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan frame, 1),
		done:   make(chan struct{}),
	}

	go func() {
		br := bufio.NewReader(stdout)
		for {
			data, err := repl.ReadFrame(br)
			select {
			case p.frames <- frame{data: data, err: err}:
			case <-p.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Debug("repl stderr", "line", scanner.Text())
		}
	}()

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Send writes one framed request and blocks for the complete response, the
// timeout, or a detected crash. Calling Send on a supervisor with no live
// subprocess fails with ErrDead.
func (s *Supervisor) Send(ctx context.Context, req repl.Request) (repl.Response, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	return s.send(ctx, req)
}

// send is Send without the call lock, for layers that hold their own.
func (s *Supervisor) send(ctx context.Context, req repl.Request) (repl.Response, error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return nil, ErrDead
	}
	p := s.proc
	if p == nil || p.exited() {
		s.mu.Unlock()
		return nil, ErrDead
	}
	s.state = StateBusy
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateBusy {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	data, err := repl.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	budget := s.cfg.SendTimeout
	var timeout <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	if _, err := p.stdin.Write(data); err != nil {
		s.confirmLost(p)
		return nil, &CrashError{Err: fmt.Errorf("writing request: %w", err)}
	}

	select {
	case fr := <-p.frames:
		if fr.err != nil {
			s.confirmLost(p)
			return nil, &CrashError{Err: fr.err}
		}
		return repl.DecodeResponse(fr.data, req)
	case <-timeout:
		// The subprocess may still be chewing on the request; its state
		// is unknowable now, so it is killed rather than reused.
		s.confirmLost(p)
		return nil, &TimeoutError{Budget: budget}
	case <-ctx.Done():
		s.confirmLost(p)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Budget: budget}
		}
		return nil, fmt.Errorf("supervisor: request canceled: %w", ctx.Err())
	}
}

// confirmLost kills the subprocess and records that it is gone. The
// supervisor stays restartable unless it was explicitly killed.
func (s *Supervisor) confirmLost(p *process) {
	p.kill()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p && s.state != StateDead {
		s.proc = nil
		s.state = StateStopped
	}
}

func (s *Supervisor) setStopped(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDead {
		s.state = StateStopped
	}
	if p == nil || s.proc == p {
		s.proc = nil
	}
}

// pid returns the live subprocess pid, if any.
func (s *Supervisor) pid() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.exited() || s.proc.cmd.Process == nil {
		return 0, false
	}
	return s.proc.cmd.Process.Pid, true
}

// dropProcess kills the subprocess but leaves the supervisor restartable,
// unlike Kill. Used by the memory policy, which owns the restart decision.
func (s *Supervisor) dropProcess() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	if s.state != StateDead {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if p != nil {
		p.kill()
		<-p.done
	}
}

// Restart kills the current subprocess (if any) and spawns a fresh one.
// Every subprocess-local id from the previous epoch is invalid afterwards;
// restoring session state is the session cache's job, not the supervisor's.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return ErrDead
	}
	s.state = StateRestarting
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p != nil {
		p.kill()
		<-p.done
	}

	s.log.Info("restarting subprocess")
	return s.launch()
}

// Kill tears the supervisor down permanently. Idempotent. After Kill, every
// operation fails with ErrDead.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p != nil {
		p.kill()
		<-p.done
	}
	s.log.Info("supervisor killed")
}
