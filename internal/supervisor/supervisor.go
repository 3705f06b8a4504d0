// Package supervisor manages the external gateway process: spawn, health
// probing, graceful shutdown, and a bounded capture of its output. Exactly
// one gateway instance is managed; a PID file reconciles processes left over
// from a previous console run.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

// State is the supervisor's view of the gateway process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// SpawnError reports a gateway that failed to come up.
type SpawnError struct {
	Reason     string
	ExitCode   int
	StderrTail []string
}

func (e *SpawnError) Error() string {
	if len(e.StderrTail) == 0 {
		return fmt.Sprintf("gateway start failed: %s (exit %d)", e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("gateway start failed: %s (exit %d): %s", e.Reason, e.ExitCode, strings.Join(e.StderrTail, " | "))
}

// TerminationError reports a gateway that survived SIGKILL escalation.
type TerminationError struct {
	PID int
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("gateway pid %d did not terminate", e.PID)
}

// Auditor receives process lifecycle events. Nil disables recording.
type Auditor interface {
	Event(ctx context.Context, kind, detail string)
}

// Config describes how to run the gateway.
type Config struct {
	// Command and Args form the gateway invocation, e.g. "openclaw",
	// ["gateway", "--port", "18789"].
	Command string
	Args    []string
	Dir     string

	// Port is probed to decide the gateway is up. Zero skips probing and
	// treats a process that survives a short grace period as running.
	Port int

	PIDFile string

	StartTimeout time.Duration
	StopTimeout  time.Duration

	// Probe overrides the default TCP dial, for tests.
	Probe func(port int) bool

	// Sink additionally receives every output line, e.g. a RotatingFile.
	Sink io.Writer
}

const stderrTailLines = 10

type procState struct {
	State     State
	PID       int
	StartedAt time.Time
	ExitCode  int
	HasExit   bool
}

// Supervisor runs one gateway process. Start, Stop, and Restart are
// serialized; Status and TailLogs never wait on a transition in progress.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	auditor Auditor
	metrics *otelpkg.Metrics
	buf     *LogBuffer

	opMu sync.Mutex

	stateMu    sync.Mutex
	cur        procState
	cmd        *exec.Cmd
	done       chan struct{}
	expectStop bool
	stderrTail []string
}

// Option adjusts Supervisor construction.
type Option func(*Supervisor)

// WithAuditor records lifecycle transitions to the given sink.
func WithAuditor(a Auditor) Option {
	return func(s *Supervisor) { s.auditor = a }
}

// WithMetrics records lifecycle and log-capture counters to the given
// instruments.
func WithMetrics(m *otelpkg.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
		s.buf.metrics = m
	}
}

// New builds a Supervisor. The log buffer is created internally and
// accessible via Logs.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		buf:    NewLogBuffer(2000),
		cur:    procState{State: StateStopped},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Logs exposes the bounded output buffer, for tailing and streaming.
func (s *Supervisor) Logs() *LogBuffer { return s.buf }

// TailLogs returns the last n captured output lines.
func (s *Supervisor) TailLogs(n int) []string { return s.buf.Tail(n) }

// Status is the externally visible process state.
type Status struct {
	State         State `json:"state"`
	Running       bool  `json:"running"`
	PID           int   `json:"pid,omitempty"`
	Port          int   `json:"port"`
	UptimeSeconds int64 `json:"uptimeSeconds,omitempty"`
	ExitCode      *int  `json:"exitCode,omitempty"`
	Orphan        bool  `json:"orphan,omitempty"`
}

// Status reports the current state. The recorded PID is verified against the
// OS rather than trusted from memory, and a live process found only in the
// PID file (left by a previous console run) is reported as a running orphan —
// but only when it still runs the recorded command, so a pid recycled by the
// OS is treated as stale instead of adopted.
func (s *Supervisor) Status() Status {
	s.stateMu.Lock()
	cur := s.cur
	managed := s.cmd != nil
	s.stateMu.Unlock()

	st := Status{State: cur.State, PID: cur.PID, Port: s.cfg.Port}
	if cur.HasExit {
		exit := cur.ExitCode
		st.ExitCode = &exit
	}

	switch cur.State {
	case StateRunning, StateStarting:
		if !pidAlive(cur.PID) {
			// Exited between waiter bookkeeping and now.
			st.State = StateCrashed
			st.PID = 0
			return st
		}
	case StateStopped, StateCrashed:
		if !managed {
			if rec, ok := readPIDFile(s.cfg.PIDFile); ok {
				if pidMatches(rec) {
					st.State = StateRunning
					st.PID = rec.PID
					st.Orphan = true
					if !rec.StartedAt.IsZero() {
						st.UptimeSeconds = int64(time.Since(rec.StartedAt).Seconds())
					}
					st.Running = true
					return st
				}
				removePIDFile(s.cfg.PIDFile)
			}
		}
	}

	if st.State == StateRunning {
		st.Running = true
		if !cur.StartedAt.IsZero() {
			st.UptimeSeconds = int64(time.Since(cur.StartedAt).Seconds())
		}
	}
	return st
}

// Start brings the gateway up. Starting an already-running gateway
// (including an orphan) is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if st := s.Status(); st.State == StateRunning || st.State == StateStarting {
		s.logger.Info("gateway already running", "pid", st.PID)
		return nil
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.setCrashed(-1)
		return &SpawnError{Reason: err.Error(), ExitCode: -1}
	}

	started := time.Now()
	pid := cmd.Process.Pid
	if err := writePIDFile(s.cfg.PIDFile, pid, s.cfg.Command, started); err != nil {
		s.logger.Warn("pid file write failed", "error", err)
	}

	done := make(chan struct{})
	s.stateMu.Lock()
	s.cmd = cmd
	s.done = done
	s.expectStop = false
	s.stderrTail = nil
	s.cur = procState{State: StateStarting, PID: pid, StartedAt: started}
	s.stateMu.Unlock()

	go s.pump(stdout, false)
	go s.pump(stderr, true)
	go s.waitExit(cmd, done)

	s.logger.Info("gateway starting", "pid", pid, "command", s.cfg.Command)
	return s.awaitReady(ctx, cmd, done, started)
}

// awaitReady polls until the gateway listens on its port, the process dies,
// or the start timeout passes.
func (s *Supervisor) awaitReady(ctx context.Context, cmd *exec.Cmd, done chan struct{}, started time.Time) error {
	probe := s.cfg.Probe
	if probe == nil {
		probe = dialProbe
	}
	deadline := started.Add(s.startTimeout())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return s.spawnFailure("gateway exited during startup")
		case <-time.After(200 * time.Millisecond):
		}

		if s.cfg.Port > 0 {
			if probe(s.cfg.Port) {
				s.markRunning(ctx)
				return nil
			}
		} else if time.Since(started) > time.Second {
			// Nothing to probe; surviving the grace window counts.
			s.markRunning(ctx)
			return nil
		}

		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			return s.spawnFailure("gateway did not listen before the start timeout")
		}
	}
}

func (s *Supervisor) markRunning(ctx context.Context) {
	s.stateMu.Lock()
	s.cur.State = StateRunning
	pid := s.cur.PID
	s.stateMu.Unlock()

	s.logger.Info("gateway running", "pid", pid, "port", s.cfg.Port)
	if s.metrics != nil {
		s.metrics.ProcessStarts.Add(ctx, 1)
	}
	if s.auditor != nil {
		s.auditor.Event(ctx, "process.started", fmt.Sprintf("pid=%d port=%d", pid, s.cfg.Port))
	}
}

func (s *Supervisor) spawnFailure(reason string) error {
	s.stateMu.Lock()
	exit := s.cur.ExitCode
	if !s.cur.HasExit {
		exit = -1
	}
	s.cur.State = StateCrashed
	tail := make([]string, len(s.stderrTail))
	copy(tail, s.stderrTail)
	s.stateMu.Unlock()
	return &SpawnError{Reason: reason, ExitCode: exit, StderrTail: tail}
}

func (s *Supervisor) setCrashed(exit int) {
	s.stateMu.Lock()
	s.cur.State = StateCrashed
	s.cur.ExitCode = exit
	s.cur.HasExit = true
	s.stateMu.Unlock()
}

// pump copies one output stream into the log buffer line by line. Stderr
// lines are also kept in a short tail for crash reports.
func (s *Supervisor) pump(r io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.buf.Append(line)
		if s.cfg.Sink != nil {
			_, _ = s.cfg.Sink.Write(append([]byte(line), '\n'))
		}
		if isStderr {
			s.stateMu.Lock()
			s.stderrTail = append(s.stderrTail, line)
			if len(s.stderrTail) > stderrTailLines {
				s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrTailLines:]
			}
			s.stateMu.Unlock()
		}
	}
}

// waitExit observes process termination and settles the final state: Stopped
// after a requested stop, Crashed otherwise.
func (s *Supervisor) waitExit(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	exit := 0
	if err != nil {
		exit = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		}
	}

	s.stateMu.Lock()
	expected := s.expectStop
	s.cur.ExitCode = exit
	s.cur.HasExit = true
	if expected {
		s.cur.State = StateStopped
	} else {
		s.cur.State = StateCrashed
	}
	s.cmd = nil
	s.stateMu.Unlock()

	removePIDFile(s.cfg.PIDFile)
	close(done)

	if expected {
		s.logger.Info("gateway stopped", "exit", exit)
	} else {
		s.logger.Error("gateway exited unexpectedly", "exit", exit)
		if s.metrics != nil {
			s.metrics.ProcessCrashes.Add(context.Background(), 1)
		}
		if s.auditor != nil {
			s.auditor.Event(context.Background(), "process.crashed", fmt.Sprintf("exit=%d", exit))
		}
	}
}

// Stop brings the gateway down: SIGTERM, bounded wait, SIGKILL escalation.
// Stopping a stopped gateway is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	st := s.Status()
	if st.State == StateStopped || st.State == StateCrashed {
		return nil
	}

	s.stateMu.Lock()
	cmd := s.cmd
	done := s.done
	s.expectStop = true
	s.cur.State = StateStopping
	s.stateMu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.stopTimeout()):
			_ = cmd.Process.Kill()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				return &TerminationError{PID: st.PID}
			}
		}
		if s.auditor != nil {
			s.auditor.Event(ctx, "process.stopped", fmt.Sprintf("pid=%d", st.PID))
		}
		return nil
	}

	// Orphan left by a previous console run.
	if st.PID > 0 {
		_ = syscall.Kill(st.PID, syscall.SIGTERM)
		if !waitGone(ctx, st.PID, s.stopTimeout()) {
			_ = syscall.Kill(st.PID, syscall.SIGKILL)
			if !waitGone(ctx, st.PID, 2*time.Second) {
				return &TerminationError{PID: st.PID}
			}
		}
	}
	removePIDFile(s.cfg.PIDFile)

	s.stateMu.Lock()
	s.cur = procState{State: StateStopped}
	s.stateMu.Unlock()

	s.logger.Info("gateway stopped", "pid", st.PID, "orphan", true)
	if s.auditor != nil {
		s.auditor.Event(ctx, "process.stopped", fmt.Sprintf("pid=%d orphan=true", st.PID))
	}
	return nil
}

// Restart is stop-then-start as one serialized operation. A start failure
// after a successful stop leaves the gateway stopped and returns the error.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		return err
	}
	return s.startLocked(ctx)
}

func (s *Supervisor) startTimeout() time.Duration {
	if s.cfg.StartTimeout > 0 {
		return s.cfg.StartTimeout
	}
	return 15 * time.Second
}

func (s *Supervisor) stopTimeout() time.Duration {
	if s.cfg.StopTimeout > 0 {
		return s.cfg.StopTimeout
	}
	return 5 * time.Second
}

func dialProbe(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// waitGone polls until the pid disappears or the timeout passes.
func waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return !pidAlive(pid)
}
