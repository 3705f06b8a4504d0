package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

func testConfig(t *testing.T, script string, probe func(int) bool) Config {
	t.Helper()
	return Config{
		Command:      "/bin/sh",
		Args:         []string{"-c", script},
		Port:         18789,
		PIDFile:      filepath.Join(t.TempDir(), "gateway.pid"),
		StartTimeout: 3 * time.Second,
		StopTimeout:  2 * time.Second,
		Probe:        probe,
	}
}

func alwaysUp(int) bool { return true }
func neverUp(int) bool  { return false }

func TestStartStop(t *testing.T) {
	cfg := testConfig(t, "echo gateway listening; exec sleep 30", alwaysUp)
	s := New(cfg, nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := s.Status()
	if st.State != StateRunning || !st.Running || st.PID == 0 {
		t.Fatalf("status after start = %+v", st)
	}
	if _, err := os.Stat(cfg.PIDFile); err != nil {
		t.Fatalf("pid file missing: %v", err)
	}

	// Output reaches the buffer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if lines := s.TailLogs(10); len(lines) > 0 && strings.Contains(lines[0], "gateway listening") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log line never captured: %v", s.TailLogs(10))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("status after stop = %+v", st)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("pid file survived stop")
	}
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", alwaysUp)
	s := New(cfg, nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(ctx)

	pid := s.Status().PID
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := s.Status().PID; got != pid {
		t.Fatalf("second start spawned a new process: %d then %d", pid, got)
	}
}

func TestStart_CrashSurfacesExitCodeAndStderr(t *testing.T) {
	cfg := testConfig(t, "echo boom >&2; exit 3", neverUp)
	s := New(cfg, nil)

	err := s.Start(context.Background())
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if spawn.ExitCode != 3 {
		t.Fatalf("exit code = %d", spawn.ExitCode)
	}
	if !strings.Contains(strings.Join(spawn.StderrTail, "\n"), "boom") {
		t.Fatalf("stderr tail = %v", spawn.StderrTail)
	}
	if st := s.Status(); st.State != StateCrashed {
		t.Fatalf("status after crash = %+v", st)
	}
}

func TestStart_TimeoutWhenPortNeverListens(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", neverUp)
	cfg.StartTimeout = 600 * time.Millisecond
	s := New(cfg, nil)

	err := s.Start(context.Background())
	var spawn *SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if st := s.Status(); st.State != StateCrashed {
		t.Fatalf("status after timeout = %+v", st)
	}
}

func TestStop_WhenStoppedIsNoop(t *testing.T) {
	s := New(testConfig(t, "exec sleep 30", alwaysUp), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop of stopped gateway: %v", err)
	}
}

func TestStatus_StalePIDFileReconciled(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", alwaysUp)
	s := New(cfg, nil)

	// A process that has already exited leaves a dead pid behind.
	probe := exec.Command("/bin/true")
	if err := probe.Start(); err != nil {
		t.Fatalf("start probe process: %v", err)
	}
	deadPID := probe.Process.Pid
	_ = probe.Wait()

	if err := writePIDFile(cfg.PIDFile, deadPID, "/bin/true", time.Now()); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	st := s.Status()
	if st.State != StateStopped {
		t.Fatalf("stale pid reported as %+v", st)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("stale pid file not removed")
	}
}

func TestStatus_RecycledPIDNotAdopted(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", alwaysUp)
	s := New(cfg, nil)

	// The test process itself stands in for a pid the OS handed to someone
	// else: alive, but not running the recorded gateway command.
	if err := writePIDFile(cfg.PIDFile, os.Getpid(), "openclaw", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	st := s.Status()
	if st.State != StateStopped || st.Orphan {
		t.Fatalf("recycled pid adopted: %+v", st)
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatal("stale pid file not removed")
	}
}

func TestStatus_AdoptsOrphanAndStopTerminatesIt(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", alwaysUp)
	s := New(cfg, nil)

	orphan := exec.Command("sleep", "30")
	if err := orphan.Start(); err != nil {
		t.Fatalf("start orphan: %v", err)
	}
	defer orphan.Process.Kill()
	go orphan.Wait()

	if err := writePIDFile(cfg.PIDFile, orphan.Process.Pid, "sleep", time.Now()); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	st := s.Status()
	if st.State != StateRunning || !st.Orphan || st.PID != orphan.Process.Pid {
		t.Fatalf("orphan not adopted: %+v", st)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop orphan: %v", err)
	}
	if !waitGone(context.Background(), orphan.Process.Pid, 2*time.Second) {
		t.Fatal("orphan still alive after stop")
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("status after orphan stop = %+v", st)
	}
}

func TestRestart(t *testing.T) {
	cfg := testConfig(t, "exec sleep 30", alwaysUp)
	s := New(cfg, nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(ctx)
	first := s.Status().PID

	if err := s.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := s.Status()
	if st.State != StateRunning {
		t.Fatalf("status after restart = %+v", st)
	}
	if st.PID == first {
		t.Fatalf("restart kept the old process: pid %d", first)
	}
}

func TestLogBuffer_BoundAndTail(t *testing.T) {
	b := NewLogBuffer(5)
	for i := 0; i < 23; i++ {
		b.Append(strings.Repeat("x", i+1))
	}
	if b.Len() != 5 {
		t.Fatalf("len = %d, want 5", b.Len())
	}
	tail := b.Tail(3)
	if len(tail) != 3 {
		t.Fatalf("tail len = %d", len(tail))
	}
	if len(tail[2]) != 23 {
		t.Fatalf("newest line wrong: %q", tail[2])
	}
	if got := b.Tail(100); len(got) != 5 {
		t.Fatalf("oversized tail = %d lines", len(got))
	}
}

func TestLogBuffer_Subscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Append("one")
	b.Append("two")

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	sink, err := NewRotatingFile(path, 64)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer sink.Close()

	line := []byte(strings.Repeat("a", 30) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := sink.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotation missing: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 64 {
		t.Fatalf("live file over bound: %d", info.Size())
	}
}

func TestLogBuffer_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := otelpkg.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}
	s := New(testConfig(t, "exec sleep 30", alwaysUp), nil, WithMetrics(m))

	buf := s.Logs()
	buf.Append("one")
	buf.Append("two")
	buf.Append("three")
	_, cancel := buf.Subscribe()
	cancel()
	cancel() // double cancel must not decrement twice

	if got := sumValue(t, reader, "clawdeck.logs.lines"); got != 3 {
		t.Fatalf("log lines = %d, want 3", got)
	}
	if got := sumValue(t, reader, "clawdeck.logs.subscribers"); got != 0 {
		t.Fatalf("subscribers after cancel = %d, want 0", got)
	}
}

func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mtr := range sm.Metrics {
			if mtr.Name != name {
				continue
			}
			sum, ok := mtr.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}
