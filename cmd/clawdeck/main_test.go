package main

import (
	"strings"
	"testing"

	"github.com/clawdeck/clawdeck/internal/supervisor"
)

// Output under `go test` is not a TTY, so colorize passes text through and
// these assertions see plain strings.

func TestRenderStatus_Running(t *testing.T) {
	out := renderStatus(supervisor.Status{
		State:         supervisor.StateRunning,
		Running:       true,
		PID:           4242,
		UptimeSeconds: 90,
	})
	for _, want := range []string{"running", "pid=4242", "uptime=1m30s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status %q missing %q", out, want)
		}
	}
}

func TestRenderStatus_CrashedWithExit(t *testing.T) {
	exit := 3
	out := renderStatus(supervisor.Status{State: supervisor.StateCrashed, ExitCode: &exit})
	if !strings.Contains(out, "crashed") || !strings.Contains(out, "exit=3") {
		t.Fatalf("status = %q", out)
	}
}

func TestRenderStatus_Orphan(t *testing.T) {
	out := renderStatus(supervisor.Status{State: supervisor.StateRunning, Running: true, PID: 7, Orphan: true})
	if !strings.Contains(out, "adopted from pid file") {
		t.Fatalf("status = %q", out)
	}
}

func TestRenderCheckStatus(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"PASS", "PASS"},
		{"FAIL", "FAIL"},
		{"WARN", "WARN"},
		{"SKIP", "SKIP"},
	} {
		if got := renderCheckStatus(tc.in); got != tc.want {
			t.Fatalf("renderCheckStatus(%q) = %q", tc.in, got)
		}
	}
}
