package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clawdeck/clawdeck/internal/supervisor"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawdeck status")
		return 2
	}

	c, err := newClient(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	data, err := c.invoke(reqCtx, "get_service_status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	var st supervisor.Status
	if err := json.Unmarshal(data, &st); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}

	fmt.Println(renderStatus(st))
	return 0
}

func renderStatus(st supervisor.Status) string {
	state := string(st.State)
	switch st.State {
	case supervisor.StateRunning:
		state = colorize(state, styleOK)
	case supervisor.StateCrashed:
		state = colorize(state, styleBad)
	case supervisor.StateStarting, supervisor.StateStopping:
		state = colorize(state, styleWarn)
	default:
		state = colorize(state, styleDim)
	}

	out := fmt.Sprintf("gateway: %s", state)
	if st.PID > 0 {
		out += fmt.Sprintf("  pid=%d", st.PID)
	}
	if st.UptimeSeconds > 0 {
		out += fmt.Sprintf("  uptime=%s", (time.Duration(st.UptimeSeconds) * time.Second).String())
	}
	if st.ExitCode != nil {
		out += fmt.Sprintf("  exit=%d", *st.ExitCode)
	}
	if st.Orphan {
		out += "  " + colorize("(adopted from pid file)", styleDim)
	}
	return out
}
