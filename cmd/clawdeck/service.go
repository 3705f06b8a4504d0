package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/clawdeck/clawdeck/internal/supervisor"
)

// runServiceCommand maps start/stop/restart onto the daemon's invoke surface.
func runServiceCommand(ctx context.Context, action string) int {
	command := map[string]string{
		"start":   "start_service",
		"stop":    "stop_service",
		"restart": "restart_service",
	}[action]

	c, err := newClient(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	data, err := c.invoke(ctx, command, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
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
