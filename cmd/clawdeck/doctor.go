package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/doctor"
	"github.com/clawdeck/clawdeck/internal/store"
)

// runDoctorCommand runs the checks locally; it does not need the daemon.
func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	st := store.New(store.PathsIn(cfg.HomeDir), nil)

	diag := doctor.Run(ctx, doctor.Params{
		Store:         st,
		GatewayBinary: cfg.Gateway.Binary,
		Version:       Version,
	})

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		if diag.Healthy() {
			return 0
		}
		return 1
	}

	fmt.Printf("Clawdeck Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		fmt.Printf("%s %-15s: %s\n", renderCheckStatus(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", colorize(res.Detail, styleDim))
		}
	}

	if diag.Healthy() {
		return 0
	}
	return 1
}

func renderCheckStatus(status string) string {
	switch status {
	case "PASS":
		return colorize("PASS", styleOK)
	case "FAIL":
		return colorize("FAIL", styleBad)
	case "WARN":
		return colorize("WARN", styleWarn)
	default:
		return colorize(status, styleDim)
	}
}
