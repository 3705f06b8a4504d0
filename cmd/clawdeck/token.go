package main

import (
	"context"
	"fmt"
	"os"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/store"
)

// runTokenCommand prints the dashboard token, creating it on first use.
func runTokenCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	st := store.New(store.PathsIn(cfg.HomeDir), nil)

	token, err := st.EnsureGatewayToken(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway token: %v\n", err)
		return 1
	}
	fmt.Println(token)

	if url, err := st.DashboardURL(ctx); err == nil && stdoutIsTTY() {
		fmt.Println(colorize("dashboard: "+url, styleDim))
	}
	return 0
}
