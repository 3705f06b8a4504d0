package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/store"
)

// runBackupsCommand lists retained snapshots or restores one. It works on
// the files directly, so it functions with or without a running daemon.
func runBackupsCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	st := store.New(store.PathsIn(cfg.HomeDir), nil, store.WithBackupRetention(cfg.BackupRetention))

	if len(args) > 0 {
		if args[0] != "rollback" || len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: clawdeck backups [rollback NAME]")
			return 2
		}
		name := args[1]
		if err := st.Rollback(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
			return 1
		}
		fmt.Printf("restored %s\n", name)
		return 0
	}

	backups, err := st.Backups()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backups: %v\n", err)
		return 1
	}
	if len(backups) == 0 {
		fmt.Println("no backups yet")
		return 0
	}
	for _, b := range backups {
		fmt.Printf("%s  %6d bytes  %s\n", b.Name, b.Size, colorize(b.CreatedAt.Format(time.RFC3339), styleDim))
	}
	return 0
}
