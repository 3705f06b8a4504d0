package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize applies the style only on interactive terminals, so piped output
// stays plain.
func colorize(s string, style lipgloss.Style) string {
	if !stdoutIsTTY() {
		return s
	}
	return style.Render(s)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Run the console daemon
  %s status                   Show console and gateway health
  %s start|stop|restart       Control the gateway process
  %s logs [-f] [-n N]         Print gateway logs, -f follows live
  %s doctor [-json]           Run diagnostic checks
  %s token                    Print the gateway dashboard token
  %s backups [rollback NAME]  List config backups or restore one

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  OPENCLAW_HOME           Data directory (default: ~/.openclaw)
  CLAWDECK_BIND_ADDR      Console listen address (default: 127.0.0.1:18790)
  CLAWDECK_LOG_LEVEL      Console log level (default: info)

EXAMPLES:
  Run the daemon:         %s serve
  Start the gateway:      %s start
  Follow gateway logs:    %s logs -f
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		os.Exit(runServe(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "start", "stop", "restart":
		os.Exit(runServiceCommand(ctx, args[0]))
	case "logs":
		os.Exit(runLogsCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "token":
		os.Exit(runTokenCommand(ctx))
	case "backups":
		os.Exit(runBackupsCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}
