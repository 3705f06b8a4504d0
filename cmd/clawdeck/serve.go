package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/clawdeck/clawdeck/internal/audit"
	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/console"
	"github.com/clawdeck/clawdeck/internal/cron"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
	"github.com/clawdeck/clawdeck/internal/store"
	"github.com/clawdeck/clawdeck/internal/supervisor"
	"github.com/clawdeck/clawdeck/internal/telemetry"
)

// runServe wires the daemon: store, supervisor, audit, scheduler, and the
// HTTP command surface. The gateway itself is left running across console
// restarts; the PID file reconciles it on the next start.
func runServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:  cfg.Telemetry.Exporter != "" && cfg.Telemetry.Exporter != "none",
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Version:  Version,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metric instruments init failed", "error", err)
		return 1
	}

	auditLog, err := audit.Open(audit.DefaultPath(cfg.HomeDir), logger)
	if err != nil {
		logger.Error("audit init failed", "error", err)
		return 1
	}
	defer auditLog.Close()

	st := store.New(store.PathsIn(cfg.HomeDir), logger,
		store.WithAuditor(auditLog),
		store.WithMetrics(metrics),
		store.WithBackupRetention(cfg.BackupRetention),
	)

	port, err := st.GatewayPort()
	if err != nil {
		logger.Error("gateway port unreadable", "error", err)
		return 1
	}

	logsDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		logger.Error("create logs dir failed", "error", err)
		return 1
	}
	sink, err := supervisor.NewRotatingFile(
		filepath.Join(logsDir, "gateway.log"),
		int64(cfg.Gateway.LogFileMaxMB)<<20,
	)
	if err != nil {
		logger.Error("gateway log sink init failed", "error", err)
		return 1
	}
	defer sink.Close()

	sup := supervisor.New(supervisor.Config{
		Command:      cfg.Gateway.Binary,
		Args:         append(append([]string{}, cfg.Gateway.Args...), "--port", strconv.Itoa(port)),
		Port:         port,
		PIDFile:      filepath.Join(cfg.HomeDir, "gateway.pid"),
		StartTimeout: time.Duration(cfg.Gateway.StartTimeoutSeconds) * time.Second,
		StopTimeout:  time.Duration(cfg.Gateway.StopTimeoutSeconds) * time.Second,
		Sink:         sink,
	}, logger, supervisor.WithAuditor(auditLog), supervisor.WithMetrics(metrics))

	// Invalidate-on-change keeps reads fresh when the document is hand-edited.
	changes, err := st.Watch(ctx)
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range changes {
				logger.Info("configuration changed on disk", "path", ev.Path, "op", ev.Op)
			}
		}()
	}

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	reconcileExpr := cfg.StatusReconcileCron
	if reconcileExpr == "" {
		reconcileExpr = "* * * * *"
	}
	if err := sched.Add(cron.Job{Name: "status-reconcile", Expr: reconcileExpr, Run: func(context.Context) error {
		// Status probes the recorded PID and clears stale PID files.
		sup.Status()
		return nil
	}}); err != nil {
		logger.Error("schedule status-reconcile failed", "error", err)
		return 1
	}
	pruneExpr := cfg.BackupPruneCron
	if pruneExpr == "" {
		pruneExpr = "0 3 * * *"
	}
	if err := sched.Add(cron.Job{Name: "backup-prune", Expr: pruneExpr, Run: func(context.Context) error {
		return st.PruneBackups()
	}}); err != nil {
		logger.Error("schedule backup-prune failed", "error", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := console.New(console.Config{
		Store:         st,
		Supervisor:    sup,
		GatewayBinary: cfg.Gateway.Binary,
		Version:       Version,
		AllowOrigins:  cfg.AllowOrigins,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Metrics:       metrics,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console listening", "addr", cfg.BindAddr, "version", Version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("console server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return 0
}
