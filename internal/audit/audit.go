// Package audit keeps an append-only record of configuration mutations and
// gateway lifecycle transitions in a local sqlite database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clawdeck/clawdeck/internal/telemetry"
)

// Event is one recorded occurrence.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Log is the sqlite-backed audit trail.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// DefaultPath places the database next to the console's other state.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, "console.db")
}

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db, logger: logger}
	if err := l.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,
	} {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one event. Detail is redacted before persistence.
func (l *Log) Record(ctx context.Context, kind, detail string) error {
	detail = telemetry.Redact(detail)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, detail, created_at) VALUES (?, ?, ?, ?);
	`, uuid.NewString(), kind, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Event is the best-effort form of Record used on hot paths: failures are
// logged, never propagated.
func (l *Log) Event(ctx context.Context, kind, detail string) {
	if err := l.Record(ctx, kind, detail); err != nil {
		l.logger.Warn("audit record failed", "kind", kind, "error", err)
	}
}

// Recent returns the newest events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, detail, created_at FROM events
		ORDER BY created_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
