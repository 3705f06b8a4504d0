// Package store owns the gateway's configuration state on disk: the
// openclaw.json document, the env file next to it, and timestamped backups.
// Reads hand out a resolved view with ${VAR} placeholders substituted;
// writes always start from the raw document so resolved secrets never reach
// the file.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clawdeck/clawdeck/internal/confdoc"
	"github.com/clawdeck/clawdeck/internal/envfile"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

const (
	configFileName = "openclaw.json"
	envFileName    = "env"
	backupsDirName = "backups"

	// DefaultGatewayPort is assumed when the document does not set one.
	DefaultGatewayPort = 18789

	defaultBackupRetention = 20
)

var tracer = otel.Tracer("clawdeck/internal/store")

// Paths locates the gateway home directory and the files inside it.
type Paths struct {
	Home    string
	Config  string
	Env     string
	Backups string
}

// DefaultPaths resolves the gateway home: $OPENCLAW_HOME when set, otherwise
// ~/.openclaw.
func DefaultPaths() (Paths, error) {
	home := os.Getenv("OPENCLAW_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".openclaw")
	}
	return PathsIn(home), nil
}

// PathsIn returns the standard file layout under an explicit home directory.
func PathsIn(home string) Paths {
	return Paths{
		Home:    home,
		Config:  filepath.Join(home, configFileName),
		Env:     filepath.Join(home, envFileName),
		Backups: filepath.Join(home, backupsDirName),
	}
}

// Auditor receives a record of every successful mutation. A nil Auditor
// disables recording.
type Auditor interface {
	Event(ctx context.Context, kind, detail string)
}

// Store serializes access to the configuration files. One writer at a time;
// reads are independent of writes except for the snapshot cache.
type Store struct {
	paths     Paths
	logger    *slog.Logger
	auditor   Auditor
	metrics   *otelpkg.Metrics
	retention int

	mu     sync.Mutex
	cached *Snapshot
}

// Option adjusts Store construction.
type Option func(*Store)

// WithAuditor records mutations to the given audit sink.
func WithAuditor(a Auditor) Option {
	return func(s *Store) { s.auditor = a }
}

// WithMetrics records write and prune counters to the given instruments.
func WithMetrics(m *otelpkg.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithBackupRetention bounds how many backup files are kept.
func WithBackupRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// New builds a Store over the given paths.
func New(paths Paths, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		paths:     paths,
		logger:    logger,
		retention: defaultBackupRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths returns the file layout the store operates on.
func (s *Store) Paths() Paths { return s.paths }

// Snapshot is one consistent read of the configuration. Raw carries the
// document as written on disk, placeholders included; Resolved carries the
// substituted view handed to readers.
type Snapshot struct {
	Raw      *confdoc.Document
	Resolved *confdoc.Document
}

// Load reads and resolves the configuration. A missing file is an empty
// document. Any unresolvable ${VAR} placeholder fails the whole load with
// *envfile.MissingVariableError.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	if s.cached != nil {
		snap := s.cached
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	snap, err := s.loadFresh()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = snap
	s.mu.Unlock()
	return snap, nil
}

func (s *Store) loadFresh() (*Snapshot, error) {
	raw, err := s.readRaw()
	if err != nil {
		return nil, err
	}

	resolver, err := envfile.NewResolver(s.paths.Env)
	if err != nil {
		return nil, err
	}
	resolved, err := confdoc.Resolve(raw, resolver.Expand)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Raw: raw, Resolved: resolved}, nil
}

func (s *Store) readRaw() (*confdoc.Document, error) {
	data, err := os.ReadFile(s.paths.Config)
	if err != nil {
		if os.IsNotExist(err) {
			return confdoc.New(), nil
		}
		return nil, fmt.Errorf("read %s: %w", s.paths.Config, err)
	}
	return confdoc.Parse(data)
}

// Invalidate drops the snapshot cache; the next Load rereads disk.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// mutate runs one write transaction: fresh raw read, one change, metadata
// stamp, shape validation, backup, atomic replace.
func (s *Store) mutate(ctx context.Context, op string, fn func(doc *confdoc.Document) error, attrs ...attribute.KeyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := otelpkg.StartSpan(ctx, tracer, "store."+op, attrs...)
	defer span.End()

	doc, err := s.readRaw()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := doc.Set("meta.lastTouchedAt", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := confdoc.ValidateShape(doc); err != nil {
		return err
	}
	if err := s.writeDocument(doc); err != nil {
		return err
	}

	s.cached = nil
	s.logger.Info("configuration updated", "op", op, "path", s.paths.Config)
	if s.metrics != nil {
		s.metrics.ConfigWrites.Add(ctx, 1)
	}
	if s.auditor != nil {
		s.auditor.Event(ctx, "config."+op, s.paths.Config)
	}
	return nil
}

// writeDocument persists the raw document: previous contents are copied to a
// timestamped backup first, then the new bytes land via temp file + fsync +
// rename so a crash never leaves a torn config.
func (s *Store) writeDocument(doc *confdoc.Document) error {
	if err := os.MkdirAll(s.paths.Home, 0o755); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	if err := s.backupCurrent(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.paths.Home, configFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(doc.Marshal()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.paths.Config); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// GetEnvValue reads one key from the env file.
func (s *Store) GetEnvValue(key string) (string, bool) {
	return envfile.Get(s.paths.Env, key)
}

// SaveEnvValue writes one key to the env file. The value itself is never
// logged.
func (s *Store) SaveEnvValue(ctx context.Context, key, value string) error {
	if err := os.MkdirAll(s.paths.Home, 0o755); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	if err := envfile.Set(s.paths.Env, key, value); err != nil {
		return err
	}
	s.Invalidate()
	s.logger.Info("env value updated", "key", key)
	if s.auditor != nil {
		s.auditor.Event(ctx, "env.set", key)
	}
	return nil
}

// GetConfig returns the resolved document, pretty-printed.
func (s *Store) GetConfig() ([]byte, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	return snap.Resolved.Marshal(), nil
}

// SaveConfig replaces the whole document with the given payload. Critical
// gateway fields (port, bind, trustedProxies, reload) survive a partial
// payload: when absent they are carried over from the document on disk.
func (s *Store) SaveConfig(ctx context.Context, payload []byte) error {
	incoming, err := confdoc.Parse(payload)
	if err != nil {
		return err
	}
	return s.mutate(ctx, "save_config", func(doc *confdoc.Document) error {
		mergeGatewayCriticalFields(incoming, doc)
		doc.ReplaceAll(incoming)
		return nil
	})
}

func mergeGatewayCriticalFields(target, source *confdoc.Document) {
	srcGateway := source.Get("gateway")
	if !srcGateway.IsObject() {
		return
	}
	for _, field := range []string{"port", "bind", "trustedProxies", "reload"} {
		if target.Get("gateway." + field).Exists() {
			continue
		}
		if v := srcGateway.Get(field); v.Exists() {
			_ = target.SetRaw("gateway."+field, []byte(v.Raw))
		}
	}
}

// EnsureGatewayToken returns gateway.auth.token, generating and persisting a
// fresh one when the document has none. The call is idempotent.
func (s *Store) EnsureGatewayToken(ctx context.Context) (string, error) {
	snap, err := s.Load()
	if err != nil {
		return "", err
	}
	if token := snap.Raw.Get("gateway.auth.token").String(); token != "" {
		return token, nil
	}

	token := newToken()
	err = s.mutate(ctx, "ensure_gateway_token", func(doc *confdoc.Document) error {
		// A concurrent writer may have raced us to it.
		if existing := doc.Get("gateway.auth.token").String(); existing != "" {
			token = existing
			return nil
		}
		if err := doc.Set("gateway.auth.token", token); err != nil {
			return err
		}
		if err := doc.Set("gateway.auth.mode", "token"); err != nil {
			return err
		}
		return doc.Set("gateway.mode", "local")
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func newToken() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return a + b
}

// GatewayPort returns the configured listen port, or the default.
func (s *Store) GatewayPort() (int, error) {
	snap, err := s.Load()
	if err != nil {
		return 0, err
	}
	if port := snap.Resolved.Get("gateway.port"); port.Exists() {
		return int(port.Int()), nil
	}
	return DefaultGatewayPort, nil
}

// DashboardURL returns the local dashboard address carrying the gateway
// token, creating the token on first use.
func (s *Store) DashboardURL(ctx context.Context) (string, error) {
	token, err := s.EnsureGatewayToken(ctx)
	if err != nil {
		return "", err
	}
	port, err := s.GatewayPort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d?token=%s", port, token), nil
}
