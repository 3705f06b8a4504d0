// Package console exposes the management command surface over local HTTP:
// one invoke endpoint dispatching named commands against the configuration
// store and the process supervisor, plus a websocket log stream.
package console

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"

	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
	"github.com/clawdeck/clawdeck/internal/store"
	"github.com/clawdeck/clawdeck/internal/supervisor"
)

var tracer = otel.Tracer("clawdeck/internal/console")

// Config wires the server to its collaborators.
type Config struct {
	Store      *store.Store
	Supervisor *supervisor.Supervisor

	// GatewayBinary is the executable name doctor checks resolve on PATH.
	GatewayBinary string
	Version       string

	// AllowOrigins lists origins permitted for CORS and cross-origin
	// websocket upgrades. Empty means same-origin only.
	AllowOrigins []string

	// MaxBodyBytes caps invoke payload size. Zero applies a 10MB default.
	MaxBodyBytes int64

	// Token overrides the default token source (the store's gateway token).
	Token TokenSource

	// Metrics records invoke counters when set.
	Metrics *otelpkg.Metrics
}

// Server is the HTTP command surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	token  TokenSource
}

// New builds a Server. The token source defaults to the store's persisted
// gateway token, created on first use.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	token := cfg.Token
	if token == nil {
		token = cfg.Store.EnsureGatewayToken
	}
	return &Server{cfg: cfg, logger: logger, token: token}
}

// Handler assembles the route table with auth, CORS, and size limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/invoke", s.handleInvoke)
	mux.HandleFunc("/ws/logs", s.handleLogsWS)

	var h http.Handler = mux
	h = authMiddleware(s.token)(h)
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	h = sizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Supervisor.Status()

	configOK := true
	if _, err := s.cfg.Store.Load(); err != nil {
		configOK = false
	}

	payload := map[string]any{
		"healthy":   true,
		"version":   s.cfg.Version,
		"config_ok": configOK,
		"gateway":   st.State,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
