package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/clawdeck/clawdeck/internal/bindings"
	"github.com/clawdeck/clawdeck/internal/confdoc"
	"github.com/clawdeck/clawdeck/internal/doctor"
	"github.com/clawdeck/clawdeck/internal/envfile"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
	"github.com/clawdeck/clawdeck/internal/store"
	"github.com/clawdeck/clawdeck/internal/supervisor"
)

type invokeRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errorBody{Kind: "bad_request", Message: "POST required"})
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: fmt.Sprintf("invalid invoke payload: %v", err)})
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: "command is required"})
		return
	}

	ctx, span := otelpkg.StartServerSpan(r.Context(), tracer, "console.invoke",
		otelpkg.AttrCommand.String(req.Command))
	defer span.End()

	start := time.Now()
	data, err := s.dispatch(ctx, req.Command, req.Args)
	if m := s.cfg.Metrics; m != nil {
		m.InvokeDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelpkg.AttrCommand.String(req.Command)))
	}
	if err != nil {
		status, body := classify(err)
		span.RecordError(err)
		if m := s.cfg.Metrics; m != nil {
			m.InvokeErrors.Add(ctx, 1,
				metric.WithAttributes(otelpkg.AttrCommand.String(req.Command)))
		}
		s.logger.Warn("invoke failed", "command", req.Command, "kind", body.Kind, "error", err)
		writeError(w, status, body)
		return
	}

	s.logger.Debug("invoke ok", "command", req.Command)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

var errUnknownCommand = errors.New("unknown command")

func (s *Server) dispatch(ctx context.Context, command string, args json.RawMessage) (any, error) {
	st := s.cfg.Store

	switch command {
	case "get_config":
		raw, err := st.GetConfig()
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil

	case "save_config":
		var a struct {
			Config json.RawMessage `json:"config"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveConfig(ctx, a.Config)

	case "get_agents_list":
		raw, err := st.AgentsList()
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil

	case "save_agents_list":
		var a struct {
			Agents json.RawMessage `json:"agents"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveAgentsList(ctx, a.Agents)

	case "get_bindings":
		raw, err := st.Bindings()
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil

	case "save_bindings":
		var a struct {
			Bindings json.RawMessage `json:"bindings"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveBindings(ctx, a.Bindings)

	case "get_channels_config":
		channels, err := st.ChannelsConfig()
		if err != nil {
			return nil, err
		}
		return map[string]any{"channels": channels}, nil

	case "save_channel_config":
		var a store.ChannelConfig
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveChannel(ctx, a)

	case "clear_channel_config":
		var a struct {
			Channel string `json:"channel"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.ClearChannel(ctx, a.Channel)

	case "get_env_value":
		var a struct {
			Key string `json:"key"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		value, ok := st.GetEnvValue(a.Key)
		return map[string]any{"key": a.Key, "value": value, "set": ok}, nil

	case "save_env_value":
		var a struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveEnvValue(ctx, a.Key, a.Value)

	case "set_primary_model":
		var a struct {
			Model string `json:"model"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SetPrimaryModel(ctx, a.Model)

	case "add_available_model":
		var a struct {
			Model string `json:"model"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.AddAvailableModel(ctx, a.Model)

	case "remove_available_model":
		var a struct {
			Model string `json:"model"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.RemoveAvailableModel(ctx, a.Model)

	case "save_provider":
		var a store.ProviderRequest
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.SaveProvider(ctx, a)

	case "delete_provider":
		var a struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.DeleteProvider(ctx, a.Name)

	case "get_ai_config":
		return st.AIConfig()

	case "get_or_create_gateway_token":
		token, err := st.EnsureGatewayToken(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": token}, nil

	case "get_dashboard_url":
		url, err := st.DashboardURL(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"url": url}, nil

	case "list_config_backups":
		backups, err := st.Backups()
		if err != nil {
			return nil, err
		}
		return map[string]any{"backups": backups}, nil

	case "rollback_config":
		var a struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		return nil, st.Rollback(ctx, a.Name)

	case "start_service":
		if err := s.cfg.Supervisor.Start(ctx); err != nil {
			return nil, err
		}
		return s.cfg.Supervisor.Status(), nil

	case "stop_service":
		if err := s.cfg.Supervisor.Stop(ctx); err != nil {
			return nil, err
		}
		return s.cfg.Supervisor.Status(), nil

	case "restart_service":
		if err := s.cfg.Supervisor.Restart(ctx); err != nil {
			return nil, err
		}
		return s.cfg.Supervisor.Status(), nil

	case "get_service_status":
		return s.cfg.Supervisor.Status(), nil

	case "get_logs":
		var a struct {
			Lines int `json:"lines"`
		}
		if len(args) > 0 {
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
		}
		if a.Lines <= 0 {
			a.Lines = 200
		}
		lines := s.cfg.Supervisor.TailLogs(a.Lines)
		if lines == nil {
			lines = []string{}
		}
		return map[string]any{"lines": lines}, nil

	case "run_doctor":
		return doctor.Run(ctx, doctor.Params{
			Store:         st,
			GatewayBinary: s.cfg.GatewayBinary,
			Version:       s.cfg.Version,
		}), nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, command)
	}
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return &argsError{message: "args are required for this command"}
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return &argsError{message: fmt.Sprintf("invalid args: %v", err)}
	}
	return nil
}

type argsError struct {
	message string
}

func (e *argsError) Error() string { return e.message }

// classify maps the error taxonomy onto the wire envelope.
func classify(err error) (int, errorBody) {
	var (
		parseErr    *confdoc.ParseError
		missingVar  *envfile.MissingVariableError
		validation  *bindings.ValidationError
		spawnErr    *supervisor.SpawnError
		termination *supervisor.TerminationError
		badArgs     *argsError
	)

	switch {
	case errors.Is(err, errUnknownCommand):
		return http.StatusNotFound, errorBody{Kind: "unknown_command", Message: err.Error()}
	case errors.As(err, &badArgs):
		return http.StatusBadRequest, errorBody{Kind: "bad_request", Message: badArgs.message}
	case errors.As(err, &parseErr):
		return http.StatusBadRequest, errorBody{Kind: "parse", Message: parseErr.Error()}
	case errors.As(err, &missingVar):
		return http.StatusBadRequest, errorBody{Kind: "missing_variable", Message: missingVar.Error()}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Kind: "validation", Message: validation.Message, Field: validation.Field}
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway, errorBody{Kind: "process_spawn", Message: spawnErr.Error()}
	case errors.As(err, &termination):
		return http.StatusBadGateway, errorBody{Kind: "process_termination", Message: termination.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()}
	}
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: &body})
}
