package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/store"
)

// client talks to a running console daemon. The token comes from the local
// store, so CLI commands work without any separate credential handling.
type client struct {
	baseURL string
	token   string
}

func newClient(ctx context.Context) (*client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	st := store.New(store.PathsIn(cfg.HomeDir), nil)
	token, err := st.EnsureGatewayToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway token: %w", err)
	}
	return &client{
		baseURL: "http://" + cfg.BindAddr,
		token:   token,
	}, nil
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *wireError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// invoke posts one command to the daemon and returns its data payload.
func (c *client) invoke(ctx context.Context, command string, args any) (json.RawMessage, error) {
	payload := map[string]any{"command": command}
	if args != nil {
		payload["args"] = args
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("console unreachable at %s (is `clawdeck serve` running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *wireError      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		if out.Error != nil {
			return nil, out.Error
		}
		return nil, fmt.Errorf("command %s failed with status %d", command, resp.StatusCode)
	}
	return out.Data, nil
}
