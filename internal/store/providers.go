package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/clawdeck/clawdeck/internal/confdoc"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

// ModelSpec describes one model of a provider in the document's wire form.
type ModelSpec struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	API           string     `json:"api,omitempty"`
	Input         []string   `json:"input,omitempty"`
	ContextWindow uint32     `json:"contextWindow,omitempty"`
	MaxTokens     uint32     `json:"maxTokens,omitempty"`
	Reasoning     *bool      `json:"reasoning,omitempty"`
	Cost          *ModelCost `json:"cost,omitempty"`
}

// ModelCost is the per-token pricing block carried on each model.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// ProviderRequest is the save_provider payload.
type ProviderRequest struct {
	Name    string      `json:"providerName"`
	BaseURL string      `json:"baseUrl"`
	APIKey  string      `json:"apiKey,omitempty"`
	APIType string      `json:"apiType"`
	Models  []ModelSpec `json:"models"`
}

// ModelOverview is one configured model in the AI overview.
type ModelOverview struct {
	FullID        string `json:"fullId"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	APIType       string `json:"apiType,omitempty"`
	ContextWindow uint32 `json:"contextWindow,omitempty"`
	MaxTokens     uint32 `json:"maxTokens,omitempty"`
	IsPrimary     bool   `json:"isPrimary"`
}

// ProviderOverview is one configured provider with its API key masked.
type ProviderOverview struct {
	Name         string          `json:"name"`
	BaseURL      string          `json:"baseUrl"`
	APIKeyMasked string          `json:"apiKeyMasked,omitempty"`
	HasAPIKey    bool            `json:"hasApiKey"`
	Models       []ModelOverview `json:"models"`
}

// AIOverview summarizes the model configuration for the console.
type AIOverview struct {
	PrimaryModel    string             `json:"primaryModel,omitempty"`
	Providers       []ProviderOverview `json:"configuredProviders"`
	AvailableModels []string           `json:"availableModels"`
}

// AIConfig builds the provider/model overview from the resolved document.
// API keys never leave this function unmasked.
func (s *Store) AIConfig() (*AIOverview, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	doc := snap.Resolved

	overview := &AIOverview{
		PrimaryModel:    doc.Get("agents.defaults.model.primary").String(),
		AvailableModels: []string{},
		Providers:       []ProviderOverview{},
	}
	doc.Get("agents.defaults.models").ForEach(func(key, _ gjson.Result) bool {
		overview.AvailableModels = append(overview.AvailableModels, key.String())
		return true
	})
	sort.Strings(overview.AvailableModels)

	doc.Get("models.providers").ForEach(func(name, provider gjson.Result) bool {
		p := ProviderOverview{
			Name:    name.String(),
			BaseURL: provider.Get("baseUrl").String(),
			Models:  []ModelOverview{},
		}
		if key := provider.Get("apiKey"); key.Exists() {
			p.HasAPIKey = true
			p.APIKeyMasked = maskKey(key.String())
		}
		provider.Get("models").ForEach(func(_, m gjson.Result) bool {
			id := m.Get("id").String()
			if id == "" {
				return true
			}
			modelName := m.Get("name").String()
			if modelName == "" {
				modelName = id
			}
			fullID := p.Name + "/" + id
			p.Models = append(p.Models, ModelOverview{
				FullID:        fullID,
				ID:            id,
				Name:          modelName,
				APIType:       m.Get("api").String(),
				ContextWindow: uint32(m.Get("contextWindow").Uint()),
				MaxTokens:     uint32(m.Get("maxTokens").Uint()),
				IsPrimary:     fullID == overview.PrimaryModel,
			})
			return true
		})
		overview.Providers = append(overview.Providers, p)
		return true
	})
	sort.Slice(overview.Providers, func(i, j int) bool {
		return overview.Providers[i].Name < overview.Providers[j].Name
	})
	return overview, nil
}

func maskKey(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "****"
}

// SaveProvider upserts one provider. An empty APIKey keeps the key already
// stored in the document; the provider's models are mirrored into
// agents.defaults.models as "provider/id" entries.
func (s *Store) SaveProvider(ctx context.Context, req ProviderRequest) error {
	if req.Name == "" {
		return fmt.Errorf("provider name is empty")
	}

	return s.mutate(ctx, "save_provider", func(doc *confdoc.Document) error {
		providerPath := "models.providers." + confdoc.EscapePathKey(req.Name)

		apiKey := req.APIKey
		if apiKey == "" {
			apiKey = doc.Get(providerPath + ".apiKey").String()
		}

		models := make([]map[string]any, 0, len(req.Models))
		for _, m := range req.Models {
			models = append(models, modelWire(m, req.APIType))
		}
		provider := map[string]any{
			"baseUrl": req.BaseURL,
			"models":  models,
		}
		if apiKey != "" {
			provider["apiKey"] = apiKey
		}
		if err := doc.Set(providerPath, provider); err != nil {
			return err
		}

		for _, m := range req.Models {
			fullID := req.Name + "/" + m.ID
			path := "agents.defaults.models." + confdoc.EscapePathKey(fullID)
			if err := doc.SetRaw(path, []byte(`{}`)); err != nil {
				return err
			}
		}
		return nil
	}, otelpkg.AttrProvider.String(req.Name))
}

func modelWire(m ModelSpec, defaultAPI string) map[string]any {
	api := m.API
	if api == "" {
		api = defaultAPI
	}
	input := m.Input
	if len(input) == 0 {
		input = []string{"text"}
	}
	cost := ModelCost{}
	if m.Cost != nil {
		cost = *m.Cost
	}

	wire := map[string]any{
		"id":    m.ID,
		"name":  m.Name,
		"api":   api,
		"input": input,
		"cost":  cost,
	}
	if m.ContextWindow > 0 {
		wire["contextWindow"] = m.ContextWindow
	}
	if m.MaxTokens > 0 {
		wire["maxTokens"] = m.MaxTokens
	}
	if m.Reasoning != nil {
		wire["reasoning"] = *m.Reasoning
	}
	return wire
}

// DeleteProvider removes a provider, its mirrored model entries, and, when
// the primary model belonged to it, the primary model selection.
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	return s.mutate(ctx, "delete_provider", func(doc *confdoc.Document) error {
		if err := doc.Delete("models.providers." + confdoc.EscapePathKey(name)); err != nil {
			return err
		}

		prefix := name + "/"
		var stale []string
		doc.Get("agents.defaults.models").ForEach(func(key, _ gjson.Result) bool {
			if strings.HasPrefix(key.String(), prefix) {
				stale = append(stale, key.String())
			}
			return true
		})
		for _, id := range stale {
			if err := doc.Delete("agents.defaults.models." + confdoc.EscapePathKey(id)); err != nil {
				return err
			}
		}

		if primary := doc.Get("agents.defaults.model.primary").String(); strings.HasPrefix(primary, prefix) {
			if err := doc.Set("agents.defaults.model.primary", nil); err != nil {
				return err
			}
		}
		return nil
	}, otelpkg.AttrProvider.String(name))
}

// SetPrimaryModel selects the default model, as "provider/id".
func (s *Store) SetPrimaryModel(ctx context.Context, modelID string) error {
	return s.mutate(ctx, "set_primary_model", func(doc *confdoc.Document) error {
		return doc.Set("agents.defaults.model.primary", modelID)
	})
}

// AddAvailableModel registers a model id in agents.defaults.models.
func (s *Store) AddAvailableModel(ctx context.Context, modelID string) error {
	return s.mutate(ctx, "add_available_model", func(doc *confdoc.Document) error {
		return doc.SetRaw("agents.defaults.models."+confdoc.EscapePathKey(modelID), []byte(`{}`))
	})
}

// RemoveAvailableModel drops a model id from agents.defaults.models.
func (s *Store) RemoveAvailableModel(ctx context.Context, modelID string) error {
	return s.mutate(ctx, "remove_available_model", func(doc *confdoc.Document) error {
		return doc.Delete("agents.defaults.models." + confdoc.EscapePathKey(modelID))
	})
}
