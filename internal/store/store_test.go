package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/clawdeck/clawdeck/internal/bindings"
	"github.com/clawdeck/clawdeck/internal/envfile"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
	"github.com/clawdeck/clawdeck/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(store.PathsIn(t.TempDir()), nil)
}

func writeConfig(t *testing.T, s *store.Store, content string) {
	t.Helper()
	if err := os.MkdirAll(s.Paths().Home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.Paths().Config, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	s.Invalidate()
}

func readConfig(t *testing.T, s *store.Store) string {
	t.Helper()
	data, err := os.ReadFile(s.Paths().Config)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	return string(data)
}

func TestLoad_MissingFileIsEmptyDocument(t *testing.T) {
	s := newStore(t)
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := string(snap.Raw.Bytes()); got != "{}" {
		t.Fatalf("raw = %s", got)
	}
}

func TestLoad_ResolvesPlaceholders(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"channels": {"telegram": {"botToken": "${TG_TOKEN}"}}}`)
	if err := envfile.Set(s.Paths().Env, "TG_TOKEN", "tg-secret"); err != nil {
		t.Fatalf("set env: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := snap.Resolved.Get("channels.telegram.botToken").String(); got != "tg-secret" {
		t.Errorf("resolved = %q", got)
	}
	if got := snap.Raw.Get("channels.telegram.botToken").String(); got != "${TG_TOKEN}" {
		t.Errorf("raw lost placeholder: %q", got)
	}
}

func TestLoad_MissingVariableFailsLoad(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"channels": {"telegram": {"botToken": "${NO_SUCH_VAR}"}}}`)

	_, err := s.Load()
	var missing *envfile.MissingVariableError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingVariableError, got %v", err)
	}
}

func TestMutations_NeverPersistResolvedSecrets(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"channels": {"telegram": {"botToken": "${TG_TOKEN}"}}}`)
	if err := envfile.Set(s.Paths().Env, "TG_TOKEN", "tg-secret"); err != nil {
		t.Fatalf("set env: %v", err)
	}

	if err := s.SetPrimaryModel(context.Background(), "openai/gpt-4.1"); err != nil {
		t.Fatalf("set primary model: %v", err)
	}

	onDisk := readConfig(t, s)
	if strings.Contains(onDisk, "tg-secret") {
		t.Fatalf("resolved secret written to disk: %s", onDisk)
	}
	if !strings.Contains(onDisk, "${TG_TOKEN}") {
		t.Fatalf("placeholder lost: %s", onDisk)
	}
	if !strings.Contains(onDisk, "lastTouchedAt") {
		t.Fatalf("meta stamp missing: %s", onDisk)
	}
}

func TestSaveConfig_MergesGatewayCriticalFields(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"gateway": {"port": 19000, "bind": "127.0.0.1", "trustedProxies": ["10.0.0.1"], "reload": {"mode": "hot"}}}`)

	// Partial payload without gateway network fields must not lose them.
	if err := s.SaveConfig(context.Background(), []byte(`{"gateway": {"auth": {"token": "t"}}, "agents": {"list": []}}`)); err != nil {
		t.Fatalf("save config: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := snap.Raw.Get("gateway.port").Int(); got != 19000 {
		t.Errorf("port lost: %d", got)
	}
	if got := snap.Raw.Get("gateway.bind").String(); got != "127.0.0.1" {
		t.Errorf("bind lost: %q", got)
	}
	if got := snap.Raw.Get("gateway.reload.mode").String(); got != "hot" {
		t.Errorf("reload lost: %q", got)
	}
	if got := snap.Raw.Get("gateway.auth.token").String(); got != "t" {
		t.Errorf("payload not applied: %q", got)
	}
}

func TestSaveConfig_PayloadPortWins(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"gateway": {"port": 19000}}`)

	if err := s.SaveConfig(context.Background(), []byte(`{"gateway": {"port": 20000}}`)); err != nil {
		t.Fatalf("save config: %v", err)
	}
	port, err := s.GatewayPort()
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	if port != 20000 {
		t.Fatalf("port = %d", port)
	}
}

func TestSaveAgentsList_RefusesDroppingReferencedAgent(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main", "research"]}, "bindings": {"telegram/default": "research"}}`)

	err := s.SaveAgentsList(context.Background(), []byte(`["main"]`))
	var verr *bindings.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The document on disk is unchanged.
	if !strings.Contains(readConfig(t, s), `"research"`) {
		t.Fatal("failed save still modified the file")
	}
}

func TestSaveAgentsList_PreservesUnknownAgentFields(t *testing.T) {
	s := newStore(t)
	payload := `["main",{"id":"research","sandbox":{"mode":"off"},"model":"opus"}]`
	if err := s.SaveAgentsList(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("save agents: %v", err)
	}

	list, err := s.AgentsList()
	if err != nil {
		t.Fatalf("agents list: %v", err)
	}
	if !strings.Contains(string(list), `"sandbox"`) {
		t.Fatalf("extra fields lost: %s", list)
	}
}

func TestSaveBindings_PreservesDocumentShape(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main", "research"]}, "bindings": {"telegram/default": "main"}}`)

	// Payload arrives in rules form; the document stays flat.
	payload := `[
		{"agentId": "main", "match": {"channel": "telegram", "accountId": "default"}},
		{"agentId": "research", "match": {"channel": "telegram", "accountId": "research"}}
	]`
	if err := s.SaveBindings(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("save bindings: %v", err)
	}

	raw, err := s.Bindings()
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("document no longer flat: %s", raw)
	}
	if flat["telegram/default"] != "main" || flat["telegram/research"] != "research" {
		t.Fatalf("unexpected table: %v", flat)
	}
}

func TestSaveBindings_DuplicatePairFailsAndLeavesFileUntouched(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main", "research"]}}`)
	before := readConfig(t, s)

	payload := `[
		{"agentId": "main", "match": {"channel": "telegram", "accountId": "default"}},
		{"agentId": "research", "match": {"channel": "telegram", "accountId": "default"}}
	]`
	err := s.SaveBindings(context.Background(), []byte(payload))
	var verr *bindings.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got := readConfig(t, s); got != before {
		t.Fatalf("failed save modified the file:\n%s", got)
	}
}

func TestSaveBindings_UnknownAgentRefused(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main"]}}`)

	err := s.SaveBindings(context.Background(), []byte(`{"telegram/default": "ghost"}`))
	if err == nil {
		t.Fatal("binding to unknown agent accepted")
	}
}

func TestSaveChannel_DivertsTestFieldsToEnv(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main"]}}`)
	if err := envfile.Set(s.Paths().Env, "TELEGRAM_BOT_TOKEN", "bot-secret"); err != nil {
		t.Fatalf("set env: %v", err)
	}

	err := s.SaveChannel(context.Background(), store.ChannelConfig{
		ID: "telegram",
		Config: map[string]json.RawMessage{
			"botToken": json.RawMessage(`"${TELEGRAM_BOT_TOKEN}"`),
			"userId":   json.RawMessage(`"12345"`),
		},
		Accounts: map[string]json.RawMessage{
			"default": json.RawMessage(`{"agentId": "main"}`),
		},
	})
	if err != nil {
		t.Fatalf("save channel: %v", err)
	}

	onDisk := readConfig(t, s)
	if strings.Contains(onDisk, "12345") {
		t.Errorf("test-only field written to config: %s", onDisk)
	}
	if v, ok := envfile.Get(s.Paths().Env, "OPENCLAW_TELEGRAM_USERID"); !ok || v != "12345" {
		t.Errorf("env diversion missing: %q %v", v, ok)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Raw.Get("channels.telegram.enabled").Bool() {
		t.Error("channel not enabled")
	}
	if got := snap.Raw.Get("plugins.entries.telegram.enabled").Bool(); !got {
		t.Error("plugin entry not synced")
	}
	var foundAllow bool
	for _, v := range snap.Raw.Get("plugins.allow").Array() {
		if v.String() == "telegram" {
			foundAllow = true
		}
	}
	if !foundAllow {
		t.Error("plugins.allow not synced")
	}
	table := bindings.ParseTable(snap.Raw.Get("bindings"))
	if got, _ := table.Get(bindings.Key{Channel: "telegram", AccountID: "default"}); got != "main" {
		t.Errorf("binding row not written: %q", got)
	}
}

func TestChannelsConfig_MergesEnvAndBindings(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{
		"channels": {"telegram": {"enabled": true, "botToken": "x"}},
		"bindings": {"telegram/default": "main"}
	}`)
	if err := envfile.Set(s.Paths().Env, "OPENCLAW_TELEGRAM_USERID", "42"); err != nil {
		t.Fatalf("set env: %v", err)
	}

	channels, err := s.ChannelsConfig()
	if err != nil {
		t.Fatalf("channels config: %v", err)
	}

	var telegram *store.ChannelConfig
	for i := range channels {
		if channels[i].ID == "telegram" {
			telegram = &channels[i]
		}
	}
	if telegram == nil {
		t.Fatal("telegram channel missing from overview")
	}
	if !telegram.Enabled {
		t.Error("telegram not marked enabled")
	}
	if string(telegram.Config["userId"]) != `"42"` {
		t.Errorf("env test field not merged: %s", telegram.Config["userId"])
	}
	var account struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(telegram.Accounts["default"], &account); err != nil || account.AgentID != "main" {
		t.Errorf("binding-derived agentId missing: %s", telegram.Accounts["default"])
	}
}

func TestClearChannel_RemovesEverything(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"agents": {"list": ["main"]}}`)

	ctx := context.Background()
	err := s.SaveChannel(ctx, store.ChannelConfig{
		ID: "telegram",
		Config: map[string]json.RawMessage{
			"botToken": json.RawMessage(`"x"`),
			"userId":   json.RawMessage(`"12345"`),
		},
		Accounts: map[string]json.RawMessage{
			"default": json.RawMessage(`{"agentId": "main"}`),
		},
	})
	if err != nil {
		t.Fatalf("save channel: %v", err)
	}

	if err := s.ClearChannel(ctx, "telegram"); err != nil {
		t.Fatalf("clear channel: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Raw.Get("channels.telegram").Exists() {
		t.Error("channel config still present")
	}
	if snap.Raw.Get("plugins.entries.telegram").Exists() {
		t.Error("plugin entry still present")
	}
	for _, v := range snap.Raw.Get("plugins.allow").Array() {
		if v.String() == "telegram" {
			t.Error("allow list still contains channel")
		}
	}
	if bindings.ParseTable(snap.Raw.Get("bindings")).Len() != 0 {
		t.Error("binding rows still present")
	}
	if _, ok := envfile.Get(s.Paths().Env, "OPENCLAW_TELEGRAM_USERID"); ok {
		t.Error("env test value still present")
	}
}

func TestSaveProvider_KeepsExistingKeyWhenEmpty(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.SaveProvider(ctx, store.ProviderRequest{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  "sk-original",
		APIType: "openai-completions",
		Models:  []store.ModelSpec{{ID: "gpt-4.1", Name: "GPT-4.1"}},
	})
	if err != nil {
		t.Fatalf("save provider: %v", err)
	}

	// Second save without a key keeps the stored one.
	err = s.SaveProvider(ctx, store.ProviderRequest{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v2",
		APIType: "openai-completions",
		Models:  []store.ModelSpec{{ID: "gpt-4.1", Name: "GPT-4.1"}},
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := snap.Raw.Get("models.providers.openai.apiKey").String(); got != "sk-original" {
		t.Errorf("apiKey = %q", got)
	}
	if got := snap.Raw.Get("models.providers.openai.baseUrl").String(); got != "https://api.openai.com/v2" {
		t.Errorf("baseUrl = %q", got)
	}
	// Models mirrored into the available list under provider/id.
	if !snap.Raw.Get(`agents.defaults.models.openai/gpt-4\.1`).Exists() {
		t.Errorf("model not mirrored: %s", snap.Raw.Bytes())
	}
}

func TestDeleteProvider_Cascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.SaveProvider(ctx, store.ProviderRequest{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  "sk-x",
		APIType: "openai-completions",
		Models:  []store.ModelSpec{{ID: "gpt-4.1", Name: "GPT-4.1"}},
	})
	if err != nil {
		t.Fatalf("save provider: %v", err)
	}
	if err := s.SetPrimaryModel(ctx, "openai/gpt-4.1"); err != nil {
		t.Fatalf("set primary: %v", err)
	}

	if err := s.DeleteProvider(ctx, "openai"); err != nil {
		t.Fatalf("delete provider: %v", err)
	}

	overview, err := s.AIConfig()
	if err != nil {
		t.Fatalf("ai config: %v", err)
	}
	if len(overview.Providers) != 0 {
		t.Errorf("provider survived delete: %v", overview.Providers)
	}
	if len(overview.AvailableModels) != 0 {
		t.Errorf("mirrored models survived delete: %v", overview.AvailableModels)
	}
	if overview.PrimaryModel != "" {
		t.Errorf("primary model survived delete: %q", overview.PrimaryModel)
	}
}

func TestAIConfig_MasksKeys(t *testing.T) {
	s := newStore(t)
	err := s.SaveProvider(context.Background(), store.ProviderRequest{
		Name:    "anthropic",
		BaseURL: "https://api.anthropic.com",
		APIKey:  "sk-ant-very-long-key-1234",
		APIType: "anthropic-messages",
		Models:  []store.ModelSpec{{ID: "opus", Name: "Opus"}},
	})
	if err != nil {
		t.Fatalf("save provider: %v", err)
	}

	overview, err := s.AIConfig()
	if err != nil {
		t.Fatalf("ai config: %v", err)
	}
	p := overview.Providers[0]
	if !p.HasAPIKey {
		t.Fatal("hasApiKey = false")
	}
	if strings.Contains(p.APIKeyMasked, "very-long") {
		t.Fatalf("key leaked through mask: %q", p.APIKeyMasked)
	}
	if p.APIKeyMasked != "sk-a...1234" {
		t.Fatalf("mask = %q", p.APIKeyMasked)
	}
}

func TestEnsureGatewayToken_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.EnsureGatewayToken(ctx)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first == "" {
		t.Fatal("empty token")
	}
	second, err := s.EnsureGatewayToken(ctx)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("token changed: %q then %q", first, second)
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := snap.Raw.Get("gateway.auth.mode").String(); got != "token" {
		t.Errorf("auth mode = %q", got)
	}
}

func TestDashboardURL(t *testing.T) {
	s := newStore(t)
	writeConfig(t, s, `{"gateway": {"port": 19999, "auth": {"token": "tok"}}}`)

	url, err := s.DashboardURL(context.Background())
	if err != nil {
		t.Fatalf("dashboard url: %v", err)
	}
	if url != "http://localhost:19999?token=tok" {
		t.Fatalf("url = %q", url)
	}
}

func TestBackups_CreatedOnWriteAndRollbackRestores(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	writeConfig(t, s, `{"agents": {"list": ["main"]}}`)
	original := readConfig(t, s)

	if err := s.SetPrimaryModel(ctx, "openai/gpt-4.1"); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	backups, err := s.Backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}

	if err := s.Rollback(ctx, backups[0].Name); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := readConfig(t, s); got != original {
		t.Fatalf("rollback did not restore bytes:\n%s", got)
	}
}

func TestRollback_RejectsBadNames(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"../evil.json", "/etc/passwd", "notabackup.json"} {
		if err := s.Rollback(context.Background(), name); err == nil {
			t.Errorf("rollback %q accepted", name)
		}
	}
}

func TestBackupRetention(t *testing.T) {
	s := store.New(store.PathsIn(t.TempDir()), nil, store.WithBackupRetention(3))
	ctx := context.Background()
	writeConfig(t, s, `{}`)

	for i := 0; i < 6; i++ {
		if err := s.AddAvailableModel(ctx, "m"); err != nil {
			t.Fatalf("mutate %d: %v", i, err)
		}
	}

	backups, err := s.Backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("retained = %d, want 3", len(backups))
	}
}

func TestSaveEnvValue(t *testing.T) {
	s := newStore(t)
	if err := s.SaveEnvValue(context.Background(), "OPENAI_API_KEY", "sk-test"); err != nil {
		t.Fatalf("save env value: %v", err)
	}
	if v, ok := s.GetEnvValue("OPENAI_API_KEY"); !ok || v != "sk-test" {
		t.Fatalf("get env value: %q %v", v, ok)
	}
}

func TestInvalidConfigWriteRejected(t *testing.T) {
	s := newStore(t)
	err := s.SaveConfig(context.Background(), []byte(`{"gateway": {"port": "not-a-number"}}`))
	if err == nil {
		t.Fatal("malformed gateway.port accepted")
	}
	if _, statErr := os.Stat(s.Paths().Config); !os.IsNotExist(statErr) {
		t.Fatal("rejected write still created the file")
	}
}

func TestMutationsRecordWriteMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := otelpkg.NewMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}
	s := store.New(store.PathsIn(t.TempDir()), nil, store.WithMetrics(m))

	if err := s.SetPrimaryModel(context.Background(), "openai/gpt-4o"); err != nil {
		t.Fatalf("set primary model: %v", err)
	}
	if err := s.SaveEnvValue(context.Background(), "KEY", "value"); err != nil {
		t.Fatalf("save env value: %v", err)
	}

	// Env writes bypass the document write path; only the document
	// mutation counts.
	if got := counterValue(t, reader, "clawdeck.config.writes"); got != 1 {
		t.Fatalf("config writes = %d, want 1", got)
	}
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mtr := range sm.Metrics {
			if mtr.Name != name {
				continue
			}
			sum, ok := mtr.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return 0
}
