package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/clawdeck/clawdeck/internal/bindings"
	"github.com/clawdeck/clawdeck/internal/confdoc"
	"github.com/clawdeck/clawdeck/internal/envfile"
	otelpkg "github.com/clawdeck/clawdeck/internal/otel"
)

// channelType describes one supported messaging channel and the fields that
// are test-only: those never land in openclaw.json, they are diverted to the
// env file as OPENCLAW_<CHANNEL>_<FIELD>.
type channelType struct {
	id         string
	testFields []string
}

var channelTypes = []channelType{
	{"telegram", []string{"userId"}},
	{"discord", []string{"testChannelId"}},
	{"slack", []string{"testChannelId"}},
	{"feishu", []string{"testChatId"}},
	{"whatsapp", nil},
	{"imessage", nil},
	{"wechat", nil},
	{"dingtalk", nil},
}

// testOnlyFields is the union of per-channel test fields; any of them in a
// save payload is diverted to the env file regardless of channel.
var testOnlyFields = []string{"userId", "testChatId", "testChannelId"}

func testEnvKey(channelID, field string) string {
	return fmt.Sprintf("OPENCLAW_%s_%s", strings.ToUpper(channelID), strings.ToUpper(field))
}

// ChannelConfig is the merged per-channel view: document fields, env-diverted
// test fields, and accounts annotated with their routed agent.
type ChannelConfig struct {
	ID       string                     `json:"id"`
	Enabled  bool                       `json:"enabled"`
	Config   map[string]json.RawMessage `json:"config"`
	Accounts map[string]json.RawMessage `json:"accounts,omitempty"`
}

// ChannelsConfig returns every supported channel with its configuration
// merged from the document, the routing table, and the env file. The routing
// table is authoritative for each account's agentId.
func (s *Store) ChannelsConfig() ([]ChannelConfig, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	table := bindings.ParseTable(snap.Resolved.Get("bindings"))

	out := make([]ChannelConfig, 0, len(channelTypes))
	for _, ct := range channelTypes {
		node := snap.Resolved.Get("channels." + confdoc.EscapePathKey(ct.id))

		accounts := make(map[string]json.RawMessage)
		node.Get("accounts").ForEach(func(key, value gjson.Result) bool {
			accounts[key.String()] = json.RawMessage(value.Raw)
			return true
		})
		for account, agentID := range table.ChannelAccounts(ct.id) {
			entry := accounts[account]
			if entry == nil {
				entry = json.RawMessage(`{}`)
			}
			annotated, err := sjson.SetBytes(entry, "agentId", agentID)
			if err != nil {
				continue
			}
			accounts[account] = annotated
		}

		config := make(map[string]json.RawMessage)
		node.ForEach(func(key, value gjson.Result) bool {
			if k := key.String(); k != "enabled" && k != "accounts" {
				config[k] = json.RawMessage(value.Raw)
			}
			return true
		})
		for _, field := range ct.testFields {
			if v, ok := envfile.Get(s.paths.Env, testEnvKey(ct.id, field)); ok {
				quoted, _ := json.Marshal(v)
				config[field] = quoted
			}
		}

		enabled := node.Get("enabled").Bool()
		configured := len(config) > 0 || enabled || len(accounts) > 0

		cc := ChannelConfig{ID: ct.id, Enabled: configured, Config: config}
		if len(accounts) > 0 {
			cc.Accounts = accounts
		}
		out = append(out, cc)
	}
	return out, nil
}

// SaveChannel writes one channel's configuration: regular fields into the
// document, test-only fields into the env file, the channel into the plugin
// allow list, and its account-to-agent rows into the routing table.
func (s *Store) SaveChannel(ctx context.Context, ch ChannelConfig) error {
	if ch.ID == "" {
		return &bindings.ValidationError{Field: "channel.id", Message: "channel id is empty"}
	}

	return s.mutate(ctx, "save_channel_config", func(doc *confdoc.Document) error {
		chPath := "channels." + confdoc.EscapePathKey(ch.ID)
		existingAccounts := doc.Get(chPath + ".accounts")
		if err := doc.SetRaw(chPath, []byte(`{"enabled":true}`)); err != nil {
			return err
		}

		for key, value := range ch.Config {
			if isTestOnlyField(key) {
				var str string
				if err := json.Unmarshal(value, &str); err == nil {
					if err := envfile.Set(s.paths.Env, testEnvKey(ch.ID, key), str); err != nil {
						return err
					}
				}
				continue
			}
			if err := doc.SetRaw(chPath+"."+confdoc.EscapePathKey(key), value); err != nil {
				return err
			}
		}

		// Incoming accounts replace the stored ones; an absent map keeps
		// what the document already had.
		switch {
		case len(ch.Accounts) > 0:
			for account, raw := range ch.Accounts {
				path := chPath + ".accounts." + confdoc.EscapePathKey(account)
				if err := doc.SetRaw(path, raw); err != nil {
					return err
				}
			}
		case existingAccounts.IsObject():
			if err := doc.SetRaw(chPath+".accounts", []byte(existingAccounts.Raw)); err != nil {
				return err
			}
		}

		if err := syncPluginEntries(doc, ch.ID); err != nil {
			return err
		}

		table := bindings.ParseTable(doc.Get("bindings"))
		table.ReplaceChannel(ch.ID, channelAgentRows(ch.Accounts))
		return writeTable(doc, table)
	}, otelpkg.AttrChannel.String(ch.ID))
}

// channelAgentRows extracts non-empty agentId values from account payloads.
func channelAgentRows(accounts map[string]json.RawMessage) map[string]string {
	rows := make(map[string]string)
	for account, raw := range accounts {
		var probe struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if strings.TrimSpace(probe.AgentID) != "" {
			rows[account] = probe.AgentID
		}
	}
	return rows
}

// syncPluginEntries keeps plugins.allow and plugins.entries consistent with
// an enabled channel, dropping blank allow-list entries along the way.
func syncPluginEntries(doc *confdoc.Document, channelID string) error {
	allow := []string{}
	seen := map[string]bool{}
	doc.Get("plugins.allow").ForEach(func(_, v gjson.Result) bool {
		id := strings.TrimSpace(v.String())
		if id != "" && !seen[id] {
			allow = append(allow, id)
			seen[id] = true
		}
		return true
	})
	if !seen[channelID] {
		allow = append(allow, channelID)
	}
	if err := doc.Set("plugins.allow", allow); err != nil {
		return err
	}
	entryPath := "plugins.entries." + confdoc.EscapePathKey(channelID)
	return doc.SetRaw(entryPath, []byte(`{"enabled":true}`))
}

// ClearChannel removes a channel's document config, plugin entries, routing
// rows, and env-diverted test values.
func (s *Store) ClearChannel(ctx context.Context, channelID string) error {
	return s.mutate(ctx, "clear_channel_config", func(doc *confdoc.Document) error {
		escaped := confdoc.EscapePathKey(channelID)
		if err := doc.Delete("channels." + escaped); err != nil {
			return err
		}
		if err := doc.Delete("plugins.entries." + escaped); err != nil {
			return err
		}

		allow := []string{}
		doc.Get("plugins.allow").ForEach(func(_, v gjson.Result) bool {
			if id := v.String(); id != channelID {
				allow = append(allow, id)
			}
			return true
		})
		if doc.Get("plugins.allow").Exists() {
			if err := doc.Set("plugins.allow", allow); err != nil {
				return err
			}
		}

		table := bindings.ParseTable(doc.Get("bindings"))
		table.DeleteChannel(channelID)
		if err := writeTable(doc, table); err != nil {
			return err
		}

		for _, field := range testOnlyFields {
			if err := envfile.Remove(s.paths.Env, testEnvKey(channelID, field)); err != nil {
				return err
			}
		}
		return nil
	}, otelpkg.AttrChannel.String(channelID))
}

func isTestOnlyField(key string) bool {
	for _, f := range testOnlyFields {
		if f == key {
			return true
		}
	}
	return false
}
