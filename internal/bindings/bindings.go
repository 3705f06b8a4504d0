// Package bindings normalizes the gateway's channel-to-agent routing table.
// The wire format has grown three shapes over time: the official array of
// rule objects, a flat "channel/account" map, and a nested channel → account
// map. All three normalize into one canonical table; writes re-emit the shape
// the document already used so hand-edited files keep their layout.
package bindings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Shape identifies the wire layout of the bindings subtree.
type Shape int

const (
	// ShapeRules is the official array form:
	// [{"agentId": "main", "match": {"channel": "telegram", "accountId": "default"}}]
	ShapeRules Shape = iota
	// ShapeFlat is the flat map form: {"telegram/default": "main"}
	ShapeFlat
	// ShapeNested is the grouped form: {"telegram": {"default": "main"}}
	ShapeNested
)

func (s Shape) String() string {
	switch s {
	case ShapeRules:
		return "rules"
	case ShapeFlat:
		return "flat"
	case ShapeNested:
		return "nested"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Key addresses one routing slot.
type Key struct {
	Channel   string
	AccountID string
}

// Rule is one normalized routing row.
type Rule struct {
	Channel   string
	AccountID string
	AgentID   string
}

// Table is the canonical routing table plus the shape it was read in, so a
// write-back can preserve the document's layout.
type Table struct {
	shape Shape
	rules map[Key]string

	// duplicates records pairs that appeared more than once in the source,
	// in input order. Parsing resolves them last-writer-wins; validation
	// reports them.
	duplicates []Rule
}

// NewTable returns an empty table in the given shape.
func NewTable(shape Shape) *Table {
	return &Table{shape: shape, rules: make(map[Key]string)}
}

// ParseTable normalizes a bindings subtree. Missing, null, or unrecognized
// input yields an empty table in the default (rules) shape; individually
// malformed entries are skipped rather than failing the whole read.
func ParseTable(v gjson.Result) *Table {
	switch {
	case v.IsArray():
		t := NewTable(ShapeRules)
		v.ForEach(func(_, item gjson.Result) bool {
			agentID := item.Get("agentId")
			channel := item.Get("match.channel")
			accountID := item.Get("match.accountId")
			if agentID.Type != gjson.String || channel.Type != gjson.String || accountID.Type != gjson.String {
				return true
			}
			t.insert(Key{channel.String(), accountID.String()}, agentID.String())
			return true
		})
		return t

	case v.IsObject():
		t := NewTable(detectObjectShape(v))
		v.ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String {
				if k, ok := splitFlatKey(key.String()); ok {
					t.insert(k, value.String())
				}
				return true
			}
			if value.IsObject() {
				channel := key.String()
				value.ForEach(func(account, nested gjson.Result) bool {
					switch {
					case nested.Type == gjson.String:
						t.insert(Key{channel, account.String()}, nested.String())
					case nested.IsObject():
						if agent := nested.Get("agentId"); agent.Type == gjson.String {
							t.insert(Key{channel, account.String()}, agent.String())
						}
					}
					return true
				})
			}
			return true
		})
		return t

	default:
		return NewTable(ShapeRules)
	}
}

func detectObjectShape(v gjson.Result) Shape {
	flat := true
	v.ForEach(func(_, value gjson.Result) bool {
		if value.Type != gjson.String {
			flat = false
		}
		return flat
	})
	if flat {
		return ShapeFlat
	}
	return ShapeNested
}

// splitFlatKey splits "channel/account" on the first of "/", ":", "." that
// appears, in that preference order.
func splitFlatKey(key string) (Key, bool) {
	for _, sep := range []string{"/", ":", "."} {
		if channel, account, ok := strings.Cut(key, sep); ok {
			return Key{channel, account}, true
		}
	}
	return Key{}, false
}

func (t *Table) insert(k Key, agentID string) {
	if prev, ok := t.rules[k]; ok {
		t.duplicates = append(t.duplicates, Rule{k.Channel, k.AccountID, prev})
	}
	t.rules[k] = agentID
}

// Shape reports the wire layout the table was read in.
func (t *Table) Shape() Shape { return t.shape }

// Len reports the number of routing rows.
func (t *Table) Len() int { return len(t.rules) }

// Get returns the agent bound to a slot.
func (t *Table) Get(k Key) (string, bool) {
	agentID, ok := t.rules[k]
	return agentID, ok
}

// Set binds a slot to an agent, replacing any existing binding.
func (t *Table) Set(k Key, agentID string) {
	t.rules[k] = agentID
}

// Delete removes one slot.
func (t *Table) Delete(k Key) {
	delete(t.rules, k)
}

// DeleteChannel removes every row of one channel.
func (t *Table) DeleteChannel(channel string) {
	for k := range t.rules {
		if k.Channel == channel {
			delete(t.rules, k)
		}
	}
}

// ReplaceChannel swaps out every row of one channel for the given
// account → agent map, leaving other channels untouched.
func (t *Table) ReplaceChannel(channel string, accounts map[string]string) {
	t.DeleteChannel(channel)
	for account, agentID := range accounts {
		t.rules[Key{channel, account}] = agentID
	}
}

// Rules returns all rows sorted by channel, then account.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for k, agentID := range t.rules {
		out = append(out, Rule{k.Channel, k.AccountID, agentID})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

// ChannelAccounts returns the account → agent map of one channel.
func (t *Table) ChannelAccounts(channel string) map[string]string {
	out := make(map[string]string)
	for k, agentID := range t.rules {
		if k.Channel == channel {
			out[k.AccountID] = agentID
		}
	}
	return out
}

// ReferencedBy reports whether any row routes to the given agent.
func (t *Table) ReferencedBy(agentID string) bool {
	for _, id := range t.rules {
		if id == agentID {
			return true
		}
	}
	return false
}

type ruleWire struct {
	AgentID string `json:"agentId"`
	Match   struct {
		Channel   string `json:"channel"`
		AccountID string `json:"accountId"`
	} `json:"match"`
}

// Marshal re-emits the table in its original shape family with deterministic
// (sorted) ordering. The result is strict JSON ready to splice into the
// configuration document.
func (t *Table) Marshal() ([]byte, error) {
	switch t.shape {
	case ShapeFlat:
		flat := make(map[string]string, len(t.rules))
		for k, agentID := range t.rules {
			flat[k.Channel+"/"+k.AccountID] = agentID
		}
		return json.Marshal(flat)

	case ShapeNested:
		grouped := make(map[string]map[string]string)
		for k, agentID := range t.rules {
			if grouped[k.Channel] == nil {
				grouped[k.Channel] = make(map[string]string)
			}
			grouped[k.Channel][k.AccountID] = agentID
		}
		return json.Marshal(grouped)

	default:
		rules := t.Rules()
		wire := make([]ruleWire, len(rules))
		for i, r := range rules {
			wire[i].AgentID = r.AgentID
			wire[i].Match.Channel = r.Channel
			wire[i].Match.AccountID = r.AccountID
		}
		return json.Marshal(wire)
	}
}
