package store

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/clawdeck/clawdeck/internal/bindings"
	"github.com/clawdeck/clawdeck/internal/confdoc"
)

// AgentsList returns the agents.list subtree as it appears on disk, or an
// empty array when the document has none.
func (s *Store) AgentsList() ([]byte, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	if list := snap.Resolved.Get("agents.list"); list.Exists() {
		return []byte(list.Raw), nil
	}
	return []byte("[]"), nil
}

// SaveAgentsList replaces the agent roster. The new roster must keep every
// agent the routing table still references.
func (s *Store) SaveAgentsList(ctx context.Context, payload []byte) error {
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsArray() {
		return &bindings.ValidationError{Field: "agents.list", Message: "payload must be an array"}
	}
	roster := bindings.ParseAgents(parsed)

	return s.mutate(ctx, "save_agents_list", func(doc *confdoc.Document) error {
		table := bindings.ParseTable(doc.Get("bindings"))
		if err := bindings.Validate(roster, table); err != nil {
			return err
		}
		return doc.SetRaw("agents.list", bindings.MarshalAgents(roster))
	})
}

// Bindings returns the bindings subtree as written, or an empty object when
// the document has none.
func (s *Store) Bindings() ([]byte, error) {
	snap, err := s.Load()
	if err != nil {
		return nil, err
	}
	if b := snap.Resolved.Get("bindings"); b.Exists() {
		return []byte(b.Raw), nil
	}
	return []byte("{}"), nil
}

// SaveBindings replaces the routing table. The payload may arrive in any of
// the three wire shapes; the write re-emits it in the shape family the
// document already uses, so hand-edited layouts survive.
func (s *Store) SaveBindings(ctx context.Context, payload []byte) error {
	incoming := bindings.ParseTable(gjson.ParseBytes(payload))

	return s.mutate(ctx, "save_bindings", func(doc *confdoc.Document) error {
		roster := bindings.ParseAgents(doc.Get("agents.list"))
		if err := bindings.Validate(roster, incoming); err != nil {
			return err
		}
		return writeTable(doc, incoming)
	})
}

// writeTable stores a table under "bindings", preserving the shape family of
// the value already in the document. A document without bindings gets the
// default rules array.
func writeTable(doc *confdoc.Document, table *bindings.Table) error {
	shape := bindings.ShapeRules
	if existing := doc.Get("bindings"); existing.Exists() {
		shape = bindings.ParseTable(existing).Shape()
	}

	out := bindings.NewTable(shape)
	for _, r := range table.Rules() {
		out.Set(bindings.Key{Channel: r.Channel, AccountID: r.AccountID}, r.AgentID)
	}
	raw, err := out.Marshal()
	if err != nil {
		return err
	}
	return doc.SetRaw("bindings", raw)
}
