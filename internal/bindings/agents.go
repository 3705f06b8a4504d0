package bindings

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AgentEntry is one row of agents.list. The wire form is either a bare id
// string or an object carrying at least an "id". The entry keeps its source
// JSON so fields the console does not understand survive edits untouched.
type AgentEntry struct {
	ID  string
	raw []byte
}

// NewAgentEntry builds a bare-string roster entry.
func NewAgentEntry(id string) AgentEntry {
	raw, _ := json.Marshal(id)
	return AgentEntry{ID: id, raw: raw}
}

// Raw returns the entry's wire form.
func (e AgentEntry) Raw() []byte { return e.raw }

// Field reads a field from an object-form entry; bare-string entries have no
// fields beyond the id.
func (e AgentEntry) Field(name string) gjson.Result {
	return gjson.GetBytes(e.raw, name)
}

// SetField writes a field on the entry, promoting a bare-string entry to the
// object form first.
func (e *AgentEntry) SetField(name string, value any) error {
	if !gjson.ParseBytes(e.raw).IsObject() {
		promoted, err := sjson.SetBytes([]byte(`{}`), "id", e.ID)
		if err != nil {
			return fmt.Errorf("promote agent %q: %w", e.ID, err)
		}
		e.raw = promoted
	}
	out, err := sjson.SetBytes(e.raw, name, value)
	if err != nil {
		return fmt.Errorf("set agent %q field %s: %w", e.ID, name, err)
	}
	e.raw = out
	return nil
}

// ParseAgents reads the agents.list subtree. A missing or non-array value
// yields an empty roster; entries that are neither an id string nor an
// object with a string id are skipped.
func ParseAgents(v gjson.Result) []AgentEntry {
	if !v.IsArray() {
		return nil
	}
	var out []AgentEntry
	v.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.String:
			out = append(out, AgentEntry{ID: item.String(), raw: []byte(item.Raw)})
		case item.IsObject():
			if id := item.Get("id"); id.Type == gjson.String {
				out = append(out, AgentEntry{ID: id.String(), raw: []byte(item.Raw)})
			}
		}
		return true
	})
	return out
}

// MarshalAgents re-emits the roster in input order, each entry in its
// original wire form.
func MarshalAgents(agents []AgentEntry) []byte {
	out := []byte{'['}
	for i, e := range agents {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, e.raw...)
	}
	return append(out, ']')
}

// ValidationError reports a roster or routing-table row that violates the
// configuration's integrity rules.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks roster and table integrity: agent ids must be non-empty
// and unique, routing slots must be unique, and every routed agent must
// exist in the roster.
func Validate(agents []AgentEntry, table *Table) error {
	ids := make(map[string]bool, len(agents))
	for i, a := range agents {
		if a.ID == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("agents.list[%d]", i),
				Message: "agent id is empty",
			}
		}
		if ids[a.ID] {
			return &ValidationError{
				Field:   fmt.Sprintf("agents.list[%d]", i),
				Message: fmt.Sprintf("duplicate agent id %q", a.ID),
			}
		}
		ids[a.ID] = true
	}

	if table == nil {
		return nil
	}
	if len(table.duplicates) > 0 {
		d := table.duplicates[0]
		return &ValidationError{
			Field:   fmt.Sprintf("bindings[%s/%s]", d.Channel, d.AccountID),
			Message: "duplicate binding for this channel and account",
		}
	}
	for _, r := range table.Rules() {
		if !ids[r.AgentID] {
			return &ValidationError{
				Field:   fmt.Sprintf("bindings[%s/%s]", r.Channel, r.AccountID),
				Message: fmt.Sprintf("binding routes to unknown agent %q", r.AgentID),
			}
		}
	}
	return nil
}
