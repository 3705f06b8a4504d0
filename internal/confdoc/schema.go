package confdoc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema constrains the subtrees the console understands. Everything
// outside these properties is opaque payload and intentionally unvalidated.
const configSchema = `{
  "type": "object",
  "properties": {
    "agents": {
      "type": "object",
      "properties": {
        "list": {"type": "array"},
        "defaults": {"type": "object"}
      }
    },
    "bindings": {"type": ["array", "object"]},
    "channels": {"type": "object"},
    "models": {
      "type": "object",
      "properties": {
        "providers": {"type": "object"}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "bind": {"type": "string"},
        "mode": {"type": "string"},
        "trustedProxies": {"type": "array"},
        "auth": {"type": "object"}
      }
    },
    "plugins": {
      "type": "object",
      "properties": {
        "allow": {"type": "array"},
        "entries": {"type": "object"}
      }
    },
    "meta": {"type": "object"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaCompile  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
		if err != nil {
			schemaCompile = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("openclaw-config.json", doc); err != nil {
			schemaCompile = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, schemaCompile = c.Compile("openclaw-config.json")
	})
	return compiledSchema, schemaCompile
}

// ValidateShape checks the document's known subtrees against the embedded
// schema. It is run before every write so a malformed mutation never reaches
// disk.
func ValidateShape(d *Document) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(d.raw))
	if err != nil {
		return &ParseError{Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("configuration shape: %w", err)
	}
	return nil
}
