// Package confdoc parses and edits the gateway's hand-maintained
// configuration document. Reads accept a relaxed JSON superset (comments,
// trailing commas); writes always emit canonical pretty-printed strict JSON,
// so structure and values round-trip but source comments do not.
//
// A Document keeps the text form of the configuration and applies mutations
// as targeted path edits, so fields the application does not understand are
// preserved byte-for-byte, in their original order.
package confdoc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// ParseError reports a document that is valid in neither the relaxed nor the
// strict syntax. It carries the relaxed-mode error, which is the more
// informative one for the editor of a hand-written file.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse configuration: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Document is a configuration tree held in its strict-JSON text form.
// Mutations touch only the addressed subtree; everything else in the
// document is carried verbatim.
type Document struct {
	raw []byte
}

// New returns an empty document.
func New() *Document {
	return &Document{raw: []byte("{}")}
}

// Parse turns raw text into a Document. It first strips relaxed syntax
// (// and /* */ comments, trailing commas) and parses the result; if that
// fails it falls back to parsing the original text as strict JSON. When both
// fail, the relaxed-mode error is returned as a *ParseError.
func Parse(data []byte) (*Document, error) {
	stripped := jsonc.ToJSON(data)

	relaxedErr := validate(stripped)
	if relaxedErr == nil {
		return &Document{raw: stripped}, nil
	}

	if strictErr := validate(data); strictErr == nil {
		return &Document{raw: data}, nil
	}

	return nil, &ParseError{Err: relaxedErr}
}

func validate(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	return nil
}

// Get reads the value at a gjson path.
func (d *Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// Root returns the whole document as a gjson result.
func (d *Document) Root() gjson.Result {
	return gjson.ParseBytes(d.raw)
}

// Set writes a Go value at path, creating intermediate objects as needed.
func (d *Document) Set(path string, value any) error {
	out, err := sjson.SetBytes(d.raw, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	d.raw = out
	return nil
}

// SetRaw writes pre-encoded JSON at path.
func (d *Document) SetRaw(path string, raw []byte) error {
	out, err := sjson.SetRawBytes(d.raw, path, raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	d.raw = out
	return nil
}

// Delete removes the value at path. Deleting an absent path is a no-op.
func (d *Document) Delete(path string) error {
	out, err := sjson.DeleteBytes(d.raw, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	d.raw = out
	return nil
}

// ReplaceAll swaps the document's entire contents for another document's.
func (d *Document) ReplaceAll(other *Document) {
	d.raw = append(d.raw[:0:0], other.raw...)
}

// Bytes returns the document's current strict-JSON text.
func (d *Document) Bytes() []byte {
	return d.raw
}

// Marshal returns the canonical pretty-printed form written to disk.
func (d *Document) Marshal() []byte {
	return pretty.PrettyOptions(d.raw, &pretty.Options{Indent: "  "})
}

// Clone returns an independent copy of the document.
func (d *Document) Clone() *Document {
	raw := make([]byte, len(d.raw))
	copy(raw, d.raw)
	return &Document{raw: raw}
}

// EscapePathKey escapes a single object key for use in a gjson/sjson path,
// so keys containing separators or wildcards (model ids like
// "openai/gpt-4.1") address the literal key.
func EscapePathKey(key string) string {
	var out strings.Builder
	out.Grow(len(key))
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@', ':':
			out.WriteByte('\\')
		}
		out.WriteRune(r)
	}
	return out.String()
}

// Resolve produces a substituted copy of the document: expand is applied to
// every string-typed leaf, and non-string values pass through unchanged. The
// first expansion failure aborts the whole resolution.
func Resolve(d *Document, expand func(string) (string, error)) (*Document, error) {
	out := d.Clone()

	// walk descends one object level, building escaped gjson paths.
	var walk func(prefix string, v gjson.Result) error
	walk = func(prefix string, v gjson.Result) error {
		var inner error
		v.ForEach(func(key, value gjson.Result) bool {
			path := EscapePathKey(key.String())
			if prefix != "" {
				path = prefix + "." + path
			}
			inner = resolveValue(out, path, value, expand, walk)
			return inner == nil
		})
		return inner
	}

	root := d.Root()
	if root.IsArray() {
		return nil, fmt.Errorf("configuration root must be an object")
	}
	if err := walk("", root); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveValue(out *Document, path string, value gjson.Result, expand func(string) (string, error), walk func(string, gjson.Result) error) error {
	switch {
	case value.Type == gjson.String:
		expanded, err := expand(value.String())
		if err != nil {
			return fmt.Errorf("at %s: %w", path, err)
		}
		if expanded != value.String() {
			return out.Set(path, expanded)
		}
		return nil
	case value.IsObject():
		return walk(path, value)
	case value.IsArray():
		var inner error
		i := 0
		value.ForEach(func(_, item gjson.Result) bool {
			itemPath := fmt.Sprintf("%s.%d", path, i)
			inner = resolveValue(out, itemPath, item, expand, walk)
			i++
			return inner == nil
		})
		return inner
	default:
		return nil
	}
}
