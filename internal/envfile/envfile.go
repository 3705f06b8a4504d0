// Package envfile reads and edits the gateway's key=value environment file
// and expands ${NAME} placeholders found in configuration strings.
package envfile

import (
	"fmt"
	"os"
	"strings"
)

// MissingVariableError reports a ${NAME} placeholder that resolved neither
// against the process environment nor against the environment file. An empty
// Name means the placeholder itself was empty (`${}`).
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	if e.Name == "" {
		return "empty variable name in placeholder"
	}
	return fmt.Sprintf("unresolved variable ${%s}", e.Name)
}

// Parse reads a key=value environment file. A missing file yields an empty
// map. Blank lines and lines starting with # are skipped, a leading
// "export " is tolerated, and surrounding single or double quotes around the
// value are trimmed. Duplicate keys resolve last-writer-wins.
func Parse(path string) (map[string]string, error) {
	vars := make(map[string]string)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := parseLine(line)
		if !ok {
			continue
		}
		vars[key] = value
	}
	return vars, nil
}

func parseLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	eq := strings.Index(line, "=")
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:eq])
	if key == "" {
		return "", "", false
	}
	value = strings.TrimSpace(line[eq+1:])
	value = strings.Trim(value, `"`)
	value = strings.Trim(value, `'`)
	return key, value, true
}

// Get returns the value for key from the env file, if present.
func Get(path, key string) (string, bool) {
	vars, err := Parse(path)
	if err != nil {
		return "", false
	}
	v, ok := vars[key]
	return v, ok
}

// Set writes key=value to the env file, replacing an existing assignment in
// place and preserving all other lines (comments included). The file is
// created with 0600 if missing.
func Set(path, key, value string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, line := range lines {
		k, _, ok := parseLine(line)
		if ok && k == key {
			lines[i] = key + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}
	return writeLines(path, lines)
}

// Remove deletes every assignment of key from the env file. Removing an
// absent key is a no-op.
func Remove(path, key string) error {
	lines, err := readLines(path)
	if err != nil {
		return err
	}

	kept := lines[:0]
	for _, line := range lines {
		k, _, ok := parseLine(line)
		if ok && k == key {
			continue
		}
		kept = append(kept, line)
	}
	return writeLines(path, kept)
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write env file %s: %w", path, err)
	}
	return nil
}

// Resolver expands ${NAME} placeholders. Lookup order is the process
// environment first, then the environment file snapshot the Resolver was
// built from.
type Resolver struct {
	fileVars  map[string]string
	lookupEnv func(string) (string, bool)
}

// NewResolver builds a Resolver backed by the env file at path. The file is
// read once; a missing file leaves only the process environment.
func NewResolver(path string) (*Resolver, error) {
	vars, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return &Resolver{fileVars: vars, lookupEnv: os.LookupEnv}, nil
}

// NewStaticResolver builds a Resolver from fixed variable maps, used in
// tests and for previewing documents against hypothetical environments.
func NewStaticResolver(env, fileVars map[string]string) *Resolver {
	return &Resolver{
		fileVars: fileVars,
		lookupEnv: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	}
}

// Expand substitutes every ${NAME} placeholder in s. The escaped form
// $${NAME} yields the literal text ${NAME} without lookup. An unterminated
// placeholder passes through unchanged. A placeholder whose name resolves
// nowhere fails with *MissingVariableError.
func (r *Resolver) Expand(s string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != '$' {
			out.WriteByte(s[i])
			i++
			continue
		}

		// Escape: $${NAME} → literal ${NAME}.
		if strings.HasPrefix(s[i:], "$${") {
			if end := strings.IndexByte(s[i+3:], '}'); end >= 0 {
				out.WriteString("${")
				out.WriteString(s[i+3 : i+3+end])
				out.WriteByte('}')
				i += 3 + end + 1
				continue
			}
		}

		if strings.HasPrefix(s[i:], "${") {
			if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
				name := strings.TrimSpace(s[i+2 : i+2+end])
				if name == "" {
					return "", &MissingVariableError{}
				}
				value, err := r.lookup(name)
				if err != nil {
					return "", err
				}
				out.WriteString(value)
				i += 2 + end + 1
				continue
			}
		}

		out.WriteByte(s[i])
		i++
	}
	return out.String(), nil
}

func (r *Resolver) lookup(name string) (string, error) {
	if v, ok := r.lookupEnv(name); ok {
		return v, nil
	}
	if v, ok := r.fileVars[name]; ok {
		return v, nil
	}
	return "", &MissingVariableError{Name: name}
}
