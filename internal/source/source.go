// Package source defines data-source definitions and their parsing.
package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eugenetaranov/daggy/internal/result"
)

// DefaultType is the provider type of a source that does not name one.
const DefaultType = "local"

// DefaultExtension is the output file extension of a command that does not name one.
const DefaultExtension = "log"

// Command is one shell line run by a data source.
type Command struct {
	// ID identifies the command within its source.
	ID string

	// Exec is the shell line to run.
	Exec string

	// WorkDir is the directory to run in (optional).
	WorkDir string

	// Extension is the file extension of the command's output file.
	Extension string
}

// GetExtension returns the output extension, defaulting to "log".
func (c Command) GetExtension() string {
	if c.Extension == "" {
		return DefaultExtension
	}
	return strings.TrimPrefix(c.Extension, ".")
}

// Definition is a normalized data source: a provider type plus its commands.
// A Definition is immutable once accepted by a session.
type Definition struct {
	// Name is unique within a session.
	Name string

	// Type selects the provider fabric entry (local, ssh, ssh2, docker).
	Type string

	// Host is the target of remote provider types.
	Host string

	// Parameters holds provider specific settings.
	Parameters map[string]any

	// Commands are run in declaration order.
	Commands []Command
}

// GetType returns the provider type, defaulting to "local".
func (d Definition) GetType() string {
	if d.Type == "" {
		return DefaultType
	}
	return d.Type
}

// Validate checks the definition for structural errors.
func (d Definition) Validate() error {
	if d.Name == "" {
		return result.New(result.ConfigError, "data source has no name")
	}
	if !validName(d.Name) {
		return result.New(result.ConfigError, "data source %q: name must not contain path separators or be . or ..", d.Name)
	}
	if len(d.Commands) == 0 {
		return result.New(result.ConfigError, "data source %q has no commands", d.Name)
	}

	seen := make(map[string]bool, len(d.Commands))
	for i, cmd := range d.Commands {
		if cmd.ID == "" {
			return result.New(result.ConfigError, "data source %q: command %d has no id", d.Name, i+1)
		}
		if !validName(cmd.ID) {
			return result.New(result.ConfigError, "data source %q: command id %q must not contain path separators or be . or ..", d.Name, cmd.ID)
		}
		if cmd.Extension != "" && strings.ContainsAny(cmd.Extension, `/\`) {
			return result.New(result.ConfigError, "data source %q: command %q has an invalid extension %q", d.Name, cmd.ID, cmd.Extension)
		}
		if seen[cmd.ID] {
			return result.New(result.ConfigError, "data source %q: duplicate command %q", d.Name, cmd.ID)
		}
		seen[cmd.ID] = true
		if strings.TrimSpace(cmd.Exec) == "" {
			return result.New(result.ConfigError, "data source %q: command %q has empty exec", d.Name, cmd.ID)
		}
	}
	return nil
}

// validName reports whether name is usable as a single path element. Names
// become output file and folder names.
func validName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// ValidateAll validates every definition and checks name uniqueness.
func ValidateAll(defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return result.New(result.ConfigError, "duplicate data source name %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Param returns a string parameter or def when absent.
func (d Definition) Param(key, def string) string {
	v, ok := d.Parameters[key]
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// IntParam returns an integer parameter or def when absent.
func (d Definition) IntParam(key string, def int) (int, error) {
	v, ok := d.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return def, fmt.Errorf("parameter '%s' must be an integer", key)
		}
		return n, nil
	default:
		return def, fmt.Errorf("parameter '%s' must be an integer", key)
	}
}

// BoolParam returns a boolean parameter or def when absent.
func (d Definition) BoolParam(key string, def bool) (bool, error) {
	v, ok := d.Parameters[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return def, fmt.Errorf("parameter '%s' must be a boolean", key)
		}
		return b, nil
	default:
		return def, fmt.Errorf("parameter '%s' must be a boolean", key)
	}
}

// MapParam returns a map parameter with values rendered as strings.
func (d Definition) MapParam(key string) map[string]string {
	out := make(map[string]string)
	raw, ok := d.Parameters[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
