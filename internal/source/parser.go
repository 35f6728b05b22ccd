package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/daggy/internal/result"
)

// Convertor turns data-source document text into definitions.
type Convertor interface {
	// Type returns the convertor's unique format identifier.
	Type() string

	// Convert parses data into ordered definitions.
	Convert(data []byte) ([]Definition, error)
}

// registry holds all registered convertors.
var (
	registry   = make(map[string]Convertor)
	registryMu sync.RWMutex
)

func init() {
	Register(yamlConvertor{})
	Register(jsonConvertor{})
	Register(tomlConvertor{})
}

// Register adds a convertor to the registry.
// It panics if a convertor with the same type is already registered.
func Register(c Convertor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := c.Type()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("convertor %q is already registered", name))
	}
	registry[name] = c
}

// Get retrieves a convertor by type. Returns nil if not found.
func Get(format string) Convertor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[format]
}

// Formats returns the sorted types of all registered convertors.
func Formats() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InferFormat derives a convertor type from a file name extension.
func InferFormat(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "yml" {
		return "yaml"
	}
	return ext
}

// Parse converts data with the convertor registered for format and
// validates the result.
func Parse(data []byte, format string) ([]Definition, error) {
	c := Get(format)
	if c == nil {
		return nil, result.New(result.NotFound, "unknown format %q (available: %s)",
			format, strings.Join(Formats(), ", "))
	}

	defs, err := c.Convert(data)
	if err != nil {
		return nil, result.Wrap(result.ConfigError, err, "invalid %s document", format)
	}
	if err := ValidateAll(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ParseFile reads and parses a data-source document. An empty format is
// inferred from the file extension. The text is rendered with vars first.
func ParseFile(path, format string, vars map[string]string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, result.Wrap(result.ConfigError, err, "failed to read data sources")
	}
	if format == "" {
		format = InferFormat(path)
	}
	return ParseText(data, format, vars)
}

// Locate returns path, or the same relative path under dir when path does
// not exist but that one does.
func Locate(path, dir string) string {
	if dir == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	alt := filepath.Join(dir, path)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return path
}

// ParseText renders and parses a data-source document.
func ParseText(data []byte, format string, vars map[string]string) ([]Definition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, result.New(result.ConfigError, "data sources document is empty")
	}
	if vars != nil {
		data = []byte(Render(string(data), vars))
	}
	return Parse(data, format)
}

// rawSource holds the scalar part of a source entry.
type rawSource struct {
	Type       string         `yaml:"type"`
	Host       string         `yaml:"host"`
	Parameters map[string]any `yaml:"parameters"`
}

// rawCommand holds one command entry.
type rawCommand struct {
	Exec      string `yaml:"exec" toml:"exec"`
	WorkDir   string `yaml:"workdir" toml:"workdir"`
	Extension string `yaml:"extension" toml:"extension"`
}

func (c rawCommand) command(id string) Command {
	return Command{ID: id, Exec: c.Exec, WorkDir: c.WorkDir, Extension: c.Extension}
}

type yamlConvertor struct{}

func (yamlConvertor) Type() string { return "yaml" }

// Convert walks the document node tree so sources and commands keep their
// declaration order.
func (yamlConvertor) Convert(data []byte) ([]Definition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("document is empty")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document root must be a mapping")
	}

	sources := mappingValue(root, "sources")
	if sources == nil {
		return nil, fmt.Errorf("missing 'sources' section")
	}
	if sources.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("'sources' must be a mapping of name to source")
	}

	var defs []Definition
	seen := make(map[string]bool)
	for i := 0; i+1 < len(sources.Content); i += 2 {
		name := sources.Content[i].Value
		if seen[name] {
			return nil, result.New(result.ConfigError, "duplicate data source name %q (line %d)",
				name, sources.Content[i].Line)
		}
		seen[name] = true

		def, err := yamlSource(name, sources.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func yamlSource(name string, node *yaml.Node) (Definition, error) {
	var raw rawSource
	if err := node.Decode(&raw); err != nil {
		return Definition{}, err
	}

	def := Definition{
		Name:       name,
		Type:       raw.Type,
		Host:       raw.Host,
		Parameters: raw.Parameters,
	}

	commands := mappingValue(node, "commands")
	if commands == nil {
		return def, nil
	}
	if commands.Kind != yaml.MappingNode {
		return Definition{}, fmt.Errorf("'commands' must be a mapping of id to command")
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(commands.Content); i += 2 {
		id := commands.Content[i].Value
		if seen[id] {
			return Definition{}, result.New(result.ConfigError, "duplicate command %q (line %d)",
				id, commands.Content[i].Line)
		}
		seen[id] = true

		var rc rawCommand
		if err := commands.Content[i+1].Decode(&rc); err != nil {
			return Definition{}, fmt.Errorf("command %q: %w", id, err)
		}
		def.Commands = append(def.Commands, rc.command(id))
	}
	return def, nil
}

// mappingValue returns the value node for key in a mapping node.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

type jsonConvertor struct{}

func (jsonConvertor) Type() string { return "json" }

// Convert checks strict JSON syntax, then decodes through the YAML node
// walker, which accepts JSON and preserves key order.
func (jsonConvertor) Convert(data []byte) ([]Definition, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("malformed JSON")
	}
	return yamlConvertor{}.Convert(data)
}

type tomlConvertor struct{}

type tomlSource struct {
	Type       string                `toml:"type"`
	Host       string                `toml:"host"`
	Parameters map[string]any        `toml:"parameters"`
	Commands   map[string]rawCommand `toml:"commands"`
}

func (tomlConvertor) Type() string { return "toml" }

// Convert decodes a TOML document. TOML tables carry no order, so sources
// and commands are sorted by key.
func (tomlConvertor) Convert(data []byte) ([]Definition, error) {
	var doc struct {
		Sources map[string]tomlSource `toml:"sources"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Sources == nil {
		return nil, fmt.Errorf("missing 'sources' section")
	}

	names := make([]string, 0, len(doc.Sources))
	for name := range doc.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		src := doc.Sources[name]
		def := Definition{
			Name:       name,
			Type:       src.Type,
			Host:       src.Host,
			Parameters: src.Parameters,
		}

		ids := make([]string, 0, len(src.Commands))
		for id := range src.Commands {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			def.Commands = append(def.Commands, src.Commands[id].command(id))
		}
		defs = append(defs, def)
	}
	return defs, nil
}
