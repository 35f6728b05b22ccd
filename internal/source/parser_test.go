package source

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/daggy/internal/result"
)

const yamlDoc = `
sources:
  localhost:
    type: local
    commands:
      pingpong:
        exec: ping 127.0.0.1
        extension: log
      uptime:
        exec: uptime
        workdir: /tmp
  db1:
    type: ssh2
    host: 10.0.0.5
    parameters:
      user: deploy
      port: 2222
    commands:
      journal:
        exec: journalctl -f
`

func TestParseYAMLKeepsOrder(t *testing.T) {
	defs, err := Parse([]byte(yamlDoc), "yaml")
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "localhost", defs[0].Name)
	assert.Equal(t, "local", defs[0].GetType())
	require.Len(t, defs[0].Commands, 2)
	assert.Equal(t, "pingpong", defs[0].Commands[0].ID)
	assert.Equal(t, "uptime", defs[0].Commands[1].ID)
	assert.Equal(t, "/tmp", defs[0].Commands[1].WorkDir)
	assert.Equal(t, "log", defs[0].Commands[1].GetExtension())

	assert.Equal(t, "db1", defs[1].Name)
	assert.Equal(t, "ssh2", defs[1].Type)
	assert.Equal(t, "10.0.0.5", defs[1].Host)
	assert.Equal(t, "deploy", defs[1].Param("user", ""))
	port, err := defs[1].IntParam("port", 22)
	require.NoError(t, err)
	assert.Equal(t, 2222, port)
}

func TestParseJSON(t *testing.T) {
	doc := `{
  "sources": {
    "b": {"type": "local", "commands": {"z": {"exec": "echo z"}, "a": {"exec": "echo a"}}},
    "a": {"commands": {"one": {"exec": "echo one", "extension": ".txt"}}}
  }
}`
	defs, err := Parse([]byte(doc), "json")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name)
	assert.Equal(t, "z", defs[0].Commands[0].ID)
	assert.Equal(t, "a", defs[1].Name)
	assert.Equal(t, "local", defs[1].GetType())
	assert.Equal(t, "txt", defs[1].Commands[0].GetExtension())
}

func TestParseJSONRejectsYAML(t *testing.T) {
	_, err := Parse([]byte(yamlDoc), "json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ConfigError))
}

func TestParseTOMLSortsKeys(t *testing.T) {
	doc := `
[sources.web]
type = "docker"
host = "nginx"

[sources.web.commands.access]
exec = "tail -f /var/log/nginx/access.log"

[sources.app.commands.b]
exec = "echo b"

[sources.app.commands.a]
exec = "echo a"
`
	defs, err := Parse([]byte(doc), "toml")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "app", defs[0].Name)
	assert.Equal(t, "a", defs[0].Commands[0].ID)
	assert.Equal(t, "b", defs[0].Commands[1].ID)
	assert.Equal(t, "web", defs[1].Name)
	assert.Equal(t, "nginx", defs[1].Host)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		format string
		kind   result.Kind
	}{
		{
			name:   "duplicate source",
			doc:    "sources:\n  a:\n    commands: {x: {exec: ls}}\n  a:\n    commands: {y: {exec: ls}}\n",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "duplicate command",
			doc:    "sources:\n  a:\n    commands:\n      x: {exec: ls}\n      x: {exec: pwd}\n",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "no commands",
			doc:    "sources:\n  a:\n    type: local\n",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "empty exec",
			doc:    "sources:\n  a:\n    commands:\n      x: {exec: ''}\n",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "missing sources",
			doc:    "other: 1\n",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "invalid yaml",
			doc:    "{{{invalid",
			format: "yaml",
			kind:   result.ConfigError,
		},
		{
			name:   "unknown format",
			doc:    "sources: {}",
			format: "xml",
			kind:   result.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.format)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestValidateAllDuplicateNames(t *testing.T) {
	defs := []Definition{
		{Name: "a", Commands: []Command{{ID: "x", Exec: "ls"}}},
		{Name: "a", Commands: []Command{{ID: "y", Exec: "ls"}}},
	}
	err := ValidateAll(defs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ConfigError))
}

func TestValidateRejectsPathNames(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{name: "parent source", def: Definition{Name: "../../escape", Commands: []Command{{ID: "c", Exec: "ls"}}}},
		{name: "dot source", def: Definition{Name: ".", Commands: []Command{{ID: "c", Exec: "ls"}}}},
		{name: "slash source", def: Definition{Name: "a/b", Commands: []Command{{ID: "c", Exec: "ls"}}}},
		{name: "backslash command", def: Definition{Name: "a", Commands: []Command{{ID: `b\c`, Exec: "ls"}}}},
		{name: "dot dot command", def: Definition{Name: "a", Commands: []Command{{ID: "..", Exec: "ls"}}}},
		{name: "extension", def: Definition{Name: "a", Commands: []Command{{ID: "c", Exec: "ls", Extension: "../x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, result.ConfigError), "got %v", err)
		})
	}

	ok := Definition{Name: "a-b", Commands: []Command{{ID: "b-c.d", Exec: "ls", Extension: ".txt"}}}
	assert.NoError(t, ok.Validate())
}

func TestInferFormat(t *testing.T) {
	assert.Equal(t, "yaml", InferFormat("sources.yml"))
	assert.Equal(t, "yaml", InferFormat("sources.YAML"))
	assert.Equal(t, "json", InferFormat("/etc/daggy/sources.json"))
	assert.Equal(t, "toml", InferFormat("sources.toml"))
	assert.Equal(t, "", InferFormat("sources"))
}

func TestFormats(t *testing.T) {
	assert.Equal(t, []string{"json", "toml", "yaml"}, Formats())
}

func TestParseFileRendersTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yml")
	doc := "sources:\n  local:\n    commands:\n      home:\n        exec: ls {{ env_DAGGY_TEST_DIR }} > {{output_folder}}/x\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	vars := TemplateVars([]string{"DAGGY_TEST_DIR=/srv"}, "/out")
	defs, err := ParseFile(path, "", vars)
	require.NoError(t, err)
	assert.Equal(t, "ls /srv > /out/x", defs[0].Commands[0].Exec)
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "only-in-dir.yaml"), []byte("x"), 0o644))
	abs := filepath.Join(t.TempDir(), "abs.yaml")

	assert.Equal(t, filepath.Join(dir, "only-in-dir.yaml"), Locate("only-in-dir.yaml", dir))
	assert.Equal(t, "missing.yaml", Locate("missing.yaml", dir))
	assert.Equal(t, "only-in-dir.yaml", Locate("only-in-dir.yaml", ""))
	assert.Equal(t, abs, Locate(abs, dir))
	assert.Equal(t, "parser.go", Locate("parser.go", dir))
}

func TestParseTextEmpty(t *testing.T) {
	_, err := ParseText([]byte("  \n"), "yaml", nil)
	assert.True(t, errors.Is(err, result.ConfigError))
}
