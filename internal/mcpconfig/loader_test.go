package mcpconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp-servers.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ResolvesEnvPlaceholders(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "gh-secret-123")
	path := writeConfigFile(t, `{
		"github": {
			"transport": "stdio",
			"command": "npx",
			"env": {"GITHUB_TOKEN": "${GITHUB_TOKEN}"}
		}
	}`)

	l := New(path)
	entries := l.Load()
	require.Contains(t, entries, "github")

	m, ok := jsonval.AsMap(entries["github"])
	require.True(t, ok)
	env, ok := jsonval.AsMap(m["env"])
	require.True(t, ok)
	assert.Equal(t, "gh-secret-123", env["GITHUB_TOKEN"])
}

func TestLoad_LeavesUnmatchedPlaceholderVerbatim(t *testing.T) {
	os.Unsetenv("DEFINITELY_NOT_SET_VAR")
	path := writeConfigFile(t, `{
		"x": {"transport": "stdio", "command": "echo", "env": {"V": "${DEFINITELY_NOT_SET_VAR}"}}
	}`)

	entries := New(path).Load()
	m, _ := jsonval.AsMap(entries["x"])
	env, _ := jsonval.AsMap(m["env"])
	assert.Equal(t, "${DEFINITELY_NOT_SET_VAR}", env["V"])
}

func TestLoad_MissingFileReturnsEmptyMap(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	entries := l.Load()
	assert.Empty(t, entries)
}

func TestLoad_MalformedFileReturnsEmptyMap(t *testing.T) {
	path := writeConfigFile(t, `{not valid json`)
	entries := New(path).Load()
	assert.Empty(t, entries)
}

func TestLoad_CachesAfterFirstCall(t *testing.T) {
	path := writeConfigFile(t, `{"a": {"transport": "stdio", "command": "echo"}}`)
	l := New(path)

	first := l.Load()
	require.NoError(t, os.WriteFile(path, []byte(`{"b": {"transport": "stdio", "command": "echo"}}`), 0o600))
	second := l.Load()

	assert.Equal(t, first, second)
	assert.Contains(t, second, "a")
}
