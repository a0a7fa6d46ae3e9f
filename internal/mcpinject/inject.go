// Package mcpinject implements the McpInjector: merges the file, tenant, and
// request tiers of MCP server configuration into the set an AgentRunner
// invocation actually sees, by key-level replace — never a deep merge.
package mcpinject

import (
	"context"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/agentgw/agentgw/internal/mcpconfig"
	"github.com/agentgw/agentgw/internal/mcpstore"
	"github.com/agentgw/agentgw/internal/mcpvalidate"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/rs/zerolog/log"
)

// RequestOverride models the three states a query request's mcp_servers
// field can take: absent entirely, explicitly empty, or an explicit map of
// entries.
type RequestOverride struct {
	State RequestOverrideState
	Entries map[string]jsonval.Json
}

type RequestOverrideState int

const (
	OverrideUnset RequestOverrideState = iota
	OverrideEmptyMap
	OverrideExplicit
)

// Injector resolves the merged MCP server set for a query.
type Injector struct {
	fileLoader *mcpconfig.Loader
	tenant     mcpstore.Store
	opts       mcpvalidate.Options
}

func New(fileLoader *mcpconfig.Loader, tenant mcpstore.Store, opts mcpvalidate.Options) *Injector {
	return &Injector{fileLoader: fileLoader, tenant: tenant, opts: opts}
}

// Resolve merges file ← tenant ← request by key-level replace: for each
// server name, the highest tier present entirely replaces lower tiers —
// there is no field-by-field combination across tiers. Every entry, once
// selected, is run through ConfigValidator with its originating tier so
// request-tier entries can never smuggle in sensitive env values.
func (inj *Injector) Resolve(ctx context.Context, owner string, override RequestOverride) ([]models.MCPServerConfig, error) {
	merged := make(map[string]struct {
		raw  jsonval.Json
		tier mcpvalidate.Tier
	})

	for name, raw := range inj.fileLoader.Load() {
		merged[name] = struct {
			raw  jsonval.Json
			tier mcpvalidate.Tier
		}{raw, mcpvalidate.TierFile}
	}

	tenantConfigs, err := inj.tenant.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, cfg := range tenantConfigs {
		raw, err := toJson(cfg)
		if err != nil {
			return nil, apierr.Internal("mcp_inject_encode_failed", "failed to encode tenant mcp config", err)
		}
		merged[cfg.Name] = struct {
			raw  jsonval.Json
			tier mcpvalidate.Tier
		}{raw, mcpvalidate.TierTenant}
	}

	switch override.State {
	case OverrideEmptyMap:
		merged = map[string]struct {
			raw  jsonval.Json
			tier mcpvalidate.Tier
		}{}
	case OverrideExplicit:
		// An explicit override replaces ALL server-side tiers wholesale:
		// file/tenant names absent from the override do not survive.
		merged = make(map[string]struct {
			raw  jsonval.Json
			tier mcpvalidate.Tier
		}, len(override.Entries))
		for name, raw := range override.Entries {
			merged[name] = struct {
				raw  jsonval.Json
				tier mcpvalidate.Tier
			}{raw, mcpvalidate.TierRequest}
		}
	case OverrideUnset:
		// no-op: file+tenant stand as resolved above
	}

	out := make([]models.MCPServerConfig, 0, len(merged))
	for name, entry := range merged {
		cfg, err := fromJson(name, entry.raw)
		if err != nil {
			log.Warn().Str("name", name).Interface("entry", mcpvalidate.SanitizeForLog(entry.raw)).
				Err(err).Msg("mcp injector: dropping malformed server config")
			continue
		}
		if err := mcpvalidate.Validate(cfg, entry.tier, inj.opts); err != nil {
			// An entry that fails validation is dropped and logged via
			// the sanitizer, not a Resolve()-wide failure — a
			// single malformed tenant/file entry must not break every
			// query for that tenant. Only store/backend failures above are
			// fatal to Resolve itself.
			log.Warn().Str("name", name).Str("tier", string(entry.tier)).
				Interface("entry", mcpvalidate.SanitizeForLog(entry.raw)).
				Err(err).Msg("mcp injector: dropping invalid server config")
			continue
		}
		cfg.Tier = string(entry.tier)
		out = append(out, *cfg)
	}
	return out, nil
}

func toJson(cfg models.MCPServerConfig) (jsonval.Json, error) {
	m := map[string]jsonval.Json{
		"name":      cfg.Name,
		"transport": string(cfg.Transport),
		"enabled":   cfg.Enabled,
	}
	if cfg.Command != "" {
		m["command"] = cfg.Command
	}
	if len(cfg.Args) > 0 {
		args := make([]jsonval.Json, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = a
		}
		m["args"] = args
	}
	if cfg.URL != "" {
		m["url"] = cfg.URL
	}
	if len(cfg.Env) > 0 {
		env := make(map[string]jsonval.Json, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = v
		}
		m["env"] = env
	}
	if len(cfg.Headers) > 0 {
		hdr := make(map[string]jsonval.Json, len(cfg.Headers))
		for k, v := range cfg.Headers {
			hdr[k] = v
		}
		m["headers"] = hdr
	}
	return m, nil
}

func fromJson(name string, raw jsonval.Json) (*models.MCPServerConfig, error) {
	obj, ok := jsonval.AsMap(raw)
	if !ok {
		return nil, apierr.Validation(name, "mcp server config must be an object")
	}

	cfg := &models.MCPServerConfig{Name: name, Enabled: true}
	if v, ok := jsonval.AsString(obj["transport"]); ok {
		cfg.Transport = models.MCPTransport(v)
	}
	if v, ok := jsonval.AsString(obj["command"]); ok {
		cfg.Command = v
	}
	if v, ok := jsonval.AsString(obj["url"]); ok {
		cfg.URL = v
	}
	if args, err := jsonval.StringSlice(obj["args"]); err == nil {
		cfg.Args = args
	}
	if env, err := jsonval.StringMap(obj["env"]); err == nil {
		cfg.Env = env
	}
	if hdr, err := jsonval.StringMap(obj["headers"]); err == nil {
		cfg.Headers = hdr
	}
	if enabled, ok := obj["enabled"].(bool); ok {
		cfg.Enabled = enabled
	}
	return cfg, nil
}
