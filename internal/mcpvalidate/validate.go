// Package mcpvalidate implements the ConfigValidator: the single choke point
// every MCP server configuration passes through before it is persisted or
// merged into a running session, regardless of which tier (file, tenant,
// request) it came from.
package mcpvalidate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/agentgw/agentgw/pkg/models"
)

// shellMetachars is the set of characters that must never appear in a stdio
// command or its arguments — each one is a documented shell injection vector.
var shellMetachars = regexp.MustCompile(`[;|&` + "`" + `$()<>\n\r]|&&|\|\|`)

// sensitiveFieldPattern matches config keys that commonly carry credentials,
// case-insensitively and regardless of hyphen-vs-underscore spelling
// (`api-key` and `api_key` both match). Request-tier entries are rejected
// outright if any matching field is non-empty; tenant-tier entries may
// carry them — they were written by an authenticated caller.
var sensitiveFieldPattern = regexp.MustCompile(`(?i)^(api[-_]?key|secret|password|token|credential|bearer|private[-_]?key|dsn|connection[-_]?string)$`)

// Tier identifies which layer of the McpInjector precedence a config entry
// came from. Only request-tier entries are restricted from carrying
// sensitive env or header values.
type Tier string

const (
	TierFile    Tier = "file"
	TierTenant  Tier = "tenant"
	TierRequest Tier = "request"
)

// Options controls validation beyond the fixed security rules — e.g. whether
// private/loopback/link-local URLs are permitted for this deployment.
type Options struct {
	AllowPrivateNetworks bool
}

// Validate checks a resolved MCP server config against the fixed rule set.
// It returns an apierr validation error on the first violation found.
func Validate(cfg *models.MCPServerConfig, tier Tier, opts Options) error {
	if cfg.Name == "" {
		return apierr.Validation("name", "mcp server name is required")
	}

	switch cfg.Transport {
	case models.TransportStdio:
		if cfg.Command == "" {
			return apierr.Validation("command", "stdio transport requires a command")
		}
		if err := checkShellMetachars("command", cfg.Command); err != nil {
			return err
		}
		for i, a := range cfg.Args {
			if err := checkShellMetachars(fmt.Sprintf("args[%d]", i), a); err != nil {
				return err
			}
		}
		if cfg.URL != "" {
			return apierr.Validation("url", "stdio transport must not set url")
		}

	case models.TransportSSE, models.TransportHTTP:
		if cfg.URL == "" {
			return apierr.Validation("url", string(cfg.Transport)+" transport requires a url")
		}
		if cfg.Command != "" {
			return apierr.Validation("command", string(cfg.Transport)+" transport must not set command")
		}
		if err := checkURL(cfg.URL, opts); err != nil {
			return err
		}

	default:
		return apierr.Validation("transport", "unknown transport "+string(cfg.Transport))
	}

	if tier == TierRequest {
		for k, v := range cfg.Env {
			if looksSensitive(k) && v != "" {
				return apierr.Validation("env."+k, "request-tier MCP config entries may not carry sensitive env values")
			}
		}
		for k, v := range cfg.Headers {
			if looksSensitive(k) && v != "" {
				return apierr.Validation("headers."+k, "request-tier MCP config entries may not carry sensitive header values")
			}
		}
	}

	return nil
}

func checkShellMetachars(field, value string) error {
	if shellMetachars.MatchString(value) {
		return apierr.Validation(field, "value contains disallowed shell metacharacters")
	}
	return nil
}

func checkURL(raw string, opts Options) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.Validation("url", "invalid URL: "+err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.Validation("url", "url must use http or https")
	}
	if opts.AllowPrivateNetworks {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return apierr.Validation("url", "url must include a host")
	}
	if isDisallowedHost(host) {
		return apierr.Validation("url", "url resolves to a private, loopback, or link-local address")
	}
	return nil
}

func isDisallowedHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP — DNS-resolving here would make validation
		// non-deterministic and network-dependent; reject only the literal
		// forms we can check statically.
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func looksSensitive(key string) bool {
	return sensitiveFieldPattern.MatchString(key)
}

// SanitizeForLog returns a copy of a raw config map with sensitive-looking
// values redacted, suitable for inclusion in error details or log fields.
// Pure function over the jsonval tagged union — never mutates the input.
func SanitizeForLog(raw jsonval.Json) jsonval.Json {
	return jsonval.WalkKeyed(raw, "", func(path, s string) string {
		leaf := path
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			leaf = path[i+1:]
		}
		if looksSensitive(leaf) {
			return "[redacted]"
		}
		return s
	})
}
