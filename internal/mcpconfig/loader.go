// Package mcpconfig implements the McpConfigLoader: reads the file-tier MCP
// server definitions once per process and resolves ${NAME} environment
// variable references against the host environment — never against request
// input, which would let a caller read arbitrary host env vars.
package mcpconfig

import (
	"encoding/json"
	"os"
	"regexp"
	"sync"

	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/rs/zerolog/log"
)

// envRefPattern matches the ${NAME} substitution syntax; NAME must look like
// a POSIX environment variable name.
var envRefPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Loader loads and caches the file-tier MCP configuration for the lifetime
// of the process. load() is cached-once: the file is read and parsed at
// most once, on first use — a malformed or missing file degrades to an
// empty set rather than failing startup.
type Loader struct {
	path string

	once    sync.Once
	entries map[string]jsonval.Json // name -> raw config object, env-substituted
	err     error
}

// New creates a Loader for the given file path. The file is not read until
// Load is first called.
func New(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the file-tier MCP server configs, keyed by name, with
// ${NAME} placeholders in string leaves substituted from the host
// environment. Subsequent calls return the cached result.
func (l *Loader) Load() map[string]jsonval.Json {
	l.once.Do(func() {
		l.entries = l.loadOnce()
	})
	return l.entries
}

func (l *Loader) loadOnce() map[string]jsonval.Json {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", l.path).Msg("no MCP config file found, starting with empty file-tier set")
		} else {
			log.Warn().Err(err).Str("path", l.path).Msg("failed to read MCP config file, continuing with empty file-tier set")
		}
		return map[string]jsonval.Json{}
	}

	var raw map[string]jsonval.Json
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("failed to parse MCP config file, continuing with empty file-tier set")
		return map[string]jsonval.Json{}
	}

	var unresolved int
	out := make(map[string]jsonval.Json, len(raw))
	for name, entry := range raw {
		out[name] = resolveEnv(entry, &unresolved)
	}
	if unresolved > 0 {
		log.Warn().Int("count", unresolved).Str("path", l.path).
			Msg("MCP config references environment variables that are not set, placeholders left verbatim")
	}
	return out
}

// resolveEnv substitutes ${NAME} references in every string leaf of v
// against os.Getenv, never against any request-supplied value. Unmatched
// references are left verbatim and counted so a missing host var is visible
// rather than silently blanked.
func resolveEnv(v jsonval.Json, unresolved *int) jsonval.Json {
	return jsonval.Walk(v, func(s string) string {
		return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := envRefPattern.FindStringSubmatch(match)[1]
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			*unresolved++
			return match
		})
	})
}
