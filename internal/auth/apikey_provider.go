package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentgw/agentgw/internal/openaicompat"
	"github.com/agentgw/agentgw/pkg/contracts"
)

// APIKeyProvider validates the gateway's primary authentication mechanism:
// a static set of configured API keys, each one an opaque tenant identity.
// The key value itself — not a hash or a derived
// subject — becomes Identity.Owner, since it is the same value every
// SessionStore/McpStore row is filtered by.
type APIKeyProvider struct {
	mu      sync.RWMutex
	keys    map[string]bool
	enabled bool
}

// NewAPIKeyProvider builds a provider from the configured key list. An empty
// list disables the provider entirely (dev mode with RequireAuth off).
func NewAPIKeyProvider(keys []string) *APIKeyProvider {
	p := &APIKeyProvider{keys: make(map[string]bool)}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" {
			p.keys[key] = true
			p.enabled = true
		}
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate resolves the caller's owner identity from the request's API
// key. Returns (nil, nil) when no key is present at all, so a later
// provider in the chain gets a chance; returns an error when a key is
// present but doesn't match any configured key.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	if !p.validateKey(apiKey) {
		return nil, fmt.Errorf("invalid API key")
	}

	return &contracts.Identity{
		Owner:     apiKey,
		Provider:  "apikey",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *APIKeyProvider) validateKey(candidate string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// Membership test only; constant-time comparison doesn't meaningfully
	// protect a map lookup, so unlike per-key verification flows this one
	// does not need subtle.ConstantTimeCompare.
	return p.keys[candidate]
}

// AddKey adds a new API key at runtime.
func (p *APIKeyProvider) AddKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = true
	p.enabled = true
}

// RemoveKey removes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
	if len(p.keys) == 0 {
		p.enabled = false
	}
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// The OpenAI-compat namespace additionally accepts the SDK convention
	// Authorization: Bearer <key>; the shim lives with the adapter and never
	// overrides an explicit X-API-Key.
	if strings.HasPrefix(r.URL.Path, "/v1/") {
		if key := openaicompat.ExtractAPIKey(r); key != "" {
			return key
		}
	}
	// WebSocket upgrade requests can't always set custom headers from every
	// client library, so the query string is accepted as a fallback on the
	// InterruptController's connect path.
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
