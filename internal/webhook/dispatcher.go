// Package webhook implements the WebhookDispatcher: fires per-tool webhook
// hooks on AgentRunner tool events, gated by a ReDoS-safe name matcher.
//
// HMAC-SHA256 request signing and bounded-retry HTTP delivery, retried via
// cenkalti/backoff/v4.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hook is one tenant-configured webhook: fires for tool events whose tool
// name matches Matcher, POSTing the event to URL.
type Hook struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"` // optional, enables HMAC-SHA256 request signing; never echoed
	Pattern   string    `json:"matcher"` // raw matcher source, kept for display/audit
	CreatedAt time.Time `json:"created_at"`
	matcher   *Matcher
}

// ToolEvent is the payload a hook fires on.
type ToolEvent struct {
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher holds registered hooks and fires matching ones on tool events.
// A pattern that fails the static complexity check or doesn't compile is
// rejected at registration — it never gets a chance to run.
type Dispatcher struct {
	client *http.Client
	budget time.Duration

	mu    sync.RWMutex
	hooks map[string][]*Hook // keyed by owner
}

func NewDispatcher(budget time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		budget: budget,
		hooks:  make(map[string][]*Hook),
	}
}

// Register compiles pattern's matcher and adds the hook for owner. A
// complexity-rejected or invalid pattern fails registration outright.
func (d *Dispatcher) Register(owner, url, secret, pattern string) (*Hook, error) {
	m, err := NewMatcher(pattern, d.budget)
	if err != nil {
		log.Warn().Str("owner", owner).Str("pattern", pattern).Err(err).
			Msg("webhook: hook matcher rejected at registration")
		return nil, err
	}

	h := &Hook{
		ID:        uuid.NewString(),
		Owner:     owner,
		URL:       url,
		Secret:    secret,
		Pattern:   pattern,
		CreatedAt: time.Now().UTC(),
		matcher:   m,
	}
	d.mu.Lock()
	d.hooks[owner] = append(d.hooks[owner], h)
	d.mu.Unlock()
	return h, nil
}

// List returns owner's hooks in registration order.
func (d *Dispatcher) List(owner string) []*Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Hook(nil), d.hooks[owner]...)
}

// Delete removes a hook by id, scoped to owner. Reports whether a hook was
// removed.
func (d *Dispatcher) Delete(owner, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hooks := d.hooks[owner]
	for i, h := range hooks {
		if h.ID == id {
			d.hooks[owner] = append(hooks[:i], hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Fire evaluates every hook registered for owner against ev.ToolName and
// delivers the event to each that matches. Delivery is fire-and-forget from
// the caller's perspective — Fire does not block the AgentRunner turn it
// was called from on webhook delivery latency.
func (d *Dispatcher) Fire(ctx context.Context, owner string, ev ToolEvent) {
	d.mu.RLock()
	hooks := append([]*Hook(nil), d.hooks[owner]...)
	d.mu.RUnlock()

	for _, h := range hooks {
		if h.matcher == nil {
			continue
		}
		matched, timedOut := h.matcher.Match(ctx, ev.ToolName)
		if timedOut {
			log.Warn().Str("owner", owner).Str("pattern", h.Pattern).
				Msg("webhook: matcher exceeded evaluation budget, treating as no match")
			continue
		}
		if !matched {
			continue
		}
		go d.deliver(context.WithoutCancel(ctx), h, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h *Hook, ev ToolEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("webhook: failed to marshal event")
		return
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "agentgw-webhook/1.0")
		req.Header.Set("X-Gateway-Event", ev.ToolName)
		if h.Secret != "" {
			mac := hmac.New(sha256.New, []byte(h.Secret))
			mac.Write(body)
			req.Header.Set("X-Gateway-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook delivery got HTTP %d from %s", resp.StatusCode, h.URL)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook delivery got HTTP %d from %s", resp.StatusCode, h.URL))
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		log.Warn().Err(err).Str("url", h.URL).Msg("webhook: delivery failed after retries")
	}
}
