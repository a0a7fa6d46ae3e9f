// Package agentrunner implements the AgentRunner component: drives one
// query invocation against the opaque agent SDK, owns exactly one SDK
// client for its lifetime, and guarantees that client is released on every
// exit path (normal completion, SDK error, or caller cancellation).
//
// The SDK is treated as an external coroutine producing a models.Event
// stream, not a component this package implements itself; drivers are
// registered per model kind behind an RWMutex-guarded registry, the same
// way a multi-provider HTTP router would resolve a provider by name.
package agentrunner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/rs/zerolog/log"
)

// SDKClient is the opaque agent SDK boundary. A concrete implementation
// drives one conversation turn (or many, for a long-running session) and
// emits models.Event values on Events() until the channel is closed.
// Implementations must close Events() on every exit path.
type SDKClient interface {
	// Start begins processing req and returns immediately; events arrive on
	// Events() asynchronously.
	Start(ctx context.Context, req *models.QueryRequest) error

	Events() <-chan models.Event

	// Interrupt requests best-effort cancellation of the in-flight turn.
	Interrupt(ctx context.Context) error

	// Answer resolves an outstanding permission_request event.
	Answer(ctx context.Context, toolUseID string, decision models.PermissionDecision) error

	// Close releases the client's resources. Safe to call more than once.
	Close() error
}

// Driver constructs an SDKClient for a given model. Registered per model
// kind, backing the single opaque-SDK seam this package drives.
type Driver interface {
	Kind() string
	NewClient(model string) (SDKClient, error)
}

// Registry holds the known drivers, keyed by their Kind().
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

func (r *Registry) Resolve(kind string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

// TurnRecord is everything the session layer persists about one completed
// turn: the counters that feed the Session row plus the append-only Turn
// and Checkpoint entries.
type TurnRecord struct {
	SessionID   string
	Prompt      string
	Response    string
	Usage       models.Usage
	Cost        *float64
	StopReason  models.StopReason
	Duration    time.Duration
	ResumeToken string
}

// SessionUpdater is the narrow seam AgentRunner uses to record turn
// accounting on the locked SessionStore without importing sessionstore
// directly (avoids a dependency cycle — sessionstore never needs to know
// about AgentRunner).
type SessionUpdater interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// ToolObserver receives tool lifecycle events (tool_start/tool_end/
// tool_result) as they stream through the runner. The WebhookDispatcher
// sits behind this seam; observers must not block.
type ToolObserver interface {
	OnToolEvent(ctx context.Context, sessionID string, ev models.Event)
}

// Runner drives a single query invocation end to end.
type Runner struct {
	client   SDKClient
	updater  SessionUpdater
	observer ToolObserver

	permissionTimeout time.Duration

	mu       sync.Mutex
	released bool
}

// New constructs a Runner that owns client for its entire lifetime. Callers
// must call Release (directly or via Run's internal defer) exactly once.
// updater and observer may each be nil.
func New(client SDKClient, updater SessionUpdater, observer ToolObserver, permissionTimeout time.Duration) *Runner {
	return &Runner{client: client, updater: updater, observer: observer, permissionTimeout: permissionTimeout}
}

// Release closes the owned SDK client. Idempotent.
func (r *Runner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if err := r.client.Close(); err != nil {
		log.Warn().Err(err).Msg("agent runner: SDK client close returned an error")
	}
}

func isToolEvent(kind models.EventKind) bool {
	return kind == models.EventToolStart || kind == models.EventToolEnd || kind == models.EventToolResult
}

// RunSingle drives req to completion and returns an aggregated response.
// Used by the non-streaming native query endpoint and by the OpenAI-compat
// adapter's non-streaming path.
func (r *Runner) RunSingle(ctx context.Context, sessionID string, req *models.QueryRequest) (*models.SingleQueryResponse, error) {
	defer r.Release()

	started := time.Now()
	if err := r.client.Start(ctx, req); err != nil {
		return nil, apierr.Upstream("sdk_start_failed", "failed to start agent invocation", err)
	}

	var content string

	for {
		select {
		case <-ctx.Done():
			r.bestEffortInterrupt()
			return nil, apierr.Timeout("query_cancelled", "caller cancelled the query")

		case ev, ok := <-r.client.Events():
			if !ok {
				return nil, apierr.Upstream("sdk_closed_unexpectedly", "agent SDK closed without a terminal event", nil)
			}

			switch ev.Kind {
			case models.EventPartial:
				// `message` carries tool-use blocks, never text — the
				// aggregated response text comes exclusively from
				// `partial`/text_delta events, the same stream the caller
				// would see in the SSE/WS path.
				if ev.Block == models.BlockTextDelta {
					content += ev.Delta
				}

			case models.EventToolStart, models.EventToolEnd, models.EventToolResult:
				if r.observer != nil {
					r.observer.OnToolEvent(ctx, sessionID, ev)
				}

			case models.EventPermissionRequest:
				r.autoDenyAfterTimeout(ctx, ev.ToolUseID)

			case models.EventResult:
				var usage models.Usage
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				r.recordTurn(ctx, TurnRecord{
					SessionID:   sessionID,
					Prompt:      req.Prompt,
					Response:    content,
					Usage:       usage,
					Cost:        ev.Cost,
					StopReason:  ev.StopReason,
					Duration:    time.Since(started),
					ResumeToken: ev.ResumeToken,
				})
				return &models.SingleQueryResponse{
					SessionID:  sessionID,
					Content:    content,
					StopReason: ev.StopReason,
					Usage:      usage,
					Cost:       ev.Cost,
				}, nil

			case models.EventError:
				return nil, apierr.Upstream(ev.ErrorCode, ev.ErrorMessage, errors.New(ev.ErrorMessage))
			}
		}
	}
}

// RunStreaming drives req to completion, forwarding every event verbatim to
// out. The caller (StreamMultiplexer) owns framing; Runner owns only the
// SDK lifecycle and turn accounting. Closes out on the terminal event or
// context cancellation, always releasing the SDK client first.
func (r *Runner) RunStreaming(ctx context.Context, sessionID string, req *models.QueryRequest, out chan<- models.Event) error {
	// Deferred calls run last-in first-out: Release runs before close(out).
	defer close(out)
	defer r.Release()

	started := time.Now()
	if err := r.client.Start(ctx, req); err != nil {
		return apierr.Upstream("sdk_start_failed", "failed to start agent invocation", err)
	}

	var content string

	for {
		select {
		case <-ctx.Done():
			r.bestEffortInterrupt()
			select {
			case out <- errorEvent("query_cancelled", "caller cancelled the query"):
			default:
			}
			return apierr.Timeout("query_cancelled", "caller cancelled the query")

		case ev, ok := <-r.client.Events():
			if !ok {
				return apierr.Upstream("sdk_closed_unexpectedly", "agent SDK closed without a terminal event", nil)
			}

			switch {
			case ev.Kind == models.EventPartial && ev.Block == models.BlockTextDelta:
				content += ev.Delta
			case isToolEvent(ev.Kind):
				if r.observer != nil {
					r.observer.OnToolEvent(ctx, sessionID, ev)
				}
			case ev.Kind == models.EventPermissionRequest:
				r.autoDenyAfterTimeout(ctx, ev.ToolUseID)
			case ev.Kind == models.EventResult:
				var usage models.Usage
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				r.recordTurn(ctx, TurnRecord{
					SessionID:   sessionID,
					Prompt:      req.Prompt,
					Response:    content,
					Usage:       usage,
					Cost:        ev.Cost,
					StopReason:  ev.StopReason,
					Duration:    time.Since(started),
					ResumeToken: ev.ResumeToken,
				})
			}

			out <- ev

			if ev.Kind == models.EventResult || ev.Kind == models.EventError {
				return nil
			}
		}
	}
}

func (r *Runner) recordTurn(ctx context.Context, rec TurnRecord) {
	if r.updater == nil {
		return
	}
	if err := r.updater.RecordTurn(ctx, rec); err != nil {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("failed to record turn accounting")
	}
}

// Interrupt requests best-effort cancellation of the active invocation.
func (r *Runner) Interrupt(ctx context.Context) error {
	return r.client.Interrupt(ctx)
}

// Answer resolves an outstanding permission_request.
func (r *Runner) Answer(ctx context.Context, toolUseID string, decision models.PermissionDecision) error {
	return r.client.Answer(ctx, toolUseID, decision)
}

func (r *Runner) bestEffortInterrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Interrupt(ctx); err != nil {
		log.Debug().Err(err).Msg("agent runner: best-effort interrupt on cancellation failed")
	}
}

// autoDenyAfterTimeout implements the "unanswered permission_request within
// timeout is auto-denied and the turn is interrupted" rule. It
// races a timer against the caller answering via Answer(); since Answer
// itself is driven by the InterruptController on a separate goroutine, this
// only fires when nobody calls Answer in time.
func (r *Runner) autoDenyAfterTimeout(parent context.Context, toolUseID string) {
	go func() {
		t := time.NewTimer(r.permissionTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.client.Answer(ctx, toolUseID, models.DecisionDeny); err != nil {
				log.Debug().Err(err).Str("tool_use_id", toolUseID).Msg("auto-deny on permission timeout failed")
				return
			}
			if err := r.client.Interrupt(ctx); err != nil {
				log.Debug().Err(err).Msg("interrupt after permission timeout failed")
			}
		case <-parent.Done():
		}
	}()
}

func errorEvent(code, message string) models.Event {
	return models.Event{Kind: models.EventError, ErrorCode: code, ErrorMessage: message}
}
