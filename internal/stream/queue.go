package stream

import (
	"context"
	"sync"

	"github.com/agentgw/agentgw/pkg/models"
)

// Queue is the bounded admission-control boundary between an AgentRunner and
// its network writer (SSE or WebSocket). It is the only point in the pipeline
// with an admission policy; the channels feeding it hold a few events of their
// own (the handlers give the runner a one-slot output channel, and
// OpenAIDriver's event channel holds 16). On full, Push blocks the producer — except that
// consecutive partial events sharing the same content-block Index and the
// same delta Block kind are coalesced into a single queued event rather than
// queued separately. Every other event kind (tool_start/tool_end/
// tool_result/message/permission_request/result/error) is never coalesced,
// even if queued back-to-back.
type Queue struct {
	capacity int
	out      chan models.Event
	done     chan struct{} // closed by CancelDownstream; unblocks stuck producers

	mu        sync.Mutex
	pending   *models.Event // coalescing buffer: the not-yet-queued latest delta
	cancelled bool

	cancelCause context.CancelFunc
}

// NewQueue creates a Queue with the given bound. cancel is invoked by
// CancelDownstream to propagate cancellation back to the owning AgentRunner
// (client-conn-close → multiplexer → runner).
func NewQueue(capacity int, cancel context.CancelFunc) *Queue {
	return &Queue{
		capacity:    capacity,
		out:         make(chan models.Event, capacity),
		done:        make(chan struct{}),
		cancelCause: cancel,
	}
}

func (q *Queue) Out() <-chan models.Event { return q.out }

// Push enqueues ev. Every non-delta event blocks the caller until delivered
// (deliberate backpressure, not a bug). A delta event is always attempted
// immediately via a non-blocking send first; coalescing into the pending
// buffer only happens as a fallback when the queue is genuinely full —
// coalescing is the on-queue-full alternative to blocking, never a default
// that runs ahead of capacity.
func (q *Queue) Push(ev models.Event) {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}

	if !isDelta(ev) {
		toFlush := q.pending
		q.pending = nil
		q.mu.Unlock()
		if toFlush != nil {
			q.send(*toFlush)
		}
		q.send(ev)
		return
	}

	if q.pending != nil && coalescable(*q.pending, ev) {
		merged := *q.pending
		merged.Delta += ev.Delta
		select {
		case q.out <- merged:
			q.pending = nil
		default:
			q.pending = &merged
		}
		q.mu.Unlock()
		return
	}

	// A differently-shaped delta is already buffered from an earlier
	// queue-full fallback: flush it in order before considering ev.
	toFlush := q.pending
	q.pending = nil
	q.mu.Unlock()
	if toFlush != nil {
		q.send(*toFlush)
	}

	select {
	case q.out <- ev:
	default:
		q.mu.Lock()
		if !q.cancelled {
			q.pending = &ev
		}
		q.mu.Unlock()
	}
}

// Flush forces any buffered coalesced delta out, used before a non-delta
// event and at stream end.
func (q *Queue) Flush() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	if pending != nil {
		q.send(*pending)
	}
}

// send delivers ev with backpressure, giving up only when the queue has been
// cancelled — a producer blocked on a full queue must not outlive a consumer
// that walked away.
func (q *Queue) send(ev models.Event) {
	select {
	case q.out <- ev:
	case <-q.done:
	}
}

func (q *Queue) Close() {
	q.Flush()
	close(q.out)
}

// CancelDownstream marks the queue cancelled and invokes the bound cancel
// function, propagating a slow/disconnected consumer's cancellation back to
// the AgentRunner driving this stream.
func (q *Queue) CancelDownstream() {
	q.mu.Lock()
	already := q.cancelled
	q.cancelled = true
	q.mu.Unlock()
	if !already {
		close(q.done)
	}
	if q.cancelCause != nil {
		q.cancelCause()
	}
}

func isDelta(ev models.Event) bool {
	return ev.Kind == models.EventPartial &&
		(ev.Block == models.BlockTextDelta || ev.Block == models.BlockThinkingDelta || ev.Block == models.BlockInputJSONDelta)
}

func coalescable(a, b models.Event) bool {
	return a.Kind == b.Kind && a.Index == b.Index && a.Block == b.Block
}
