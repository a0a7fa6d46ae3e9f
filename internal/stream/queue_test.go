package stream

import (
	"testing"
	"time"

	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_CoalescesAdjacentSameIndexDeltas(t *testing.T) {
	// Zero capacity means every Push finds the queue full absent a ready
	// reader, deterministically exercising the queue-full coalescing
	// fallback rather than the immediate non-blocking delivery path.
	q := NewQueue(0, func() {})

	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "Hel"})
	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "lo"})

	go q.Flush()

	select {
	case ev := <-q.Out():
		assert.Equal(t, "Hello", ev.Delta)
	case <-time.After(time.Second):
		t.Fatal("expected one coalesced event")
	}
}

func TestQueue_DeltaDeliveredImmediatelyWhenQueueHasRoom(t *testing.T) {
	// With room in the queue, a delta is delivered right away rather than
	// held in the coalescing buffer until Flush/Close — coalescing is the
	// on-queue-full fallback, not the default.
	q := NewQueue(4, func() {})

	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "Hel"})

	select {
	case ev := <-q.Out():
		assert.Equal(t, "Hel", ev.Delta)
	default:
		t.Fatal("expected the delta to be delivered without blocking on Flush")
	}
}

func TestQueue_DifferentIndexDeltasNotCoalesced(t *testing.T) {
	q := NewQueue(4, func() {})

	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "a"})
	q.Push(models.Event{Kind: models.EventPartial, Index: 1, Block: models.BlockTextDelta, Delta: "b"})
	q.Flush()

	first := <-q.Out()
	second := <-q.Out()
	assert.Equal(t, "a", first.Delta)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "b", second.Delta)
	assert.Equal(t, 1, second.Index)
}

func TestQueue_NeverCoalescesNonDeltaKinds(t *testing.T) {
	q := NewQueue(8, func() {})

	q.Push(models.Event{Kind: models.EventToolStart, ToolName: "bash"})
	q.Push(models.Event{Kind: models.EventToolStart, ToolName: "bash"})

	first := <-q.Out()
	second := <-q.Out()
	assert.Equal(t, models.EventToolStart, first.Kind)
	assert.Equal(t, models.EventToolStart, second.Kind)
}

func TestQueue_NonDeltaFlushesPendingDeltaFirst(t *testing.T) {
	q := NewQueue(8, func() {})

	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "partial-text"})
	q.Push(models.Event{Kind: models.EventResult, StopReason: models.StopCompleted})

	first := <-q.Out()
	second := <-q.Out()
	assert.Equal(t, models.EventPartial, first.Kind)
	assert.Equal(t, "partial-text", first.Delta)
	assert.Equal(t, models.EventResult, second.Kind)
}

func TestQueue_CancelDownstreamInvokesCancelFunc(t *testing.T) {
	called := make(chan struct{}, 1)
	q := NewQueue(1, func() { called <- struct{}{} })

	q.CancelDownstream()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected cancel func to be invoked")
	}

	// Pushes after cancellation must not block or panic.
	q.Push(models.Event{Kind: models.EventToolStart})
}

func TestQueue_PushBlocksProducerWhenFull(t *testing.T) {
	q := NewQueue(1, func() {})
	q.Push(models.Event{Kind: models.EventToolStart}) // fills the 1-capacity channel

	done := make(chan struct{})
	go func() {
		q.Push(models.Event{Kind: models.EventToolEnd}) // should block until drained
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push should have blocked with a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	<-q.Out() // drain one slot
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push should have unblocked after drain")
	}
}

func TestQueue_CancelDownstreamUnblocksStuckProducer(t *testing.T) {
	q := NewQueue(1, func() {})
	q.Push(models.Event{Kind: models.EventToolStart}) // fills the queue

	done := make(chan struct{})
	go func() {
		q.Push(models.Event{Kind: models.EventToolEnd}) // blocks, nobody drains
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.CancelDownstream()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked Push should give up once the queue is cancelled")
	}
}

func TestQueue_Close_FlushesPendingThenClosesChannel(t *testing.T) {
	q := NewQueue(4, func() {})
	q.Push(models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "x"})
	q.Close()

	ev, ok := <-q.Out()
	require.True(t, ok)
	assert.Equal(t, "x", ev.Delta)

	_, ok = <-q.Out()
	assert.False(t, ok, "channel should be closed after drain")
}
