package agentrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentgw/agentgw/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSDKClient is a scriptable SDKClient double: the test feeds it a fixed
// sequence of events to emit once Start is called.
type fakeSDKClient struct {
	scripted []models.Event
	events   chan models.Event

	mu          sync.Mutex
	closed      bool
	interrupted bool
	answered    []string
	startErr    error
}

func newFakeSDKClient(scripted ...models.Event) *fakeSDKClient {
	return &fakeSDKClient{scripted: scripted, events: make(chan models.Event, len(scripted)+1)}
}

func (f *fakeSDKClient) Start(ctx context.Context, req *models.QueryRequest) error {
	if f.startErr != nil {
		return f.startErr
	}
	go func() {
		for _, ev := range f.scripted {
			f.events <- ev
		}
		close(f.events)
	}()
	return nil
}

func (f *fakeSDKClient) Events() <-chan models.Event { return f.events }

func (f *fakeSDKClient) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
	return nil
}

func (f *fakeSDKClient) Answer(ctx context.Context, toolUseID string, decision models.PermissionDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, toolUseID)
	return nil
}

func (f *fakeSDKClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeUpdater records RecordTurn calls.
type fakeUpdater struct {
	mu    sync.Mutex
	calls int
	last  TurnRecord
}

func (u *fakeUpdater) RecordTurn(ctx context.Context, rec TurnRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.last = rec
	return nil
}

// fakeObserver records tool events seen by the runner.
type fakeObserver struct {
	mu     sync.Mutex
	events []models.Event
}

func (o *fakeObserver) OnToolEvent(ctx context.Context, sessionID string, ev models.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func TestRunSingle_AggregatesTextAndReleasesClient(t *testing.T) {
	// Content is aggregated from partial/text_delta events — `message`
	// carries tool-use blocks, never text streaming.
	client := newFakeSDKClient(
		models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "Hello, "},
		models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "world"},
		models.Event{Kind: models.EventResult, StopReason: models.StopCompleted, Usage: &models.Usage{InputTokens: 5, OutputTokens: 7}},
	)
	updater := &fakeUpdater{}
	r := New(client, updater, nil, time.Second)

	resp, err := r.RunSingle(context.Background(), "sess-1", &models.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", resp.Content)
	assert.Equal(t, models.StopCompleted, resp.StopReason)
	assert.Equal(t, int64(5), resp.Usage.InputTokens)

	client.mu.Lock()
	assert.True(t, client.closed)
	client.mu.Unlock()

	assert.Equal(t, 1, updater.calls)
	assert.Equal(t, "hi", updater.last.Prompt)
	assert.Equal(t, "Hello, world", updater.last.Response)
	assert.Equal(t, models.StopCompleted, updater.last.StopReason)
}

func TestRunSingle_SDKErrorEventSurfacesAsUpstreamError(t *testing.T) {
	client := newFakeSDKClient(models.Event{Kind: models.EventError, ErrorCode: "boom", ErrorMessage: "kaboom"})
	r := New(client, nil, nil, time.Second)

	_, err := r.RunSingle(context.Background(), "sess-1", &models.QueryRequest{Prompt: "hi"})
	require.Error(t, err)

	client.mu.Lock()
	assert.True(t, client.closed)
	client.mu.Unlock()
}

func TestRunSingle_ContextCancellationReturnsErrorAndReleases(t *testing.T) {
	client := newFakeSDKClient() // never emits a terminal event
	r := New(client, nil, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RunSingle(ctx, "sess-1", &models.QueryRequest{Prompt: "hi"})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.closed
	}, time.Second, 10*time.Millisecond)
}

func TestRunSingle_ToolEventsReachObserver(t *testing.T) {
	client := newFakeSDKClient(
		models.Event{Kind: models.EventToolStart, ToolUseID: "t1", ToolName: "shell_exec"},
		models.Event{Kind: models.EventToolResult, ToolUseID: "t1", ToolName: "shell_exec", ToolStatus: models.ToolResultSuccess},
		models.Event{Kind: models.EventResult, StopReason: models.StopCompleted},
	)
	obs := &fakeObserver{}
	r := New(client, nil, obs, time.Second)

	_, err := r.RunSingle(context.Background(), "sess-1", &models.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.events, 2)
	assert.Equal(t, models.EventToolStart, obs.events[0].Kind)
	assert.Equal(t, models.EventToolResult, obs.events[1].Kind)
}

func TestRunStreaming_ForwardsEventsVerbatimAndClosesOut(t *testing.T) {
	client := newFakeSDKClient(
		models.Event{Kind: models.EventPartial, Index: 0, Block: models.BlockTextDelta, Delta: "Hi"},
		models.Event{Kind: models.EventResult, StopReason: models.StopCompleted},
	)
	updater := &fakeUpdater{}
	r := New(client, updater, nil, time.Second)

	out := make(chan models.Event, 8)
	err := r.RunStreaming(context.Background(), "sess-1", &models.QueryRequest{Prompt: "hi"}, out)
	require.NoError(t, err)

	var got []models.Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.EventPartial, got[0].Kind)
	assert.Equal(t, models.EventResult, got[1].Kind)
	assert.Equal(t, 1, updater.calls)
	assert.Equal(t, "Hi", updater.last.Response)
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Resolve("openai")
	assert.False(t, ok)

	reg.Register(&stubDriver{kind: "openai"})
	d, ok := reg.Resolve("openai")
	require.True(t, ok)
	assert.Equal(t, "openai", d.Kind())
}

type stubDriver struct{ kind string }

func (s *stubDriver) Kind() string                              { return s.kind }
func (s *stubDriver) NewClient(model string) (SDKClient, error) { return nil, nil }
