package agentrunner

import (
	"context"
	"sync"
	"time"

	"github.com/agentgw/agentgw/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDriver backs the opaque SDK boundary with a real model, for
// deployments that don't have the native agent SDK available — e.g. local
// development and the test suite. It implements Driver/SDKClient using
// sashabaranov/go-openai the same way the OpenAI-compat adapter shapes its
// own wire types, so the two share a vocabulary even though they serve
// opposite directions of translation.
type OpenAIDriver struct {
	client *openai.Client
}

func NewOpenAIDriver(client *openai.Client) *OpenAIDriver {
	return &OpenAIDriver{client: client}
}

func (d *OpenAIDriver) Kind() string { return "openai" }

func (d *OpenAIDriver) NewClient(model string) (SDKClient, error) {
	return &openaiSDKClient{client: d.client, model: model, events: make(chan models.Event, 16)}, nil
}

type openaiSDKClient struct {
	client *openai.Client
	model  string

	events chan models.Event

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *openaiSDKClient) Events() <-chan models.Event { return c.events }

func (c *openaiSDKClient) Start(parent context.Context, req *models.QueryRequest) error {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, req)
	return nil
}

func (c *openaiSDKClient) run(ctx context.Context, req *models.QueryRequest) {
	defer close(c.events)

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Stream: true,
	})
	if err != nil {
		c.emitTerminal(models.Event{Kind: models.EventError, ErrorCode: "upstream_error", ErrorMessage: err.Error()})
		return
	}
	defer stream.Close()

	var inputTokens, outputTokens int64

	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			// All text deltas of one completion belong to one content block,
			// so Index stays 0 — the multiplexer's same-index coalescing
			// depends on that.
			if !c.emit(ctx, models.Event{
				Kind:  models.EventPartial,
				Index: 0,
				Block: models.BlockTextDelta,
				Delta: delta,
			}) {
				break
			}
		}
		if chunk.Usage != nil {
			inputTokens = int64(chunk.Usage.PromptTokens)
			outputTokens = int64(chunk.Usage.CompletionTokens)
		}
	}

	// No trailing `message` event here: `message` is reserved for
	// aggregated tool-use blocks, not text streaming. Text reaches callers
	// exclusively through the `partial`/text_delta events emitted above;
	// RunSingle accumulates them itself to build SingleQueryResponse.Content.

	select {
	case <-ctx.Done():
		c.emitTerminal(models.Event{Kind: models.EventResult, StopReason: models.StopInterrupted})
	default:
		c.emitTerminal(models.Event{
			Kind:       models.EventResult,
			StopReason: models.StopCompleted,
			Usage:      &models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		})
	}
}

// emit blocks until the consumer takes ev — the bounded admission control
// one layer up (StreamMultiplexer) is allowed to push back all the way into
// this producer. Returns false if ctx is cancelled while waiting.
func (c *openaiSDKClient) emit(ctx context.Context, ev models.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers the terminal event within a bounded window even when
// the run context is already cancelled — a cancelled runner must still drain
// its terminal event or give up within bounded time, never hang.
func (c *openaiSDKClient) emitTerminal(ev models.Event) {
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case c.events <- ev:
	case <-t.C:
	}
}

func (c *openaiSDKClient) Interrupt(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *openaiSDKClient) Answer(_ context.Context, _ string, _ models.PermissionDecision) error {
	// The OpenAI chat-completions surface has no tool-permission protocol;
	// answers are accepted and ignored rather than rejected, matching how
	// unsupported sampling fields are treated elsewhere at this boundary.
	return nil
}

func (c *openaiSDKClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	})
	return nil
}
