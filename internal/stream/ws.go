package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// maxProtocolViolations is the number of invalid state transitions the
// InterruptController tolerates over the life of a connection (the count is
// never reset) before it stops serving and closes the connection.
const maxProtocolViolations = 3

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is handled upstream by the CORS middleware; the
	// WebSocket handshake itself accepts any origin that already cleared
	// authentication.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsState is the InterruptController's per-connection state machine:
// idle → running(prompt) → running(answer/interrupt) → idle(terminal).
type wsState int

const (
	wsIdle wsState = iota
	wsRunning
)

// QueryPreparer readies one inbound prompt for execution: resolves the MCP
// server map into req, ensures the session record exists, and returns a
// fresh Runner. Each InboundPrompt message gets its own Runner/SDKClient
// instance — one SDK client per invocation, never reused across turns.
type QueryPreparer func(ctx context.Context, req *models.QueryRequest) (*agentrunner.Runner, error)

// Controller implements the InterruptController: the bidirectional
// WebSocket half of the StreamMultiplexer, accepting prompt/interrupt/answer
// inbound messages and relaying the active Runner's event stream outbound.
//
// One goroutine per direction under mutex-guarded connection state, with a
// single-consumer bounded Queue between the Runner and the socket writer
// and an explicit idle/running state machine gating prompt/interrupt/answer.
type Controller struct {
	sessionID     string
	prepare       QueryPreparer
	queueCapacity int

	mu         sync.Mutex
	state      wsState
	runner     *agentrunner.Runner
	cancelRun  context.CancelFunc
	violations int
}

func NewController(sessionID string, prepare QueryPreparer, queueCapacity int) *Controller {
	return &Controller{sessionID: sessionID, prepare: prepare, queueCapacity: queueCapacity}
}

// Serve upgrades r to a WebSocket and runs the controller loop until the
// connection closes. Blocks until then.
func (c *Controller) Serve(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var in models.InboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			c.teardownActiveRun()
			return err
		}

		switch in.Kind {
		case models.InboundPrompt:
			if err := c.handlePrompt(r.Context(), &in, conn, writeJSON); err != nil {
				if c.protocolViolation(writeJSON, "already_running", "a prompt is already in flight on this connection") {
					return nil
				}
			}

		case models.InboundInterrupt:
			if !c.handleInterrupt(r.Context()) {
				if c.protocolViolation(writeJSON, "not_running", "no prompt is in flight to interrupt") {
					return nil
				}
			}

		case models.InboundAnswer:
			if !c.handleAnswer(r.Context(), in.ToolUseID, in.Decision) {
				if c.protocolViolation(writeJSON, "not_running", "no prompt is in flight to answer") {
					return nil
				}
			}

		default:
			if c.protocolViolation(writeJSON, "unknown_kind", "unrecognized inbound message kind") {
				return nil
			}
		}
	}
}

func (c *Controller) handlePrompt(ctx context.Context, in *models.InboundMessage, conn *websocket.Conn, writeJSON func(any) error) error {
	c.mu.Lock()
	if c.state != wsIdle || in.Prompt == nil {
		c.mu.Unlock()
		return errInvalidTransition
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = wsRunning
	c.cancelRun = cancel
	c.mu.Unlock()

	in.Prompt.SessionID = c.sessionID
	runner, err := c.prepare(runCtx, in.Prompt)
	if err != nil {
		c.mu.Lock()
		c.state = wsIdle
		c.cancelRun = nil
		c.mu.Unlock()
		cancel()
		_ = writeJSON(errorEvent("sdk_unavailable", err.Error()))
		return nil
	}

	c.mu.Lock()
	c.runner = runner
	c.mu.Unlock()

	queue := NewQueue(c.queueCapacity, cancel)
	events := make(chan models.Event, 1)

	go func() {
		if err := runner.RunStreaming(runCtx, c.sessionID, in.Prompt, events); err != nil {
			log.Debug().Err(err).Str("session_id", c.sessionID).Msg("ws interrupt controller: run ended with error")
		}
	}()

	go func() {
		for ev := range events {
			queue.Push(ev)
			if ev.Kind == models.EventResult || ev.Kind == models.EventError {
				break
			}
		}
		queue.Close()
	}()

	go func() {
		for ev := range queue.Out() {
			if err := writeJSON(ev); err != nil {
				queue.CancelDownstream()
				break
			}
		}
		c.mu.Lock()
		c.state = wsIdle
		c.runner = nil
		c.cancelRun = nil
		c.mu.Unlock()
	}()

	return nil
}

func (c *Controller) handleInterrupt(ctx context.Context) bool {
	c.mu.Lock()
	runner := c.runner
	running := c.state == wsRunning
	c.mu.Unlock()
	if !running || runner == nil {
		return false
	}
	ictx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := runner.Interrupt(ictx); err != nil {
		log.Debug().Err(err).Msg("ws interrupt controller: interrupt failed")
	}
	return true
}

func (c *Controller) handleAnswer(ctx context.Context, toolUseID string, decision models.PermissionDecision) bool {
	c.mu.Lock()
	runner := c.runner
	running := c.state == wsRunning
	c.mu.Unlock()
	if !running || runner == nil {
		return false
	}
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := runner.Answer(actx, toolUseID, decision); err != nil {
		log.Debug().Err(err).Msg("ws interrupt controller: answer failed")
	}
	return true
}

func (c *Controller) teardownActiveRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.state = wsIdle
	c.runner = nil
	c.cancelRun = nil
}

// protocolViolation reports an invalid state transition to the client
// without closing the connection, unless the client has exceeded the
// tolerance threshold, in which case it writes nothing and returns true to
// tell the caller to stop serving; the connection is then closed without a
// WebSocket close frame or status code.
func (c *Controller) protocolViolation(writeJSON func(any) error, code, message string) bool {
	c.mu.Lock()
	c.violations++
	exceeded := c.violations > maxProtocolViolations
	c.mu.Unlock()

	if exceeded {
		log.Warn().Str("session_id", c.sessionID).Msg("ws interrupt controller: closing for repeated protocol violations")
		return true
	}
	_ = writeJSON(errorEvent(code, message))
	return false
}

var errInvalidTransition = invalidTransitionErr{}

type invalidTransitionErr struct{}

func (invalidTransitionErr) Error() string { return "invalid state transition" }

func errorEvent(code, message string) models.Event {
	return models.Event{Kind: models.EventError, ErrorCode: code, ErrorMessage: message}
}
