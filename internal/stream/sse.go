// Package stream implements the StreamMultiplexer (SSE + WebSocket framing
// of AgentRunner's event stream) and the InterruptController (the inbound
// half of the WebSocket channel).
//
// The admission rule is strict: a bounded queue blocks the producer once
// full rather than dropping events for a slow consumer.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/pkg/models"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 15 * time.Second

// SSEWriter frames an AgentRunner event channel as Server-Sent Events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the SSE response headers and returns a writer ready to
// stream frames. Returns an error if the ResponseWriter doesn't support
// flushing (required for incremental delivery).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one `event: <kind>\ndata: <json>\n\n` frame.
func (s *SSEWriter) WriteEvent(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteHeartbeat writes a comment-only keepalive frame.
func (s *SSEWriter) WriteHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteData writes one data-only `data: <json>\n\n` frame, the framing the
// OpenAI-compatible stream uses (no `event:` field).
func (s *SSEWriter) WriteData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone writes the OpenAI-compatible stream terminator frame.
func (s *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Pump drains events from the multiplexer's queue to the SSE connection
// until a terminal (result/error) event closes the response, the request
// context is cancelled, or the client is cut off for being too slow to
// drain.
func (s *SSEWriter) Pump(r *http.Request, queue *Queue, slowClientCutoff time.Duration) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	lastProgress := time.Now()

	for {
		select {
		case <-r.Context().Done():
			queue.CancelDownstream()
			return

		case <-heartbeat.C:
			if time.Since(lastProgress) > slowClientCutoff {
				log.Warn().Msg("sse: slow client exceeded cutoff, cancelling multiplexer")
				queue.CancelDownstream()
				return
			}
			if err := s.WriteHeartbeat(); err != nil {
				queue.CancelDownstream()
				return
			}

		case ev, ok := <-queue.Out():
			if !ok {
				return
			}
			lastProgress = time.Now()
			if err := s.WriteEvent(string(ev.Kind), ev); err != nil {
				queue.CancelDownstream()
				return
			}
			if ev.Kind == models.EventResult || ev.Kind == models.EventError {
				return
			}
		}
	}
}
