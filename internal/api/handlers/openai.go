package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/openaicompat"
	"github.com/agentgw/agentgw/internal/stream"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// knownRequestFields is the subset of an OpenAI chat-completions request
// body this adapter actually reads. Anything else present is accepted and
// logged once per request rather than rejected.
var knownRequestFields = map[string]bool{
	"model": true, "messages": true, "stream": true,
	"temperature": true, "max_tokens": true,
}

func (h *Handlers) decodeChatCompletionRequest(w http.ResponseWriter, r *http.Request) (*openaicompat.ChatCompletionRequest, []string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Cfg.MaxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, apierr.Validation("body_too_large", "request body exceeds the maximum allowed size")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, apierr.Validation("malformed_json", "request body is not valid JSON")
	}

	var req openaicompat.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, apierr.Validation("malformed_json", "request body is not valid JSON")
	}

	var unrecognized []string
	for k := range raw {
		if !knownRequestFields[k] {
			unrecognized = append(unrecognized, k)
		}
	}
	return &req, unrecognized, nil
}

// ChatCompletions handles POST /v1/chat/completions, sync or streamed.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	own := owner(r)

	req, unrecognized, err := h.decodeChatCompletionRequest(w, r)
	if err != nil {
		h.writeOpenAIError(w, err)
		return
	}
	if !openaicompat.IsKnownModel(req.Model) {
		h.writeOpenAIError(w, apierr.NotFound("model_not_found", "unknown model: "+req.Model))
		return
	}

	qreq, err := openaicompat.ToQueryRequest(req, unrecognized)
	if err != nil {
		h.writeOpenAIError(w, err)
		return
	}
	if qreq.Prompt == "" {
		h.writeOpenAIError(w, apierr.Validation("messages", "messages must contain at least one user or assistant entry"))
		return
	}

	sess, err := h.newSession(r, own, qreq.Model, createSessionRequest{Model: qreq.Model})
	if err != nil {
		h.writeOpenAIError(w, err)
		return
	}

	runner, err := h.newRunner(own, qreq.Model)
	if err != nil {
		h.writeOpenAIError(w, err)
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()
	createdAt := time.Now().UTC()

	if !req.Stream {
		resp, err := runner.RunSingle(r.Context(), sess.ID, qreq)
		if err != nil {
			h.writeOpenAIError(w, err)
			return
		}
		// The response's model field carries the native model name, not the
		// OpenAI alias the caller sent.
		writeJSON(w, http.StatusOK, openaicompat.ToChatCompletionResponse(completionID, createdAt, qreq.Model, resp))
		return
	}

	h.streamChatCompletion(w, r, sess.ID, qreq, completionID, createdAt, runner)
}

func (h *Handlers) streamChatCompletion(w http.ResponseWriter, r *http.Request, sessionID string, qreq *models.QueryRequest,
	completionID string, createdAt time.Time, runner *agentrunner.Runner) {
	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		h.writeOpenAIError(w, apierr.Internal("sse_unsupported", "streaming is not supported by this connection", err))
		return
	}

	// Same bounded-queue pipeline as the native stream — the queue is the
	// single admission-control point for one stream — just framed as
	// OpenAI chunks on the way out.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := stream.NewQueue(h.Cfg.StreamQueueCapacity, cancel)
	events := make(chan models.Event, 1)

	go func() {
		_ = runner.RunStreaming(ctx, sessionID, qreq, events)
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

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	lastProgress := time.Now()

	for {
		select {
		case <-r.Context().Done():
			queue.CancelDownstream()
			return

		case <-heartbeat.C:
			if time.Since(lastProgress) > h.Cfg.SlowClientCutoff {
				queue.CancelDownstream()
				return
			}
			if err := sse.WriteHeartbeat(); err != nil {
				queue.CancelDownstream()
				return
			}

		case ev, ok := <-queue.Out():
			if !ok {
				_ = sse.WriteDone()
				return
			}
			lastProgress = time.Now()
			chunk, done, convertible := openaicompat.ToChunk(completionID, createdAt, qreq.Model, ev)
			if convertible {
				if err := sse.WriteData(chunk); err != nil {
					queue.CancelDownstream()
					return
				}
			}
			if done {
				_ = sse.WriteDone()
				return
			}
		}
	}
}

func (h *Handlers) writeOpenAIError(w http.ResponseWriter, err error) {
	status, body := openaicompat.ToAPIError(err)
	if status >= 500 {
		log.Error().Err(err).Msg("openai-compat: internal error")
	}
	writeJSON(w, status, body)
}

// modelListEntry mirrors OpenAI's GET /v1/models entry shape.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

var compatModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}

// ListModels handles GET /v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Unix()
	data := make([]modelListEntry, 0, len(compatModels))
	for _, id := range compatModels {
		data = append(data, modelListEntry{ID: id, Object: "model", Created: now, OwnedBy: "agentgw"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// GetModel handles GET /v1/models/{id}.
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !openaicompat.IsKnownModel(id) {
		h.writeOpenAIError(w, apierr.NotFound("model_not_found", "unknown model: "+id))
		return
	}
	writeJSON(w, http.StatusOK, modelListEntry{ID: id, Object: "model", Created: time.Now().UTC().Unix(), OwnedBy: "agentgw"})
}
