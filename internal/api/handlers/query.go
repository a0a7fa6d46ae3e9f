package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/jsonval"
	"github.com/agentgw/agentgw/internal/mcpinject"
	"github.com/agentgw/agentgw/internal/stream"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/google/uuid"
)

// resolveMCPOverride inspects the raw "mcp_servers" field of a query body to
// distinguish three states: the key is absent
// entirely (unset), present as null or {} (explicit disable), or present as
// a non-empty object (explicit override). json.Unmarshal alone can't tell
// "absent" from "null", so the caller passes the raw body's key set.
func resolveMCPOverride(present bool, raw jsonval.Json) mcpinject.RequestOverride {
	if !present || raw == nil {
		if present {
			return mcpinject.RequestOverride{State: mcpinject.OverrideEmptyMap}
		}
		return mcpinject.RequestOverride{State: mcpinject.OverrideUnset}
	}
	m, ok := jsonval.AsMap(raw)
	if !ok || len(m) == 0 {
		return mcpinject.RequestOverride{State: mcpinject.OverrideEmptyMap}
	}
	return mcpinject.RequestOverride{State: mcpinject.OverrideExplicit, Entries: m}
}

// mergedServersToJson re-encodes the McpInjector's resolved server list as
// the jsonval shape the opaque SDK boundary expects on QueryRequest.MCPServers.
func mergedServersToJson(servers []models.MCPServerConfig) jsonval.Json {
	out := make(map[string]jsonval.Json, len(servers))
	for _, cfg := range servers {
		entry := map[string]jsonval.Json{
			"transport": string(cfg.Transport),
			"enabled":   cfg.Enabled,
		}
		if cfg.Command != "" {
			entry["command"] = cfg.Command
		}
		if cfg.URL != "" {
			entry["url"] = cfg.URL
		}
		if len(cfg.Args) > 0 {
			args := make([]jsonval.Json, len(cfg.Args))
			for i, a := range cfg.Args {
				args[i] = a
			}
			entry["args"] = args
		}
		if len(cfg.Env) > 0 {
			env := make(map[string]jsonval.Json, len(cfg.Env))
			for k, v := range cfg.Env {
				env[k] = v
			}
			entry["env"] = env
		}
		if len(cfg.Headers) > 0 {
			hdr := make(map[string]jsonval.Json, len(cfg.Headers))
			for k, v := range cfg.Headers {
				hdr[k] = v
			}
			entry["headers"] = hdr
		}
		out[cfg.Name] = entry
	}
	return out
}

// newRunner resolves the active driver, builds a fresh SDK client for model,
// and wraps it as an AgentRunner with turn accounting and tool-webhook
// observation bound to owner. Every invocation gets its own SDK client,
// released on every exit path.
func (h *Handlers) newRunner(owner, model string) (*agentrunner.Runner, error) {
	driver, ok := h.Registry.Resolve(h.DefaultDriverKind)
	if !ok {
		return nil, apierr.ToolUnavailable("no_driver_configured", "no agent driver is configured for this gateway")
	}
	client, err := driver.NewClient(model)
	if err != nil {
		return nil, apierr.Upstream("sdk_client_failed", "failed to construct agent SDK client", err)
	}
	recorder := &turnRecorder{store: h.Sessions, turns: h.Turns, checkpoints: h.Checkpoints, owner: owner}
	observer := &toolHookObserver{webhooks: h.Webhooks, owner: owner}
	return agentrunner.New(client, recorder, observer, h.Cfg.PermissionRequestTimeout), nil
}

// resolveSession returns the session a query targets, creating one if
// req.SessionID is empty — a tenant's first query creates its session.
// A query continuing an existing session also picks up that session's latest
// checkpoint resume token so the SDK resumes instead of starting cold.
func (h *Handlers) resolveSession(r *http.Request, own string, req *models.QueryRequest) (*models.Session, error) {
	if req.SessionID == "" {
		return h.newSession(r, own, req.Model, createSessionRequest{Model: req.Model})
	}
	sess, err := h.Sessions.Get(r.Context(), req.SessionID, own)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = sess.Model
	}
	if cp, err := h.Checkpoints.Latest(r.Context(), sess.ID); err == nil {
		req.ResumeToken = cp.ResumeToken
	}
	return sess, nil
}

// decodeQueryRequest decodes the body into both a raw map (to detect
// mcp_servers presence) and the typed QueryRequest.
func (h *Handlers) decodeQueryRequest(w http.ResponseWriter, r *http.Request) (*models.QueryRequest, mcpinject.RequestOverride, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Cfg.MaxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, mcpinject.RequestOverride{}, apierr.Validation("body_too_large", "request body exceeds the maximum allowed size")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, mcpinject.RequestOverride{}, apierr.Validation("malformed_json", "request body is not valid JSON")
	}

	var req models.QueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, mcpinject.RequestOverride{}, apierr.Validation("malformed_json", "request body is not valid JSON")
	}
	if req.Prompt == "" {
		return nil, mcpinject.RequestOverride{}, apierr.Validation("prompt", "prompt is required")
	}
	if len(req.Prompt) > h.Cfg.MaxPromptChars {
		return nil, mcpinject.RequestOverride{}, apierr.Validation("prompt", "prompt exceeds the maximum allowed length")
	}
	if req.MaxTurns == 0 {
		req.MaxTurns = h.Cfg.DefaultMaxTurns
	}

	rawMCP, present := raw["mcp_servers"]
	var rawVal jsonval.Json
	if present {
		_ = json.Unmarshal(rawMCP, &rawVal)
	}
	override := resolveMCPOverride(present, rawVal)

	return &req, override, nil
}

// Query handles POST /api/v1/query: sync or SSE-streamed depending on
// req.Stream.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	own := owner(r)
	req, override, err := h.decodeQueryRequest(w, r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	sess, err := h.resolveSession(r, own, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	req.SessionID = sess.ID

	servers, err := h.Injector.Resolve(r.Context(), own, override)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	req.MCPServers = mergedServersToJson(servers)

	if req.Stream {
		h.streamQuery(w, r, req)
		return
	}

	runner, err := h.newRunner(own, req.Model)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resp, err := runner.RunSingle(r.Context(), sess.ID, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueryStream handles POST /api/v1/query/stream: always SSE regardless of
// the stream field in the body.
func (h *Handlers) QueryStream(w http.ResponseWriter, r *http.Request) {
	own := owner(r)
	req, override, err := h.decodeQueryRequest(w, r)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	sess, err := h.resolveSession(r, own, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	req.SessionID = sess.ID

	servers, err := h.Injector.Resolve(r.Context(), own, override)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	req.MCPServers = mergedServersToJson(servers)

	h.streamQuery(w, r, req)
}

func (h *Handlers) streamQuery(w http.ResponseWriter, r *http.Request, req *models.QueryRequest) {
	own := owner(r)
	runner, err := h.newRunner(own, req.Model)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		writeAPIError(w, apierr.Internal("sse_unsupported", "streaming is not supported by this connection", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := stream.NewQueue(h.Cfg.StreamQueueCapacity, cancel)
	events := make(chan models.Event, 1)

	go func() {
		_ = runner.RunStreaming(ctx, req.SessionID, req, events)
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

	sse.Pump(r, queue, h.Cfg.SlowClientCutoff)
}

// QueryWS handles WS /api/v1/query/ws: the bidirectional InterruptController
// surface. sessionID is carried in the query string since the
// WebSocket handshake has no room for a JSON body.
func (h *Handlers) QueryWS(w http.ResponseWriter, r *http.Request) {
	own := owner(r)
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Inbound WS prompts go through the same preparation as HTTP queries:
	// session record, MCP injection, runner with turn accounting.
	prepare := func(ctx context.Context, req *models.QueryRequest) (*agentrunner.Runner, error) {
		if _, err := h.Sessions.Get(ctx, sessionID, own); err != nil {
			now := time.Now().UTC()
			sess := &models.Session{
				ID:          sessionID,
				Model:       req.Model,
				Status:      models.SessionActive,
				OwnerAPIKey: own,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := h.Sessions.Create(ctx, sess); err != nil {
				return nil, err
			}
		} else if cp, err := h.Checkpoints.Latest(ctx, sessionID); err == nil {
			req.ResumeToken = cp.ResumeToken
		}

		servers, err := h.Injector.Resolve(ctx, own, wsOverride(req.MCPServers))
		if err != nil {
			return nil, err
		}
		req.MCPServers = mergedServersToJson(servers)
		return h.newRunner(own, req.Model)
	}

	controller := stream.NewController(sessionID, prepare, h.Cfg.StreamQueueCapacity)
	if err := controller.Serve(w, r); err != nil {
		// Connection-level errors (client disconnect, failed upgrade) aren't
		// actionable beyond logging; Serve has already torn down state.
		_ = err
	}
}

// wsOverride maps an inbound WS prompt's decoded mcp_servers value to the
// injector's three-state override. JSON decoding of the socket message can't
// distinguish an absent key from an explicit null, so null means unset here;
// an explicit {} still disables.
func wsOverride(raw jsonval.Json) mcpinject.RequestOverride {
	if raw == nil {
		return mcpinject.RequestOverride{State: mcpinject.OverrideUnset}
	}
	m, ok := jsonval.AsMap(raw)
	if !ok || len(m) == 0 {
		return mcpinject.RequestOverride{State: mcpinject.OverrideEmptyMap}
	}
	return mcpinject.RequestOverride{State: mcpinject.OverrideExplicit, Entries: m}
}
