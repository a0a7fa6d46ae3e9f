// Package handlers implements the HTTP surface of the agent gateway: the
// native /api/v1/* namespace and the OpenAI-compatible /v1/* namespace,
// wired against the component packages (sessionstore, mcpstore, mcpinject,
// agentrunner, stream, openaicompat, webhook).
//
// Native endpoints write errors through writeAPIError and the compatibility
// endpoints through writeOpenAIError; every body read is byte-capped, whether
// it goes through decodeJSON or a route's own decoder (decodeQueryRequest,
// decodeChatCompletionRequest).
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/audit"
	"github.com/agentgw/agentgw/internal/config"
	"github.com/agentgw/agentgw/internal/mcpinject"
	"github.com/agentgw/agentgw/internal/mcpstore"
	"github.com/agentgw/agentgw/internal/sessionstore"
	"github.com/agentgw/agentgw/internal/webhook"
	pkgmw "github.com/agentgw/agentgw/pkg/middleware"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/rs/zerolog/log"
)

// CheckpointLog is the slice of sessionstore.CheckpointStore the handlers
// use, kept as an interface so turn-recording logic is testable without a
// database.
type CheckpointLog interface {
	Append(ctx context.Context, cp *models.Checkpoint) error
	List(ctx context.Context, sessionID string) ([]models.Checkpoint, error)
	At(ctx context.Context, sessionID string, index int) (*models.Checkpoint, error)
	Latest(ctx context.Context, sessionID string) (*models.Checkpoint, error)
}

// TurnLog is the corresponding seam over sessionstore.TurnStore.
type TurnLog interface {
	Append(ctx context.Context, turn *models.Turn) error
	List(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// Handlers holds every dependency the route handlers need. Constructed once
// in pkg/server and passed to the router.
type Handlers struct {
	Sessions    sessionstore.Store
	Checkpoints CheckpointLog
	Turns       TurnLog
	MCP         mcpstore.Store
	Injector    *mcpinject.Injector
	Registry    *agentrunner.Registry
	Webhooks    *webhook.Dispatcher
	Audit       audit.Recorder // nil disables the trail
	Cfg         *config.Config

	// DefaultDriverKind selects which registered agentrunner.Driver backs a
	// query when the gateway has no per-model routing table of its own —
	// model resolution belongs to the opaque SDK boundary, so this edition
	// keeps exactly one driver kind active at a time.
	DefaultDriverKind string
}

func New(cfg *config.Config, sessions sessionstore.Store, checkpoints CheckpointLog, turns TurnLog,
	mcp mcpstore.Store, injector *mcpinject.Injector, registry *agentrunner.Registry,
	webhooks *webhook.Dispatcher, auditLog audit.Recorder, defaultDriverKind string) *Handlers {
	return &Handlers{
		Sessions:          sessions,
		Checkpoints:       checkpoints,
		Turns:             turns,
		MCP:               mcp,
		Injector:          injector,
		Registry:          registry,
		Webhooks:          webhooks,
		Audit:             auditLog,
		Cfg:               cfg,
		DefaultDriverKind: defaultDriverKind,
	}
}

// recordAudit appends one mutation to the audit trail, if one is wired.
func (h *Handlers) recordAudit(ctx context.Context, owner, action, resource, resourceID string) {
	audit.Record(ctx, h.Audit, audit.Event{Owner: owner, Action: action, Resource: resource, ResourceID: resourceID})
}

// decodeJSON reads r.Body into v, capped at the configured max request size.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.Cfg.MaxRequestBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return apierr.Validation("empty_body", "request body is required")
		}
		return apierr.Validation("malformed_json", "request body is not valid JSON: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("handlers: failed to encode response body")
	}
}

// nativeErrorBody is the wire shape for the native namespace:
// {code, message, details?}.
type nativeErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	if e.Status >= 500 {
		log.Error().Err(e).Str("code", e.Code).Msg("handlers: internal error")
	}
	writeJSON(w, e.Status, nativeErrorBody{Code: e.Code, Message: e.Message, Details: e.Details})
}

func owner(r *http.Request) string {
	return pkgmw.GetOwner(r.Context())
}
