package handlers

import (
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/mcpvalidate"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/go-chi/chi/v5"
)

// PutMCPServer handles PUT /api/v1/mcp-servers/{name} (and POST
// /api/v1/mcp-servers for creation with the name carried in the body).
func (h *Handlers) PutMCPServer(w http.ResponseWriter, r *http.Request) {
	own := owner(r)

	var cfg models.MCPServerConfig
	if err := h.decodeJSON(w, r, &cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	if name := chi.URLParam(r, "name"); name != "" {
		cfg.Name = name
	}

	if err := mcpvalidate.Validate(&cfg, mcpvalidate.TierTenant, mcpvalidate.Options{
		AllowPrivateNetworks: h.Cfg.MCPAllowPrivateNetworks,
	}); err != nil {
		writeAPIError(w, err)
		return
	}

	if err := h.MCP.Put(r.Context(), own, &cfg); err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), own, "mcp_server.put", "mcp_server", cfg.Name)
	writeJSON(w, http.StatusOK, cfg)
}

// GetMCPServer handles GET /api/v1/mcp-servers/{name}.
func (h *Handlers) GetMCPServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.MCP.Get(r.Context(), owner(r), chi.URLParam(r, "name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListMCPServers handles GET /api/v1/mcp-servers.
func (h *Handlers) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	configs, err := h.MCP.List(r.Context(), owner(r))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": configs})
}

// DeleteMCPServer handles DELETE /api/v1/mcp-servers/{name}.
func (h *Handlers) DeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.MCP.Delete(r.Context(), owner(r), name); err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), owner(r), "mcp_server.delete", "mcp_server", name)
	w.WriteHeader(http.StatusNoContent)
}

type shareCreateRequest struct {
	Name string        `json:"name"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

// ShareCreate handles POST /api/v1/mcp-servers/share.
func (h *Handlers) ShareCreate(w http.ResponseWriter, r *http.Request) {
	own := owner(r)

	var req shareCreateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Name == "" {
		writeAPIError(w, apierr.Validation("name", "name is required"))
		return
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = h.Cfg.MCPShareTokenTTL
	}

	token, err := h.MCP.ShareCreate(r.Context(), own, req.Name, ttl)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), own, "mcp_server.share", "mcp_server", req.Name)
	writeJSON(w, http.StatusCreated, token)
}

// ShareResolve handles GET /api/v1/mcp-servers/share/{token}. The caller
// must still be the token's owner; a wrong-owner or nonexistent token both
// resolve to 404 so the endpoint can't be used to probe for token
// existence.
func (h *Handlers) ShareResolve(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.MCP.ShareResolve(r.Context(), owner(r), chi.URLParam(r, "token"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
