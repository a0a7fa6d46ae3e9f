package handlers

import (
	"net/http"
	"net/url"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/go-chi/chi/v5"
)

type createWebhookRequest struct {
	URL     string `json:"url"`
	Secret  string `json:"secret,omitempty"`
	Matcher string `json:"matcher"`
}

// CreateWebhook handles POST /api/v1/webhooks: registers a tool-event hook
// for the calling tenant. The matcher is validated here, at configuration
// accept — a pattern that fails the complexity check never reaches match
// time.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Matcher == "" {
		writeAPIError(w, apierr.Validation("matcher", "matcher is required"))
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeAPIError(w, apierr.Validation("url", "url must be a valid http(s) URL"))
		return
	}

	hook, err := h.Webhooks.Register(owner(r), req.URL, req.Secret, req.Matcher)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), owner(r), "webhook.create", "webhook", hook.ID)
	writeJSON(w, http.StatusCreated, hook)
}

// ListWebhooks handles GET /api/v1/webhooks.
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": h.Webhooks.List(owner(r))})
}

// DeleteWebhook handles DELETE /api/v1/webhooks/{id}.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Webhooks.Delete(owner(r), id) {
		writeAPIError(w, apierr.NotFound("webhook_not_found", "webhook not found"))
		return
	}
	h.recordAudit(r.Context(), owner(r), "webhook.delete", "webhook", id)
	w.WriteHeader(http.StatusNoContent)
}
