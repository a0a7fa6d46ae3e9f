package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/internal/sessionstore"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createSessionRequest struct {
	Model            string            `json:"model"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Mode             models.SessionMode `json:"mode,omitempty"`
	ProjectID        string            `json:"project_id,omitempty"`
	Title            string            `json:"title,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// newSession builds and persists a fresh Session row, used both by the
// explicit session-create endpoint and by Query when no session_id is
// supplied — a tenant's first query creates its session.
func (h *Handlers) newSession(r *http.Request, owner, model string, opts createSessionRequest) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:               uuid.NewString(),
		Model:            model,
		Status:           models.SessionActive,
		OwnerAPIKey:      owner,
		WorkingDirectory: opts.WorkingDirectory,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         opts.Metadata,
		Tags:             opts.Tags,
		Mode:             opts.Mode,
		ProjectID:        opts.ProjectID,
		Title:            opts.Title,
	}
	if err := h.Sessions.Create(r.Context(), sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateSession handles POST /api/v1/sessions — an explicit session create
// outside of the query path, for clients that want to configure a session
// before sending its first prompt.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Model == "" {
		writeAPIError(w, apierr.Validation("model", "model is required"))
		return
	}
	sess, err := h.newSession(r, owner(r), req.Model, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), owner(r), "session.create", "session", sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /api/v1/sessions?page&page_size&mode&project_id&tags&search
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := sessionstore.ListOptions{
		Mode:      q.Get("mode"),
		ProjectID: q.Get("project_id"),
		Search:    q.Get("search"),
		Page:      atoiDefault(q.Get("page"), 1),
		PageSize:  atoiDefault(q.Get("page_size"), 20),
	}
	if tags := q.Get("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	sessions, total, err := h.Sessions.ListByOwner(r.Context(), owner(r), opts)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"page":     opts.Page,
		"page_size": opts.PageSize,
	})
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.Sessions.Get(r.Context(), id, owner(r))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type patchSessionRequest struct {
	Title    *string           `json:"title,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   *models.SessionStatus `json:"status,omitempty"`
}

// PatchSession handles PATCH /api/v1/sessions/{id}. All session mutations
// happen under the per-session lock.
func (h *Handlers) PatchSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	own := owner(r)

	var req patchSessionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	var updated *models.Session
	err := h.Sessions.WithLock(r.Context(), id, func(ctx context.Context) error {
		sess, err := h.Sessions.Get(ctx, id, own)
		if err != nil {
			return err
		}
		if req.Title != nil {
			sess.Title = *req.Title
		}
		if req.Tags != nil {
			sess.Tags = req.Tags
		}
		if req.Metadata != nil {
			sess.Metadata = req.Metadata
		}
		if req.Status != nil {
			sess.Status = *req.Status
		}
		if err := h.Sessions.Update(ctx, sess); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), own, "session.update", "session", id)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteSession handles DELETE /api/v1/sessions/{id}.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.Delete(r.Context(), owner(r), id); err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), owner(r), "session.delete", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

type forkSessionRequest struct {
	CheckpointIndex int `json:"checkpoint_index"`
}

// ForkSession handles POST /api/v1/sessions/{id}/fork: derives a brand new
// session whose parent_session_id points at the source, seeded from one of
// the source's checkpoints.
func (h *Handlers) ForkSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	own := owner(r)

	var req forkSessionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	source, err := h.Sessions.Get(r.Context(), id, own)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	cp, err := h.Checkpoints.At(r.Context(), id, req.CheckpointIndex)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	now := time.Now().UTC()
	forked := &models.Session{
		ID:              uuid.NewString(),
		Model:           source.Model,
		Status:          models.SessionActive,
		OwnerAPIKey:     own,
		ParentSessionID: source.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Tags:            source.Tags,
		Mode:            source.Mode,
		ProjectID:       source.ProjectID,
		Title:           source.Title,
	}
	if err := h.Sessions.Create(r.Context(), forked); err != nil {
		writeAPIError(w, err)
		return
	}

	// The fork starts from the source checkpoint: copy it as the new
	// session's checkpoint 0 so the next query resumes from there.
	seed := &models.Checkpoint{
		SessionID:   forked.ID,
		Index:       0,
		ResumeToken: cp.ResumeToken,
		Summary:     cp.Summary,
		CreatedAt:   now,
	}
	if err := h.Checkpoints.Append(r.Context(), seed); err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), own, "session.fork", "session", forked.ID)
	writeJSON(w, http.StatusCreated, forked)
}

// ResumeSession handles POST /api/v1/sessions/{id}/resume: reactivates a
// completed or errored session in place, under the per-session lock.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	own := owner(r)

	var resumed *models.Session
	err := h.Sessions.WithLock(r.Context(), id, func(ctx context.Context) error {
		sess, err := h.Sessions.Get(ctx, id, own)
		if err != nil {
			return err
		}
		sess.Status = models.SessionActive
		if err := h.Sessions.Update(ctx, sess); err != nil {
			return err
		}
		resumed = sess
		return nil
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.recordAudit(r.Context(), own, "session.resume", "session", id)
	writeJSON(w, http.StatusOK, resumed)
}

// ListCheckpoints handles GET /api/v1/sessions/{id}/checkpoints.
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Sessions.Get(r.Context(), id, owner(r)); err != nil {
		writeAPIError(w, err)
		return
	}
	cps, err := h.Checkpoints.List(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}
