package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/internal/agentrunner"
	"github.com/agentgw/agentgw/internal/sessionstore"
	"github.com/agentgw/agentgw/internal/webhook"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/go-chi/chi/v5"
)

// turnRecorder adapts the session stores to agentrunner.SessionUpdater:
// AgentRunner records turn accounting through this narrow seam without
// importing sessionstore directly. One RecordTurn call, under the
// per-session lock, covers everything a completed turn persists: the
// Session counters, the append-only Turn row, and — for resumable stop
// reasons — the next Checkpoint.
type turnRecorder struct {
	store       sessionstore.Store
	turns       TurnLog
	checkpoints CheckpointLog
	owner       string
}

func (u *turnRecorder) RecordTurn(ctx context.Context, rec agentrunner.TurnRecord) error {
	return u.store.WithLock(ctx, rec.SessionID, func(ctx context.Context) error {
		sess, err := u.store.Get(ctx, rec.SessionID, u.owner)
		if err != nil {
			return err
		}

		turnIndex := sess.TotalTurns
		sess.TotalTurns++
		if rec.Cost != nil {
			total := 0.0
			if sess.TotalCost != nil {
				total = *sess.TotalCost
			}
			total += *rec.Cost
			sess.TotalCost = &total
		}
		// Lifecycle: completed on normal end, error on unrecoverable
		// failure. An interrupted turn still ended cleanly from the
		// session's point of view; the resume endpoint reactivates.
		switch rec.StopReason {
		case models.StopCompleted, models.StopMaxTurnsReached, models.StopInterrupted:
			sess.Status = models.SessionCompleted
		case models.StopError:
			sess.Status = models.SessionError
		}
		sess.UpdatedAt = time.Now().UTC()
		if err := u.store.Update(ctx, sess); err != nil {
			return err
		}

		cost := 0.0
		if rec.Cost != nil {
			cost = *rec.Cost
		}
		now := time.Now().UTC()
		if err := u.turns.Append(ctx, &models.Turn{
			SessionID:    rec.SessionID,
			Index:        turnIndex,
			Prompt:       rec.Prompt,
			ResponseText: rec.Response,
			InputTokens:  rec.Usage.InputTokens,
			OutputTokens: rec.Usage.OutputTokens,
			CostUSD:      cost,
			DurationMs:   rec.Duration.Milliseconds(),
			StopReason:   string(rec.StopReason),
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		// Interrupted and errored turns are not resumable points; only clean
		// stops get a checkpoint. The checkpoint index continues the log's own
		// sequence rather than mirroring turn indices — a forked session
		// already carries a seed checkpoint its turns must not collide with.
		if rec.StopReason == models.StopCompleted || rec.StopReason == models.StopMaxTurnsReached {
			nextIndex := 0
			if latest, err := u.checkpoints.Latest(ctx, rec.SessionID); err == nil {
				nextIndex = latest.Index + 1
			}
			return u.checkpoints.Append(ctx, &models.Checkpoint{
				SessionID:   rec.SessionID,
				Index:       nextIndex,
				ResumeToken: rec.ResumeToken,
				Summary:     summarize(rec.Prompt),
				CreatedAt:   now,
			})
		}
		return nil
	})
}

// summarize truncates a prompt into a checkpoint summary.
func summarize(prompt string) string {
	const max = 120
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "…"
}

// toolHookObserver adapts the WebhookDispatcher to agentrunner.ToolObserver,
// firing tenant hooks on tool lifecycle events without blocking the turn.
type toolHookObserver struct {
	webhooks *webhook.Dispatcher
	owner    string
}

func (o *toolHookObserver) OnToolEvent(ctx context.Context, sessionID string, ev models.Event) {
	if o.webhooks == nil {
		return
	}
	o.webhooks.Fire(ctx, o.owner, webhook.ToolEvent{
		SessionID: sessionID,
		ToolName:  ev.ToolName,
		Status:    toolEventStatus(ev),
		Timestamp: time.Now().UTC(),
	})
}

func toolEventStatus(ev models.Event) string {
	if ev.Kind == models.EventToolResult {
		return string(ev.ToolStatus)
	}
	return string(ev.Kind)
}

// ListTurns handles GET /api/v1/sessions/{id}/turns.
func (h *Handlers) ListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Sessions.Get(r.Context(), id, owner(r)); err != nil {
		writeAPIError(w, err)
		return
	}
	turns, err := h.Turns.List(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}
