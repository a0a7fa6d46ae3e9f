package sessionstore

import (
	"context"
	"encoding/json"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckpointStore implements the CheckpointService: an append-only,
// immutable, ordered index of resumable/forkable points within a session.
// Each checkpoint wraps the SDK's opaque resume token, which is never
// exposed on the wire (models.Checkpoint.ResumeToken has json:"-").
type CheckpointStore struct {
	pool *pgxpool.Pool
}

func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Append writes the next checkpoint in a session's sequence. Checkpoints are
// never updated or deleted once written.
func (c *CheckpointStore) Append(ctx context.Context, cp *models.Checkpoint) error {
	if _, err := c.pool.Exec(ctx, `
		INSERT INTO checkpoints (session_id, index, resume_token, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, cp.SessionID, cp.Index, cp.ResumeToken, cp.Summary, cp.CreatedAt); err != nil {
		return apierr.Internal("checkpoint_write_failed", "failed to persist checkpoint", err)
	}
	return nil
}

// List returns a session's checkpoints in index order.
func (c *CheckpointStore) List(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT session_id, index, resume_token, summary, created_at
		FROM checkpoints WHERE session_id = $1 ORDER BY index ASC
	`, sessionID)
	if err != nil {
		return nil, apierr.Internal("checkpoint_list_failed", "failed to list checkpoints", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.SessionID, &cp.Index, &cp.ResumeToken, &cp.Summary, &cp.CreatedAt); err != nil {
			return nil, apierr.Internal("checkpoint_scan_failed", "failed to read checkpoint row", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest returns the highest-index checkpoint for a session, or not_found
// when the session has none yet. Queries resuming an existing session pick
// up their SDK resume token from here.
func (c *CheckpointStore) Latest(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := c.pool.QueryRow(ctx, `
		SELECT session_id, index, resume_token, summary, created_at
		FROM checkpoints WHERE session_id = $1 ORDER BY index DESC LIMIT 1
	`, sessionID).Scan(&cp.SessionID, &cp.Index, &cp.ResumeToken, &cp.Summary, &cp.CreatedAt)
	if err != nil {
		return nil, apierr.NotFound("checkpoint_not_found", "checkpoint not found")
	}
	return &cp, nil
}

// At returns the checkpoint at the given index, used by fork to recover the
// SDK's opaque resume token.
func (c *CheckpointStore) At(ctx context.Context, sessionID string, index int) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := c.pool.QueryRow(ctx, `
		SELECT session_id, index, resume_token, summary, created_at
		FROM checkpoints WHERE session_id = $1 AND index = $2
	`, sessionID, index).Scan(&cp.SessionID, &cp.Index, &cp.ResumeToken, &cp.Summary, &cp.CreatedAt)
	if err != nil {
		return nil, apierr.NotFound("checkpoint_not_found", "checkpoint not found")
	}
	return &cp, nil
}

// MarshalSummary is a convenience for building a short opaque summary blob
// from arbitrary turn data, kept out of the wire Checkpoint type itself.
func MarshalSummary(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
