package sessionstore

import (
	"context"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TurnStore is the append-only log of completed turns per session. Turn rows
// are never updated or deleted short of the owning session being deleted.
type TurnStore struct {
	pool *pgxpool.Pool
}

func NewTurnStore(pool *pgxpool.Pool) *TurnStore {
	return &TurnStore{pool: pool}
}

// Append writes the next turn in a session's sequence.
func (t *TurnStore) Append(ctx context.Context, turn *models.Turn) error {
	if _, err := t.pool.Exec(ctx, `
		INSERT INTO turns (session_id, index, prompt, response_text, input_tokens, output_tokens, cost_usd, duration_ms, stop_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, turn.SessionID, turn.Index, turn.Prompt, turn.ResponseText,
		turn.InputTokens, turn.OutputTokens, turn.CostUSD, turn.DurationMs,
		turn.StopReason, turn.CreatedAt); err != nil {
		return apierr.Internal("turn_write_failed", "failed to persist turn", err)
	}
	return nil
}

// List returns a session's turns in index order.
func (t *TurnStore) List(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT session_id, index, prompt, response_text, input_tokens, output_tokens, cost_usd, duration_ms, stop_reason, created_at
		FROM turns WHERE session_id = $1 ORDER BY index ASC
	`, sessionID)
	if err != nil {
		return nil, apierr.Internal("turn_list_failed", "failed to list turns", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var turn models.Turn
		if err := rows.Scan(&turn.SessionID, &turn.Index, &turn.Prompt, &turn.ResponseText,
			&turn.InputTokens, &turn.OutputTokens, &turn.CostUSD, &turn.DurationMs,
			&turn.StopReason, &turn.CreatedAt); err != nil {
			return nil, apierr.Internal("turn_scan_failed", "failed to read turn row", err)
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}
