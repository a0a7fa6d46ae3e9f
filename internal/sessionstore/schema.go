package sessionstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the durable-tier tables this store needs if they
// don't already exist, run once at startup before the store serves traffic.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			owner_api_key TEXT NOT NULL,
			payload       JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
			ON sessions (owner_api_key, created_at DESC, id ASC);

		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id   TEXT NOT NULL,
			index        INT NOT NULL,
			resume_token TEXT NOT NULL,
			summary      TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, index)
		);

		CREATE TABLE IF NOT EXISTS turns (
			session_id    TEXT NOT NULL,
			index         INT NOT NULL,
			prompt        TEXT NOT NULL,
			response_text TEXT NOT NULL,
			input_tokens  BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			cost_usd      DOUBLE PRECISION NOT NULL,
			duration_ms   BIGINT NOT NULL,
			stop_reason   TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, index)
		);
	`)
	return err
}
