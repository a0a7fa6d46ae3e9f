// Package audit records an append-only trail of control-plane mutations:
// session lifecycle changes, MCP config writes, webhook registration. Reads
// and query traffic are not audited — the trail answers "who changed what",
// not "who saw what".
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Recorder is the seam handlers write audit events through. Nil-safe via
// the package-level Record helper so wiring without an audit store (tests,
// stripped-down deployments) costs nothing.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Event is one audit-trail entry. Owner is stored for tenant-scoped review
// but never logged; the tenant-token sensitivity rule applies to the
// trail's own diagnostics too.
type Event struct {
	Owner      string
	Action     string // e.g. "session.create", "mcp_server.delete"
	Resource   string // resource kind
	ResourceID string
	At         time.Time
}

// Log is the Postgres-backed Recorder.
type Log struct {
	pool *pgxpool.Pool
}

func NewLog(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// EnsureSchema creates the audit table if it doesn't already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id            BIGSERIAL PRIMARY KEY,
			owner_api_key TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource      TEXT NOT NULL,
			resource_id   TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_owner_created
			ON audit_events (owner_api_key, created_at DESC);
	`)
	return err
}

// Record appends ev to the trail. Failures are logged, never surfaced — an
// audit hiccup must not fail the mutation it describes.
func (l *Log) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO audit_events (owner_api_key, action, resource, resource_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.Owner, ev.Action, ev.Resource, ev.ResourceID, ev.At); err != nil {
		log.Warn().Err(err).Str("action", ev.Action).Msg("audit: failed to record event")
	}
}

// Record is the nil-safe entry point handlers call.
func Record(ctx context.Context, r Recorder, ev Event) {
	if r == nil {
		return
	}
	r.Record(ctx, ev)
}
