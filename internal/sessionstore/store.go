// Package sessionstore implements the SessionStore component: a two-tier
// cache (redis) + durable (postgres) store for Session rows, with
// read-through-on-miss cache warming and a distributed per-session lock.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/agentgw/agentgw/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ListOptions filters and paginates ListByOwner: stable ordering
// (creation-time desc, id asc tiebreak), page size clamped to [1,1000].
type ListOptions struct {
	Mode      string
	ProjectID string
	Tags      []string
	Search    string
	Page      int
	PageSize  int
}

func (o ListOptions) clamp() ListOptions {
	out := o
	if out.Page < 1 {
		out.Page = 1
	}
	if out.PageSize < 1 {
		out.PageSize = 1
	}
	if out.PageSize > 1000 {
		out.PageSize = 1000
	}
	return out
}

// Store is the SessionStore interface the rest of the gateway depends on.
type Store interface {
	Create(ctx context.Context, s *models.Session) error

	// Get enforces owner isolation itself: a session owned by someone else
	// returns the same session_not_found error as a session that never
	// existed, so the endpoint never becomes an existence oracle.
	Get(ctx context.Context, id, owner string) (*models.Session, error)
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Session, int, error)
	Update(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, owner, id string) error

	// WithLock runs fn while holding the best-effort exclusive per-session
	// lease, retrying acquisition with exponential backoff and jitter up to
	// the configured bound. The lock is the only write-serialization
	// mechanism in the gateway.
	WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error
}

// PGStore is the production two-tier Store.
type PGStore struct {
	pool     *pgxpool.Pool
	cache    *redis.Client
	cacheTTL time.Duration
	locker   *Locker
}

func NewPGStore(pool *pgxpool.Pool, cache *redis.Client, cacheTTL time.Duration, locker *Locker) *PGStore {
	return &PGStore{pool: pool, cache: cache, cacheTTL: cacheTTL, locker: locker}
}

func sessionCacheKey(id string) string { return "session:" + id }

func (s *PGStore) Create(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return apierr.Internal("session_marshal_failed", "failed to encode session", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_api_key, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.OwnerAPIKey, payload, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return apierr.Internal("session_store_write_failed", "failed to persist session", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, sessionCacheKey(sess.ID), payload, s.cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed after durable write succeeded")
		}
	}
	return nil
}

// Get is read-through-on-miss: a cache miss reads the durable row and warms
// the cache before returning, rather than failing or bypassing the cache
// permanently. The owner check happens after the cache lookup
// too, so a cached row never leaks across tenants.
func (s *PGStore) Get(ctx context.Context, id, owner string) (*models.Session, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, sessionCacheKey(id)).Bytes(); err == nil {
			var sess models.Session
			if json.Unmarshal(raw, &sess) == nil {
				if sess.OwnerAPIKey != owner {
					return nil, apierr.NotFound("session_not_found", "session not found")
				}
				return &sess, nil
			}
		}
	}

	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM sessions WHERE id = $1 AND owner_api_key = $2`, id, owner).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		return nil, apierr.Internal("session_store_read_failed", "failed to read session", err)
	}

	var sess models.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, apierr.Internal("session_unmarshal_failed", "failed to decode session", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, sessionCacheKey(id), payload, s.cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("session cache warm failed")
		}
	}
	return &sess, nil
}

// ListByOwner filters by owner at the durable-store query level — the
// owner-isolation invariant depends on this filter living in the WHERE
// clause, not a post-fetch trim.
func (s *PGStore) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]models.Session, int, error) {
	opts = opts.clamp()
	offset := (opts.Page - 1) * opts.PageSize

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM sessions
		WHERE owner_api_key = $1
		  AND ($2 = '' OR payload->>'mode' = $2)
		  AND ($3 = '' OR payload->>'project_id' = $3)
	`, owner, opts.Mode, opts.ProjectID).Scan(&total); err != nil {
		// A degraded durable store is a 503, never a partial list.
		return nil, 0, apierr.Unavailable("session_store_degraded", "session store is unavailable", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM sessions
		WHERE owner_api_key = $1
		  AND ($2 = '' OR payload->>'mode' = $2)
		  AND ($3 = '' OR payload->>'project_id' = $3)
		ORDER BY created_at DESC, id ASC
		LIMIT $4 OFFSET $5
	`, owner, opts.Mode, opts.ProjectID, opts.PageSize, offset)
	if err != nil {
		return nil, 0, apierr.Unavailable("session_store_degraded", "session store is unavailable", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, apierr.Unavailable("session_store_degraded", "session store is unavailable", err)
		}
		var sess models.Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			continue
		}
		if opts.Search != "" && !matchesSearch(sess, opts.Search) {
			continue
		}
		if len(opts.Tags) > 0 && !hasAllTags(sess.Tags, opts.Tags) {
			continue
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apierr.Unavailable("session_store_degraded", "session store is unavailable", err)
	}
	return out, total, nil
}

func matchesSearch(sess models.Session, q string) bool {
	return containsFold(sess.Title, q) || containsFold(sess.ID, q)
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && indexFold(haystack, needle) >= 0
}

func indexFold(s, substr string) int {
	// Small local helper so this package doesn't need strings.ToLower
	// allocations on a hot list path for short strings; falls back to a
	// simple scan.
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Update persists a session. Cache-write failure after a successful durable
// write still returns success; durable-write failure fails the call and
// invalidates any speculative cache entry.
func (s *PGStore) Update(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return apierr.Internal("session_marshal_failed", "failed to encode session", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET payload = $2, updated_at = $3 WHERE id = $1
	`, sess.ID, payload, sess.UpdatedAt)
	if err != nil {
		if s.cache != nil {
			_ = s.cache.Del(ctx, sessionCacheKey(sess.ID)).Err()
		}
		return apierr.Internal("session_store_write_failed", "failed to persist session", err)
	}
	if tag.RowsAffected() == 0 {
		if s.cache != nil {
			_ = s.cache.Del(ctx, sessionCacheKey(sess.ID)).Err()
		}
		return apierr.NotFound("session_not_found", "session not found")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, sessionCacheKey(sess.ID), payload, s.cacheTTL).Err(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("session cache write failed after durable write succeeded")
		}
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND owner_api_key = $2`, id, owner)
	if err != nil {
		return apierr.Internal("session_delete_failed", "failed to delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("session_not_found", "session not found")
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, sessionCacheKey(id)).Err()
	}
	return nil
}

func (s *PGStore) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return s.locker.WithLock(ctx, id, fn)
}
