// Package mcpstore implements the McpStore component: CRUD over
// owner-scoped MCP server configs plus share-token issuance and resolution.
//
// Backed by a two-tier cache (redis/go-redis/v9) + durable (jackc/pgx/v5)
// split: reads warm the cache on miss, writes go through to Postgres first.
package mcpstore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
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

// Store is the McpStore interface handlers depend on.
type Store interface {
	Put(ctx context.Context, owner string, cfg *models.MCPServerConfig) error
	Get(ctx context.Context, owner, name string) (*models.MCPServerConfig, error)
	List(ctx context.Context, owner string) ([]models.MCPServerConfig, error)
	Delete(ctx context.Context, owner, name string) error

	ShareCreate(ctx context.Context, owner, name string, ttl time.Duration) (*models.ShareToken, error)
	// ShareResolve returns the server config a share token grants access to,
	// scoped to the calling owner. A wrong-owner lookup and a nonexistent
	// token are indistinguishable to the caller — both surface as not_found,
	// so the endpoint is never an existence oracle.
	ShareResolve(ctx context.Context, owner, token string) (*models.MCPServerConfig, error)
}

// PGStore is the production Store: pgx for durable rows, redis for the read
// cache, keyed "mcp_server:{owner}:{name}" and "share:{token}".
type PGStore struct {
	pool  *pgxpool.Pool
	cache *redis.Client
	ttl   time.Duration
}

func NewPGStore(pool *pgxpool.Pool, cache *redis.Client, cacheTTL time.Duration) *PGStore {
	return &PGStore{pool: pool, cache: cache, ttl: cacheTTL}
}

// EnsureSchema creates this store's durable-tier tables if they don't
// already exist. Grounded on the same bootstrap-at-startup idiom as
// sessionstore.EnsureSchema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mcp_server_configs (
			owner_api_key TEXT NOT NULL,
			name          TEXT NOT NULL,
			payload       JSONB NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_api_key, name)
		);

		CREATE TABLE IF NOT EXISTS mcp_share_tokens (
			token        TEXT PRIMARY KEY,
			owner_api_key TEXT NOT NULL,
			server_name  TEXT NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func cacheKey(owner, name string) string { return "mcp_server:" + owner + ":" + name }
func shareKey(token string) string       { return "share:" + token }

func (s *PGStore) Put(ctx context.Context, owner string, cfg *models.MCPServerConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return apierr.Internal("mcp_marshal_failed", "failed to encode server config", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO mcp_server_configs (owner_api_key, name, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_api_key, name) DO UPDATE SET payload = $3, updated_at = now()
	`, owner, cfg.Name, payload)
	if err != nil {
		return apierr.Internal("mcp_store_write_failed", "failed to persist server config", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(owner, cfg.Name), payload, s.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("owner", owner).Str("name", cfg.Name).Msg("mcp config cache write failed after durable write succeeded")
		}
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, owner, name string) (*models.MCPServerConfig, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey(owner, name)).Bytes(); err == nil {
			var cfg models.MCPServerConfig
			if json.Unmarshal(raw, &cfg) == nil {
				return &cfg, nil
			}
		}
	}

	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM mcp_server_configs WHERE owner_api_key = $1 AND name = $2
	`, owner, name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("mcp_server_not_found", "mcp server config not found")
	}
	if err != nil {
		return nil, apierr.Internal("mcp_store_read_failed", "failed to read server config", err)
	}

	var cfg models.MCPServerConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, apierr.Internal("mcp_unmarshal_failed", "failed to decode server config", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(owner, name), payload, s.ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("mcp config cache warm failed")
		}
	}
	return &cfg, nil
}

// List always filters by owner at the query level — never fetches
// unfiltered rows and trims afterward; the owner-isolation invariant holds
// at the query, not in a post-filter.
func (s *PGStore) List(ctx context.Context, owner string) ([]models.MCPServerConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM mcp_server_configs WHERE owner_api_key = $1 ORDER BY name ASC
	`, owner)
	if err != nil {
		return nil, apierr.Internal("mcp_store_list_failed", "failed to list server configs", err)
	}
	defer rows.Close()

	var out []models.MCPServerConfig
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, apierr.Internal("mcp_store_scan_failed", "failed to read server config row", err)
		}
		var cfg models.MCPServerConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, owner, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mcp_server_configs WHERE owner_api_key = $1 AND name = $2`, owner, name)
	if err != nil {
		return apierr.Internal("mcp_store_delete_failed", "failed to delete server config", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("mcp_server_not_found", "mcp server config not found")
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, cacheKey(owner, name)).Err()
	}
	return nil
}

// ShareCreate mints a ≥128-bit-entropy token bound to one owner+config pair.
// Per the Open Question resolved in DESIGN.md, tokens are reusable within
// their TTL rather than single-use.
func (s *PGStore) ShareCreate(ctx context.Context, owner, name string, ttl time.Duration) (*models.ShareToken, error) {
	if _, err := s.Get(ctx, owner, name); err != nil {
		return nil, err
	}

	raw := make([]byte, 24) // 192 bits, comfortably over the 128-bit floor
	if _, err := rand.Read(raw); err != nil {
		return nil, apierr.Internal("share_token_rand_failed", "failed to generate share token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	share := &models.ShareToken{
		Token:       token,
		OwnerAPIKey: owner,
		ServerName:  name,
		ExpiresAt:   time.Now().UTC().Add(ttl),
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(share)
	if err != nil {
		return nil, apierr.Internal("share_marshal_failed", "failed to encode share token", err)
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO mcp_share_tokens (token, owner_api_key, server_name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token, owner, name, share.ExpiresAt, share.CreatedAt); err != nil {
		return nil, apierr.Internal("share_store_write_failed", "failed to persist share token", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, shareKey(token), payload, ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("share token cache write failed")
		}
	}
	return share, nil
}

// ShareResolve looks up a share token and returns the config it grants
// access to, provided the calling owner matches the token's owner. A token
// that exists but belongs to a different owner returns the same not_found
// as a token that never existed — never a 403 — so the endpoint can't be
// used to probe for token existence.
func (s *PGStore) ShareResolve(ctx context.Context, owner, token string) (*models.MCPServerConfig, error) {
	share, err := s.lookupShare(ctx, token)
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(share.ExpiresAt) {
		return nil, apierr.NotFound("share_token_not_found", "share token not found or expired")
	}
	if !constantTimeEqual(share.OwnerAPIKey, owner) {
		return nil, apierr.NotFound("share_token_not_found", "share token not found or expired")
	}
	return s.Get(ctx, share.OwnerAPIKey, share.ServerName)
}

func (s *PGStore) lookupShare(ctx context.Context, token string) (*models.ShareToken, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, shareKey(token)).Bytes(); err == nil {
			var share models.ShareToken
			if json.Unmarshal(raw, &share) == nil && constantTimeEqual(share.Token, token) {
				return &share, nil
			}
		}
	}

	var share models.ShareToken
	err := s.pool.QueryRow(ctx, `
		SELECT token, owner_api_key, server_name, expires_at, created_at
		FROM mcp_share_tokens WHERE token = $1
	`, token).Scan(&share.Token, &share.OwnerAPIKey, &share.ServerName, &share.ExpiresAt, &share.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.NotFound("share_token_not_found", "share token not found or expired")
	}
	if err != nil {
		return nil, apierr.Internal("share_store_read_failed", "failed to read share token", err)
	}
	return &share, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
