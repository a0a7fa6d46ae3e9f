package sessionstore

import (
	"context"
	"time"

	"github.com/agentgw/agentgw/internal/apierr"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript releases a lock only if it's still held by the fencing token
// that acquired it, preventing a slow holder from releasing a lease that
// has since expired and been re-acquired by someone else.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker is a Redis-backed best-effort exclusive lease per session ID,
// bounded by TTL with exponential-backoff-with-jitter waiters. This is the
// only write-serialization mechanism in the gateway.
type Locker struct {
	client      *redis.Client
	ttl         time.Duration
	retries     int
	baseDelay   time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration, retries int, baseDelay time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl, retries: retries, baseDelay: baseDelay}
}

func lockKey(sessionID string) string { return "lock:session:" + sessionID }

// WithLock acquires the lease for sessionID, runs fn, then releases it. On
// failure to acquire within the retry bound it returns a timeout error
// rather than blocking forever.
func (l *Locker) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	key := lockKey(sessionID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.baseDelay
	bo.MaxElapsedTime = 0 // bounded below by WithMaxRetries instead
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.retries)), ctx)

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(apierr.Internal("session_lock_backend_failed", "session lock backend unavailable", err))
		}
		if !ok {
			return apierr.Timeout("session_lock_contended", "session is locked by another request")
		}
		return nil
	}

	if err := backoff.Retry(acquire, policy); err != nil {
		return err
	}

	defer l.client.Eval(context.WithoutCancel(ctx), unlockScript, []string{key}, token)

	return fn(ctx)
}
