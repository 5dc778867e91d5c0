package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"clinix/backend/internal/logging"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLua = redis.NewScript(releaseScript)

// RedisLocker is a Locker shared across auth-service replicas. Each lock is a
// SET NX PX key holding a random token; release deletes the key only if the
// token still matches, so an expired holder cannot free a successor's lock.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	// poll bounds the retry interval while waiting for a held lock.
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker returns a RedisLocker. ttl caps how long a crashed holder can block others.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 200 * time.Millisecond, logger: logger}
}

// Lock retries with capped exponential backoff until the key is acquired or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	b := retry.NewExponential(10 * time.Millisecond)
	b = retry.WithCappedDuration(l.poll, b)
	b = retry.WithJitterPercent(20, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return oops.Code("SESSION_LOCK_FAILED").With("key", redisKey).Wrap(err)
		}
		if !ok {
			return retry.RetryableError(ErrNotAcquired)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ctx, redisKey, token) })
	}, nil
}

// release deletes the key if it still holds token. On failure the key stays until its TTL.
func (l *RedisLocker) release(ctx context.Context, redisKey, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := releaseLua.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
		logging.LogError(ctx, l.logger, "session lock release failed",
			oops.Code("SESSION_UNLOCK_FAILED").With("key", redisKey).Wrap(err),
			slog.Duration("held_until_ttl", l.ttl),
		)
	}
}
