package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("pool lock not acquired")
)

// PoolLocker guards a queue pool across processes. It satisfies the queue
// service's Locker.
type PoolLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPoolLocker(client *redis.Client, ttl time.Duration) *PoolLocker {
	return &PoolLocker{
		client: client,
		ttl:    ttl,
	}
}

func lockKey(poolKey string) string {
	return "lock:pool:" + poolKey
}

func (l *PoolLocker) WithPoolLock(ctx context.Context, poolKey string, fn func(ctx context.Context) error) error {
	key := lockKey(poolKey)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire pool lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *PoolLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release pool lock: %w", err)
	}
	return nil
}

// Claims hands out one-shot keys. The escalation engine claims each alert
// so that only one process sends it. A claim stores the pool version it was
// made at.
type Claims struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClaims(client *redis.Client, ttl time.Duration) *Claims {
	return &Claims{client: client, ttl: ttl}
}

func (c *Claims) Claim(ctx context.Context, key string, version int64) (bool, error) {
	ok, err := c.client.SetNX(ctx, "claim:"+key, version, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes the claim only if it was made before ARGV[1].
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) < tonumber(ARGV[1]) then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Claims) Release(ctx context.Context, key string, before int64) error {
	_, err := releaseScript.Run(ctx, c.client, []string{"claim:" + key}, before).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}
