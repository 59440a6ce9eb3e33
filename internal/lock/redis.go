package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so a
// holder whose TTL lapsed cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tunes a RedisLocker.
type RedisOptions struct {
	// Prefix is prepended to every key, e.g. "assetflow:lock:asset:".
	Prefix string
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// WaitTimeout bounds how long Acquire polls before ErrTimeout.
	WaitTimeout time.Duration
	// PollInterval is the delay between SET NX attempts.
	PollInterval time.Duration
}

// RedisLocker is a single-node Redis lock: SET key token NX PX ttl to take
// it, a token-checked Lua delete to give it back.
type RedisLocker struct {
	client redis.Cmdable
	opts   RedisOptions
}

// NewRedisLocker creates a Redis-backed Locker.
func NewRedisLocker(client redis.Cmdable, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, opts: opts}
}

// Acquire polls SET NX until it wins, ctx ends, or WaitTimeout elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	fullKey := l.opts.Prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, fullKey, token, l.opts.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("redis setnx %q: %w", fullKey, err)
		}
		if ok {
			return l.release(fullKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		}
	}
}

func (l *RedisLocker) release(fullKey, token string) Release {
	var once sync.Once
	var err error
	return func(ctx context.Context) error {
		once.Do(func() {
			if _, runErr := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Result(); runErr != nil {
				err = fmt.Errorf("redis release %q: %w", fullKey, runErr)
			}
		})
		return err
	}
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
