package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLocker implements Locker with SET NX PX and an ownership token.
// The TTL bounds how long a crashed holder can block a key.
type RedisLocker struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, pollInterval: DefaultPollInterval}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	lease := &RedisLease{
		client: l.client,
		key:    "lock:" + key,
		value:  uuid.NewString(),
	}
	err := poll(ctx, l.pollInterval, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, lease.key, lease.value, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", lease.key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RedisLease is a lock held in Redis.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	value  string
}

// Release deletes the key if this lease still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the TTL if this lease still owns the key.
func (l *RedisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
