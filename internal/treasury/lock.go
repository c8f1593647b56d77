package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be acquired in time.
// Callers must not fall back to a guessed nonce.
var ErrLockTimeout = errors.New("timed out acquiring lock")

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisLocker is a SET NX PX mutex with owner-token release.
type RedisLocker struct {
	rdb     *redis.Client
	ttl     time.Duration
	poll    time.Duration
	timeout time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl, timeout time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RedisLocker{
		rdb:     rdb,
		ttl:     ttl,
		poll:    25 * time.Millisecond,
		timeout: timeout,
	}
}

// Acquire blocks until key is held or the timeout elapses. The returned
// release func is safe to call once the critical section ends, whatever its
// outcome.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (release func(), err error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	return func() {
		// Best effort: an expired lock needs no cleanup.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}, nil
}
