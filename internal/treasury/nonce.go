package treasury

import (
	"CoinArena/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingNonceSource reports the chain's pending-inclusive transaction count.
type PendingNonceSource interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// NonceAllocator hands out contiguous nonce blocks for one chain across
// processes. The cached counter in Redis is advisory; the chain count is
// consulted on every reservation.
type NonceAllocator struct {
	rdb     *redis.Client
	locker  *RedisLocker
	chain   PendingNonceSource
	chainID int64
	metrics *observability.Metrics
}

func NewNonceAllocator(
	rdb *redis.Client,
	locker *RedisLocker,
	chain PendingNonceSource,
	chainID int64,
	metrics *observability.Metrics,
) *NonceAllocator {
	return &NonceAllocator{
		rdb:     rdb,
		locker:  locker,
		chain:   chain,
		chainID: chainID,
		metrics: metrics,
	}
}

func (a *NonceAllocator) counterKey(address string) string {
	return fmt.Sprintf("treasury:nonce:%d:%s:next", a.chainID, strings.ToLower(address))
}

func (a *NonceAllocator) lockKey(address string) string {
	return fmt.Sprintf("treasury:nonce:%d:%s:lock", a.chainID, strings.ToLower(address))
}

// Reserve returns the first of count consecutive nonces reserved for
// address. start = max(cached next, chain pending count).
func (a *NonceAllocator) Reserve(ctx context.Context, address string, count int) (uint64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("invalid nonce reservation count: %d", count)
	}

	waitStart := time.Now()
	release, err := a.locker.Acquire(ctx, a.lockKey(address))
	a.metrics.NonceLockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			a.metrics.NonceLockTimeouts.Inc()
		}
		return 0, fmt.Errorf("reserve nonces: %w", err)
	}
	defer release()

	chainNext, err := a.chain.PendingNonce(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("reserve nonces: chain count: %w", err)
	}

	key := a.counterKey(address)
	cached, err := a.rdb.Get(ctx, key).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reserve nonces: read counter: %w", err)
	}

	start := max(cached, chainNext)
	if err := a.rdb.Set(ctx, key, start+uint64(count), 0).Err(); err != nil {
		return 0, fmt.Errorf("reserve nonces: write counter: %w", err)
	}

	a.metrics.NonceReservations.Inc()
	return start, nil
}
