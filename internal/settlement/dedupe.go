package settlement

import (
	"CoinArena/internal/observability"
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// SettledChecker is the durable answer to "does this lobby still need
// work". Backed by Postgres in production.
type SettledChecker interface {
	IsSettled(ctx context.Context, lobbyID string) (bool, error)
}

// SettledFilter drops triggers for lobbies whose payout is already done.
// Tier 1 is an in-memory LRU of lobbies seen settled; tier 2 asks the
// ledger. A tier 2 error lets the trigger through, since the executor's own
// idempotency check makes a redundant run harmless.
type SettledFilter struct {
	cache   *lru.Cache[string, struct{}]
	db      SettledChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSettledFilter(capacity int, db SettledChecker, metrics *observability.Metrics, log zerolog.Logger) (*SettledFilter, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &SettledFilter{cache: cache, db: db, metrics: metrics, log: log}, nil
}

// IsSettled reports whether a trigger for lobbyID can be skipped.
func (f *SettledFilter) IsSettled(ctx context.Context, lobbyID string) bool {
	if f.cache.Contains(lobbyID) {
		f.metrics.TriggerDuplicates.WithLabelValues("lru").Inc()
		return true
	}
	if f.db == nil {
		return false
	}

	settled, err := f.db.IsSettled(ctx, lobbyID)
	if err != nil {
		f.log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("settled lookup failed")
		return false
	}
	if settled {
		f.metrics.TriggerDuplicates.WithLabelValues("postgres").Inc()
		f.cache.Add(lobbyID, struct{}{})
	}
	return settled
}

// MarkSettled records a lobby whose payout reached a terminal state with no
// pending items.
func (f *SettledFilter) MarkSettled(lobbyID string) {
	f.cache.Add(lobbyID, struct{}{})
}

// Len returns the number of cached lobbies.
func (f *SettledFilter) Len() int {
	return f.cache.Len()
}

// Wrap returns exec with successful terminal results recorded in the filter.
func (f *SettledFilter) Wrap(exec PayoutExecutor) PayoutExecutor {
	return settledRecorder{exec: exec, filter: f}
}

type settledRecorder struct {
	exec   PayoutExecutor
	filter *SettledFilter
}

func (r settledRecorder) Execute(ctx context.Context, lobbyID string) (Result, error) {
	res, err := r.exec.Execute(ctx, lobbyID)
	if err == nil && res.Status.IsTerminal() {
		r.filter.MarkSettled(lobbyID)
	}
	return res, err
}
