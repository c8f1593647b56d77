package settlement

import (
	"CoinArena/internal/observability"
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueClosed is returned once the consumer has stopped.
var ErrQueueClosed = errors.New("payout queue closed")

// PayoutExecutor runs a settlement for one lobby.
type PayoutExecutor interface {
	Execute(ctx context.Context, lobbyID string) (Result, error)
}

type jobResult struct {
	res Result
	err error
}

type job struct {
	lobbyID string
	reply   chan jobResult // nil for fire-and-forget
}

// Queue serializes payout executions in this process through a single
// consumer goroutine. Manual requests and background triggers share it so
// they never overlap.
type Queue struct {
	exec     PayoutExecutor
	jobs     chan job
	done     chan struct{}
	mu       sync.Mutex
	enqueued map[string]struct{}
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewQueue(exec PayoutExecutor, capacity int, metrics *observability.Metrics, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		exec:     exec,
		jobs:     make(chan job, capacity),
		done:     make(chan struct{}),
		enqueued: make(map[string]struct{}),
		metrics:  metrics,
		log:      log,
	}
}

// Run consumes jobs one at a time until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.metrics.PayoutQueueDepth.Set(float64(len(q.jobs)))
			if j.reply == nil {
				q.mu.Lock()
				delete(q.enqueued, j.lobbyID)
				q.mu.Unlock()
			}

			res, err := q.exec.Execute(ctx, j.lobbyID)
			if j.reply != nil {
				j.reply <- jobResult{res: res, err: err}
				continue
			}
			if err != nil {
				q.log.Error().Err(err).Str("lobby_id", j.lobbyID).Msg("auto payout failed")
			} else {
				q.log.Info().
					Str("lobby_id", j.lobbyID).
					Str("status", string(res.Status)).
					Int("sent", res.Sent).
					Int("failed", res.Failed).
					Msg("auto payout executed")
			}
		}
	}
}

// Submit queues lobbyID behind any in-flight work and waits for its result.
// If ctx ends first the job still runs; only the wait is abandoned.
func (q *Queue) Submit(ctx context.Context, lobbyID string) (Result, error) {
	j := job{lobbyID: lobbyID, reply: make(chan jobResult, 1)}
	select {
	case q.jobs <- j:
		q.metrics.PayoutQueueDepth.Set(float64(len(q.jobs)))
	case <-q.done:
		return Result{}, ErrQueueClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.res, r.err
	case <-q.done:
		return Result{}, ErrQueueClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Enqueue adds a background job unless one for lobbyID is already waiting.
// It never blocks; a full queue drops the job and the next sweep retries it.
func (q *Queue) Enqueue(lobbyID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.enqueued[lobbyID]; dup {
		q.metrics.TriggerDuplicates.WithLabelValues("queued").Inc()
		return false
	}
	select {
	case q.jobs <- job{lobbyID: lobbyID}:
		q.enqueued[lobbyID] = struct{}{}
		q.metrics.PayoutQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		q.log.Warn().Str("lobby_id", lobbyID).Msg("payout queue full, trigger dropped")
		return false
	}
}
