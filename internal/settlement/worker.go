package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PendingLister lists lobbies whose payout is still PENDING, oldest first.
type PendingLister interface {
	PendingLobbies(ctx context.Context, limit int) ([]string, error)
}

// Worker feeds the queue from settlement triggers and from a periodic sweep
// of PENDING payouts. Triggers are hints; the sweep is authoritative.
type Worker struct {
	queue         *Queue
	filter        *SettledFilter
	pending       PendingLister
	sweepInterval time.Duration
	sweepLimit    int
	log           zerolog.Logger
}

func NewWorker(queue *Queue, filter *SettledFilter, pending PendingLister, sweepInterval time.Duration, log zerolog.Logger) *Worker {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Worker{
		queue:         queue,
		filter:        filter,
		pending:       pending,
		sweepInterval: sweepInterval,
		sweepLimit:    100,
		log:           log,
	}
}

// HandleTrigger enqueues lobbyID unless its payout is known to be done.
func (w *Worker) HandleTrigger(lobbyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if w.filter != nil && w.filter.IsSettled(ctx, lobbyID) {
		w.log.Debug().Str("lobby_id", lobbyID).Msg("trigger for settled payout ignored")
		return
	}
	if w.queue.Enqueue(lobbyID) {
		w.log.Debug().Str("lobby_id", lobbyID).Msg("payout enqueued")
	}
}

// Sweep enqueues every PENDING payout and returns how many were added.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	lobbies, err := w.pending.PendingLobbies(ctx, w.sweepLimit)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, id := range lobbies {
		if w.queue.Enqueue(id) {
			added++
		}
	}
	return added, nil
}

// Run sweeps once immediately and then every sweep interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	w.log.Info().Dur("sweep_interval", w.sweepInterval).Msg("payout worker started")
	for {
		n, err := w.Sweep(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("pending payout sweep failed")
		} else if n > 0 {
			w.log.Info().Int("enqueued", n).Msg("pending payouts swept")
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("payout worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
