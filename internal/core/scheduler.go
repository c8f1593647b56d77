package core

import (
	"CoinArena/internal/ingestion"
	"CoinArena/internal/observability"
	"CoinArena/internal/state"
	"CoinArena/internal/store"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MatchStore is the shared-store surface the scheduler drives each tick.
type MatchStore interface {
	FinalizeStore
	ActiveMatches(ctx context.Context) ([]string, error)
	LoadConfig(ctx context.Context, matchID string) (state.MatchConfig, error)
	LoadSnapshot(ctx context.Context, matchID string) (*state.MatchSnapshot, error)
	SaveSnapshot(ctx context.Context, snap *state.MatchSnapshot) ([]byte, int64, error)
	Participants(ctx context.Context, matchID string) ([]string, error)
	DrainInputs(ctx context.Context, matchID string) ([][]byte, error)
}

// Broadcaster pushes an encoded snapshot to a match's spectators.
type Broadcaster interface {
	Broadcast(matchID string, payload []byte) int
}

// TickResult summarizes one TickMatch call.
type TickResult string

const (
	TickAdvanced  TickResult = "advanced"
	TickFinalized TickResult = "finalized"
	TickSkipped   TickResult = "skipped"
)

// Scheduler advances every active match once per interval. Matches within a
// cycle run concurrently; a cycle finishes before the next one starts so a
// match is never advanced twice at once by the same scheduler.
type Scheduler struct {
	store       MatchStore
	finalizer   *Finalizer
	broadcaster Broadcaster
	sequences   *SequenceValidator
	interval    time.Duration
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewScheduler(
	st MatchStore,
	finalizer *Finalizer,
	broadcaster Broadcaster,
	interval time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Scheduler{
		store:       st,
		finalizer:   finalizer,
		broadcaster: broadcaster,
		sequences:   NewSequenceValidator(),
		interval:    interval,
		metrics:     metrics,
		log:         log,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("tick scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("tick scheduler stopped")
			return nil
		case now := <-ticker.C:
			if err := s.RunOnce(ctx, now); err != nil {
				s.log.Error().Err(err).Msg("tick cycle failed")
			}
		}
	}
}

// RunOnce processes every active match at now. Per-match failures are
// logged and counted; only a failure to list active matches is returned.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { s.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.store.ActiveMatches(ctx)
	if err != nil {
		s.metrics.TickFailures.WithLabelValues("list").Inc()
		return err
	}
	s.metrics.ActiveMatches.Set(float64(len(ids)))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			result, err := s.TickMatch(ctx, id, now)
			if err != nil {
				s.log.Error().Err(err).Str("lobby_id", id).Msg("tick failed")
				return nil
			}
			s.metrics.TicksProcessed.WithLabelValues(string(result)).Inc()
			return nil
		})
	}
	return g.Wait()
}

// TickMatch runs one scheduler step for a single match.
func (s *Scheduler) TickMatch(ctx context.Context, matchID string, now time.Time) (TickResult, error) {
	start := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	cfg, err := s.store.LoadConfig(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return TickSkipped, nil
	}
	if err != nil {
		return s.fail("config", err)
	}

	participants, err := s.store.Participants(ctx, matchID)
	if err != nil {
		return s.fail("participants", err)
	}

	snap, err := s.store.LoadSnapshot(ctx, matchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap = state.Init(cfg, participants, now)
		if _, _, err := s.store.SaveSnapshot(ctx, snap); err != nil {
			return s.fail("init", err)
		}
		s.log.Info().
			Str("lobby_id", matchID).
			Int("players", len(snap.Players)).
			Int("participants", len(participants)).
			Msg("match initialized")
	case err != nil:
		return s.fail("load", err)
	}

	snap = snap.Reconcile(participants)

	if snap.Status == state.StatusFinished {
		return s.finalize(ctx, snap, cfg)
	}

	blobs, err := s.store.DrainInputs(ctx, matchID)
	if err != nil {
		return s.fail("drain", err)
	}
	inputs, dropped := ingestion.ParseInputs(blobs)
	s.metrics.InputsDrained.Add(float64(len(inputs)))
	if dropped > 0 {
		s.metrics.InputsDropped.Add(float64(dropped))
		s.log.Debug().Str("lobby_id", matchID).Int("dropped", dropped).Msg("malformed inputs dropped")
	}

	next := state.Step(snap, cfg, inputs, now)

	payload, seq, err := s.store.SaveSnapshot(ctx, next)
	if err != nil {
		return s.fail("save", err)
	}
	if err := s.sequences.Observe(matchID, seq); err != nil {
		s.metrics.TickFailures.WithLabelValues("sequence").Inc()
		s.log.Warn().Err(err).Str("lobby_id", matchID).Msg("concurrent snapshot writer suspected")
	}

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(matchID, payload)
	}

	if next.Status == state.StatusFinished {
		return s.finalize(ctx, next, cfg)
	}
	return TickAdvanced, nil
}

func (s *Scheduler) finalize(ctx context.Context, snap *state.MatchSnapshot, cfg state.MatchConfig) (TickResult, error) {
	if _, err := s.finalizer.Finalize(ctx, snap, cfg); err != nil {
		return s.fail("finalize", err)
	}
	s.sequences.Forget(snap.LobbyID)
	return TickFinalized, nil
}

func (s *Scheduler) fail(stage string, err error) (TickResult, error) {
	s.metrics.TickFailures.WithLabelValues(stage).Inc()
	return "", fmt.Errorf("%s: %w", stage, err)
}
