package core

import (
	"CoinArena/internal/ledger"
	fpmath "CoinArena/internal/math"
	"CoinArena/internal/observability"
	"CoinArena/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// FinalizeStore is the slice of the shared store the finalizer needs.
type FinalizeStore interface {
	ClaimFinalize(ctx context.Context, matchID string) (bool, error)
	ReleaseFinalize(ctx context.Context, matchID string) error
	RemoveActive(ctx context.Context, matchID string) error
}

// SettlementNotifier announces a finalized match. Failures are logged only.
type SettlementNotifier interface {
	PublishSettlement(ctx context.Context, lobbyID string) error
}

// FinalizeOutcome describes what a Finalize call did.
type FinalizeOutcome string

const (
	OutcomeFinalized FinalizeOutcome = "finalized"
	// OutcomeAlreadyClaimed means another caller holds the finalize marker.
	OutcomeAlreadyClaimed FinalizeOutcome = "already_claimed"
	// OutcomeLedgerNoop means the durable record was already FINISHED.
	OutcomeLedgerNoop FinalizeOutcome = "ledger_noop"
)

// Finalizer hands a finished match over to the ledger exactly once.
type Finalizer struct {
	store    FinalizeStore
	ledger   ledger.Ledger
	notifier SettlementNotifier
	metrics  *observability.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewFinalizer(
	store FinalizeStore,
	l ledger.Ledger,
	notifier SettlementNotifier,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Finalizer {
	return &Finalizer{
		store:    store,
		ledger:   l,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Finalize claims the match, computes rewards and writes the payout in one
// ledger transaction.
//
// A caller that loses the claim only removes the match from the active set.
// If the ledger write fails the claim is released and the match stays
// active so the next tick retries.
func (f *Finalizer) Finalize(ctx context.Context, snap *state.MatchSnapshot, cfg state.MatchConfig) (FinalizeOutcome, error) {
	matchID := snap.LobbyID
	log := f.log.With().Str("lobby_id", matchID).Logger()

	claimed, err := f.store.ClaimFinalize(ctx, matchID)
	if err != nil {
		f.metrics.Finalizations.WithLabelValues("error").Inc()
		return "", err
	}
	if !claimed {
		f.metrics.Finalizations.WithLabelValues(string(OutcomeAlreadyClaimed)).Inc()
		if err := f.store.RemoveActive(ctx, matchID); err != nil {
			return OutcomeAlreadyClaimed, err
		}
		return OutcomeAlreadyClaimed, nil
	}

	result, err := f.handoff(ctx, snap, cfg)
	if err != nil {
		f.metrics.Finalizations.WithLabelValues("error").Inc()
		if relErr := f.store.ReleaseFinalize(ctx, matchID); relErr != nil {
			log.Error().Err(relErr).Msg("release finalize marker failed")
		}
		return "", err
	}

	if err := f.store.RemoveActive(ctx, matchID); err != nil {
		log.Warn().Err(err).Msg("remove from active set failed")
	}

	if !result.Finalized {
		f.metrics.Finalizations.WithLabelValues(string(OutcomeLedgerNoop)).Inc()
		log.Info().Msg("match already finished in ledger")
		return OutcomeLedgerNoop, nil
	}

	f.metrics.Finalizations.WithLabelValues(string(OutcomeFinalized)).Inc()
	log.Info().
		Str("payout_id", result.PayoutID.String()).
		Int("items", result.Items).
		Msg("match finalized")

	if f.notifier != nil {
		if err := f.notifier.PublishSettlement(ctx, matchID); err != nil {
			f.metrics.SettlementPublishErr.Inc()
			log.Warn().Err(err).Msg("settlement trigger not published; sweep will pick it up")
		}
	}
	return OutcomeFinalized, nil
}

func (f *Finalizer) handoff(ctx context.Context, snap *state.MatchSnapshot, cfg state.MatchConfig) (ledger.FinalizeResult, error) {
	scores := snap.Scores()
	split, err := fpmath.ComputePayouts(cfg.RewardPool, cfg.CoinsPerMatch, scores)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("compute payouts %s: %w", snap.LobbyID, err)
	}

	participants := make([]ledger.ParticipantResult, 0, len(scores))
	for _, id := range snap.AgentIDs() {
		reward := split.Breakdown[id]
		if reward == "" {
			reward = "0"
		}
		participants = append(participants, ledger.ParticipantResult{
			AgentID:    id,
			Score:      scores[id],
			RewardQuai: reward,
		})
	}

	finishedAt := snap.UpdatedAt
	if finishedAt.IsZero() {
		finishedAt = f.now().UTC()
	}

	return f.ledger.FinalizeMatch(ctx, ledger.FinalizeParams{
		LobbyID:      snap.LobbyID,
		FinishedAt:   finishedAt,
		PoolQuai:     cfg.RewardPool,
		TotalQuai:    split.Total,
		Breakdown:    split.Breakdown,
		Participants: participants,
	})
}
