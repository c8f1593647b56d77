package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrPayoutNotFound = errors.New("payout not found")

// PayoutStatus is shared by payout records and their line items.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutSent    PayoutStatus = "SENT"
	PayoutFailed  PayoutStatus = "FAILED"
)

// IsTerminal reports whether s is SENT or FAILED.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutSent || s == PayoutFailed
}

// CanTransitionTo enforces forward-only transitions. Nothing returns to
// PENDING. A FAILED record becomes SENT when a later run sends items it left
// pending.
func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	switch s {
	case PayoutPending:
		return next == PayoutSent || next == PayoutFailed
	case PayoutFailed:
		return next == PayoutFailed || next == PayoutSent
	case PayoutSent:
		return next == PayoutSent
	default:
		return false
	}
}

// Payout is the settlement record created once per finished match.
type Payout struct {
	ID         uuid.UUID         `json:"id"`
	LobbyID    string            `json:"lobby_id"`
	Status     PayoutStatus      `json:"status"`
	FromWallet string            `json:"from_wallet,omitempty"`
	TotalQuai  string            `json:"total_quai"`
	Breakdown  map[string]string `json:"breakdown"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// PayoutItem is one transfer to one agent.
type PayoutItem struct {
	ID            uuid.UUID    `json:"id"`
	PayoutID      uuid.UUID    `json:"payout_id"`
	AgentID       string       `json:"agent_id"`
	PayoutAddress string       `json:"payout_address"`
	AmountQuai    string       `json:"amount_quai"`
	Status        PayoutStatus `json:"status"`
	TxHash        string       `json:"tx_hash,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// ParticipantResult is the final tally written to a participant record.
type ParticipantResult struct {
	AgentID    string
	Score      int
	RewardQuai string
}

// FinalizeParams carries everything the durable handoff writes in one
// transaction.
type FinalizeParams struct {
	LobbyID      string
	FinishedAt   time.Time
	PoolQuai     string
	TotalQuai    string
	Breakdown    map[string]string
	Participants []ParticipantResult
}

// FinalizeResult describes the outcome of FinalizeMatch. Finalized is false
// when the match was missing or already finished; nothing was written.
type FinalizeResult struct {
	Finalized bool
	PayoutID  uuid.UUID
	Items     int
}

// Ledger is the durable financial store the finalizer hands off to.
type Ledger interface {
	FinalizeMatch(ctx context.Context, p FinalizeParams) (FinalizeResult, error)
}
