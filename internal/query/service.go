package query

import (
	"CoinArena/internal/ledger"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidLobbyID = errors.New("invalid lobby id")

// PayoutReader is the read side of the payout repository.
type PayoutReader interface {
	PayoutByLobby(ctx context.Context, lobbyID string) (*ledger.Payout, error)
	Items(ctx context.Context, payoutID uuid.UUID) ([]ledger.PayoutItem, error)
}

// ItemCounts tallies line items by status.
type ItemCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// PayoutResponse is a payout record with its line items. AsOf is when the
// read was taken; records may move to a terminal state right after.
type PayoutResponse struct {
	ledger.Payout
	Items  []ledger.PayoutItem `json:"items"`
	Counts ItemCounts          `json:"counts"`
	AsOf   time.Time           `json:"as_of"`
}

// QueryService provides read-only access to settlement records for the ops
// surface.
type QueryService struct {
	payouts PayoutReader
	now     func() time.Time
}

func NewQueryService(payouts PayoutReader) *QueryService {
	return &QueryService{payouts: payouts, now: time.Now}
}

// GetPayout returns the payout for lobbyID and every item in creation order.
// Returns ledger.ErrPayoutNotFound when the match has no payout yet.
func (qs *QueryService) GetPayout(ctx context.Context, lobbyID string) (*PayoutResponse, error) {
	if _, err := uuid.Parse(lobbyID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLobbyID, lobbyID)
	}

	p, err := qs.payouts.PayoutByLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	items, err := qs.payouts.Items(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []ledger.PayoutItem{}
	}

	resp := &PayoutResponse{Payout: *p, Items: items, AsOf: qs.now().UTC()}
	for _, it := range items {
		switch it.Status {
		case ledger.PayoutPending:
			resp.Counts.Pending++
		case ledger.PayoutSent:
			resp.Counts.Sent++
		case ledger.PayoutFailed:
			resp.Counts.Failed++
		}
	}
	return resp, nil
}
