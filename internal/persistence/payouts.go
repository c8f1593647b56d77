package persistence

import (
	"CoinArena/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PayoutRepository is the settlement side of the ledger: it reads payout
// records and moves them and their items to terminal states.
type PayoutRepository struct {
	db *sql.DB
}

func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

const payoutColumns = `id, lobby_id::text, status, COALESCE(from_wallet, ''), total_quai::text,
	breakdown, COALESCE(error, ''), created_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (*ledger.Payout, error) {
	var (
		p         ledger.Payout
		status    string
		breakdown []byte
	)
	if err := row.Scan(&p.ID, &p.LobbyID, &status, &p.FromWallet, &p.TotalQuai,
		&breakdown, &p.Error, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = ledger.PayoutStatus(status)
	p.TotalQuai = trimNumeric(p.TotalQuai)
	p.Breakdown = map[string]string{}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &p.Breakdown); err != nil {
			return nil, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	return &p, nil
}

// PayoutByLobby returns the payout for a match, or ledger.ErrPayoutNotFound.
func (r *PayoutRepository) PayoutByLobby(ctx context.Context, lobbyID string) (*ledger.Payout, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE lobby_id = $1::uuid`, lobbyID)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lobby %s", ledger.ErrPayoutNotFound, lobbyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payout for %s: %w", lobbyID, err)
	}
	return p, nil
}

// OldestPendingLobby returns the lobby of the oldest PENDING payout.
func (r *PayoutRepository) OldestPendingLobby(ctx context.Context) (string, error) {
	lobbies, err := r.PendingLobbies(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(lobbies) == 0 {
		return "", ledger.ErrPayoutNotFound
	}
	return lobbies[0], nil
}

// PendingLobbies lists lobbies with PENDING payouts, oldest first.
func (r *PayoutRepository) PendingLobbies(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT lobby_id::text
		FROM payouts
		WHERE status = 'PENDING'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payouts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PendingItems returns the PENDING items of a payout in creation order.
func (r *PayoutRepository) PendingItems(ctx context.Context, payoutID uuid.UUID) ([]ledger.PayoutItem, error) {
	return r.items(ctx, payoutID, true)
}

// Items returns every item of a payout.
func (r *PayoutRepository) Items(ctx context.Context, payoutID uuid.UUID) ([]ledger.PayoutItem, error) {
	return r.items(ctx, payoutID, false)
}

func (r *PayoutRepository) items(ctx context.Context, payoutID uuid.UUID, pendingOnly bool) ([]ledger.PayoutItem, error) {
	query := `
		SELECT id, payout_id, agent_id::text, payout_address, amount_quai::text, status,
		       COALESCE(tx_hash, ''), COALESCE(error, '')
		FROM payout_items
		WHERE payout_id = $1`
	if pendingOnly {
		query += ` AND status = 'PENDING'`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, payoutID)
	if err != nil {
		return nil, fmt.Errorf("load payout items %s: %w", payoutID, err)
	}
	defer rows.Close()

	var out []ledger.PayoutItem
	for rows.Next() {
		var (
			it     ledger.PayoutItem
			status string
		)
		if err := rows.Scan(&it.ID, &it.PayoutID, &it.AgentID, &it.PayoutAddress,
			&it.AmountQuai, &status, &it.TxHash, &it.Error); err != nil {
			return nil, err
		}
		it.Status = ledger.PayoutStatus(status)
		it.AmountQuai = trimNumeric(it.AmountQuai)
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkItemSent records a successful submission. Items already terminal are
// left untouched.
func (r *PayoutRepository) MarkItemSent(ctx context.Context, itemID uuid.UUID, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payout_items
		SET status = 'SENT', tx_hash = $2, error = NULL, attempted_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, itemID, txHash)
	if err != nil {
		return fmt.Errorf("mark item %s sent: %w", itemID, err)
	}
	return nil
}

// MarkItemFailed records a terminal failure with already-redacted text.
func (r *PayoutRepository) MarkItemFailed(ctx context.Context, itemID uuid.UUID, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payout_items
		SET status = 'FAILED', error = $2, attempted_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, itemID, errText)
	if err != nil {
		return fmt.Errorf("mark item %s failed: %w", itemID, err)
	}
	return nil
}

// CompletePayout moves a PENDING record to status. A FAILED record moves to
// SENT and drops its error when status is SENT. Any other terminal record
// keeps its status and error; only the signing wallet is refreshed.
func (r *PayoutRepository) CompletePayout(ctx context.Context, payoutID uuid.UUID, status ledger.PayoutStatus, fromWallet, errText string) error {
	var walletArg, errArg interface{}
	if fromWallet != "" {
		walletArg = fromWallet
	}
	if errText != "" {
		errArg = errText
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE payouts
		SET status      = CASE WHEN status = 'PENDING' THEN $2
		                       WHEN status = 'FAILED' AND $2::text = 'SENT' THEN 'SENT'
		                       ELSE status END,
		    error       = CASE WHEN status = 'PENDING' THEN $4
		                       WHEN status = 'FAILED' AND $2::text = 'SENT' THEN NULL
		                       ELSE error END,
		    from_wallet = COALESCE($3, from_wallet),
		    updated_at  = NOW()
		WHERE id = $1
	`, payoutID, string(status), walletArg, errArg)
	if err != nil {
		return fmt.Errorf("complete payout %s: %w", payoutID, err)
	}
	return nil
}
