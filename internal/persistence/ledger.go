package persistence

import (
	"CoinArena/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresLedger writes match finalization to the durable ledger.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var _ ledger.Ledger = (*PostgresLedger)(nil)

// FinalizeMatch records final scores, the payout and its line items in one
// transaction. The lobby update is guarded on status so a second finalizer
// finds zero rows and returns a no-op; the unique constraints on
// payouts(lobby_id) and payout_items(payout_id, agent_id) make the inserts
// idempotent even if the guard is bypassed.
func (l *PostgresLedger) FinalizeMatch(ctx context.Context, p ledger.FinalizeParams) (ledger.FinalizeResult, error) {
	if err := ledger.ValidateFinalize(p); err != nil {
		return ledger.FinalizeResult{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE lobbies
		SET status = 'FINISHED', finished_at = $2
		WHERE id = $1::uuid AND status <> 'FINISHED'
	`, p.LobbyID, p.FinishedAt)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("finish lobby: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("finish lobby rows: %w", err)
	}
	if affected == 0 {
		// Missing or already finished.
		return ledger.FinalizeResult{Finalized: false}, nil
	}

	if err := updateParticipants(ctx, tx, p); err != nil {
		return ledger.FinalizeResult{}, err
	}

	breakdown, err := json.Marshal(p.Breakdown)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("encode breakdown: %w", err)
	}

	var payoutID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO payouts (lobby_id, status, from_wallet, total_quai, breakdown)
		VALUES ($1::uuid, 'PENDING', NULL, $2::numeric, $3::jsonb)
		ON CONFLICT (lobby_id) DO UPDATE SET lobby_id = EXCLUDED.lobby_id
		RETURNING id
	`, p.LobbyID, p.TotalQuai, breakdown).Scan(&payoutID)
	if err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("insert payout: %w", err)
	}

	items, err := insertPayoutItems(ctx, tx, payoutID, p.Breakdown)
	if err != nil {
		return ledger.FinalizeResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.FinalizeResult{}, fmt.Errorf("commit finalize: %w", err)
	}

	return ledger.FinalizeResult{Finalized: true, PayoutID: payoutID, Items: items}, nil
}

func updateParticipants(ctx context.Context, tx *sql.Tx, p ledger.FinalizeParams) error {
	if len(p.Participants) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 1+len(p.Participants)*3)
	args = append(args, p.LobbyID)
	for _, r := range p.Participants {
		reward := r.RewardQuai
		if reward == "" {
			reward = "0"
		}
		args = append(args, r.AgentID, r.Score, reward)
	}

	query := `
		UPDATE lobby_players AS lp
		SET final_coins = v.final_coins,
		    final_reward_quai = v.final_reward_quai,
		    status = 'FINISHED'
		FROM (VALUES ` + valuesList(len(p.Participants), 3, 1, []string{"::uuid", "::int", "::numeric"}) + `)
		  AS v(agent_id, final_coins, final_reward_quai)
		WHERE lp.lobby_id = $1::uuid
		  AND lp.agent_id = v.agent_id`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	return nil
}

// insertPayoutItems creates one PENDING item per rewarded agent with a known
// payout address. Agents without an address are skipped.
func insertPayoutItems(ctx context.Context, tx *sql.Tx, payoutID uuid.UUID, breakdown map[string]string) (int, error) {
	if len(breakdown) == 0 {
		return 0, nil
	}

	agentIDs := make([]string, 0, len(breakdown))
	for id := range breakdown {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	rows, err := tx.QueryContext(ctx, `
		SELECT id::text, payout_address
		FROM agents
		WHERE id = ANY($1::uuid[]) AND payout_address IS NOT NULL AND payout_address <> ''
	`, pq.Array(agentIDs))
	if err != nil {
		return 0, fmt.Errorf("resolve payout addresses: %w", err)
	}
	addresses := make(map[string]string, len(agentIDs))
	for rows.Next() {
		var id, addr string
		if err := rows.Scan(&id, &addr); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan payout address: %w", err)
		}
		addresses[id] = addr
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("resolve payout addresses: %w", err)
	}

	args := []interface{}{payoutID}
	n := 0
	for _, id := range agentIDs {
		addr, ok := addresses[id]
		if !ok {
			continue
		}
		args = append(args, id, addr, breakdown[id])
		n++
	}
	if n == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO payout_items (payout_id, agent_id, payout_address, amount_quai)
		SELECT $1::uuid, v.agent_id, v.payout_address, v.amount_quai
		FROM (VALUES ` + valuesList(n, 3, 1, []string{"::uuid", "", "::numeric"}) + `)
		  AS v(agent_id, payout_address, amount_quai)
		ON CONFLICT (payout_id, agent_id) DO NOTHING`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("insert payout items: %w", err)
	}
	return n, nil
}
