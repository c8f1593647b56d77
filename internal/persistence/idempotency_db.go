package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresSettledChecker answers whether a lobby's payout has nothing left
// to do. It is the authoritative tier behind the in-memory trigger dedupe.
type PostgresSettledChecker struct {
	db *sql.DB
}

func NewPostgresSettledChecker(db *sql.DB) *PostgresSettledChecker {
	return &PostgresSettledChecker{
		db: db,
	}
}

// IsSettled reports true when the payout exists, is terminal and has no
// PENDING items. A missing payout is not settled.
func (c *PostgresSettledChecker) IsSettled(ctx context.Context, lobbyID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM payouts p
        WHERE p.lobby_id = $1::uuid
          AND p.status IN ('SENT', 'FAILED')
          AND NOT EXISTS (
              SELECT 1 FROM payout_items i
              WHERE i.payout_id = p.id AND i.status = 'PENDING'
          )
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, lobbyID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
