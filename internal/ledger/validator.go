package ledger

import (
	fpmath "CoinArena/internal/math"
	"fmt"
	"math/big"
)

// ValidateFinalize checks the apportionment invariants before anything is
// written: every breakdown entry belongs to a participant with a positive
// score, the breakdown sums to the total, and the total never exceeds the
// pool.
func ValidateFinalize(p FinalizeParams) error {
	if p.LobbyID == "" {
		return fmt.Errorf("finalize: empty lobby id")
	}

	scores := make(map[string]int, len(p.Participants))
	for _, r := range p.Participants {
		scores[r.AgentID] = r.Score
	}

	sum := new(big.Int)
	for agent, amount := range p.Breakdown {
		score, ok := scores[agent]
		if !ok {
			return fmt.Errorf("finalize %s: breakdown agent %s is not a participant", p.LobbyID, agent)
		}
		if score <= 0 {
			return fmt.Errorf("finalize %s: agent %s has a reward but score %d", p.LobbyID, agent, score)
		}
		wei, err := fpmath.ToWei(amount)
		if err != nil {
			return fmt.Errorf("finalize %s: agent %s amount: %w", p.LobbyID, agent, err)
		}
		sum.Add(sum, wei)
	}

	total, err := fpmath.ToWei(p.TotalQuai)
	if err != nil {
		return fmt.Errorf("finalize %s: total: %w", p.LobbyID, err)
	}
	if sum.Cmp(total) != 0 {
		return fmt.Errorf("finalize %s: breakdown sums to %s, total is %s",
			p.LobbyID, fpmath.FromWei(sum), p.TotalQuai)
	}

	if p.PoolQuai != "" {
		pool, err := fpmath.ToWei(p.PoolQuai)
		if err != nil {
			return fmt.Errorf("finalize %s: pool: %w", p.LobbyID, err)
		}
		if total.Cmp(pool) > 0 {
			return fmt.Errorf("finalize %s: total %s exceeds pool %s", p.LobbyID, p.TotalQuai, p.PoolQuai)
		}
	}
	return nil
}
