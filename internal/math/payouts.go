package math

import (
	"fmt"
	"math/big"
	"sort"
)

// PayoutSplit is the result of apportioning a reward pool.
type PayoutSplit struct {
	Total     string            `json:"total_quai"`
	Breakdown map[string]string `json:"breakdown"`
}

// ComputePayouts apportions pool across scores at a fixed value per coin.
//
// coinValue = floor(pool / coinsPerMatch) in wei, and each agent receives
// coinValue * score. Coins that were never collected are never paid out and
// flooring remainders stay in the treasury. Agents with a zero score are
// omitted from the breakdown.
//
// The denominator is the larger of coinsPerMatch and the total score, so the
// distributed sum can never exceed the pool even for inconsistent inputs.
func ComputePayouts(pool string, coinsPerMatch int, scores map[string]int) (PayoutSplit, error) {
	split := PayoutSplit{Total: "0", Breakdown: map[string]string{}}

	totalCoins := int64(0)
	for _, s := range scores {
		if s > 0 {
			totalCoins += int64(s)
		}
	}
	if totalCoins == 0 {
		return split, nil
	}

	poolWei, err := ToWei(pool)
	if err != nil {
		return PayoutSplit{}, fmt.Errorf("reward pool: %w", err)
	}

	denom := int64(coinsPerMatch)
	if denom < totalCoins {
		denom = totalCoins
	}
	coinValue := new(big.Int).Quo(poolWei, big.NewInt(denom))

	// Deterministic iteration for reproducible logs
	agents := make([]string, 0, len(scores))
	for id := range scores {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	distributed := new(big.Int)
	for _, id := range agents {
		score := scores[id]
		if score <= 0 {
			continue
		}
		amount := new(big.Int).Mul(coinValue, big.NewInt(int64(score)))
		distributed.Add(distributed, amount)
		split.Breakdown[id] = FromWei(amount)
	}

	split.Total = FromWei(distributed)
	return split, nil
}
