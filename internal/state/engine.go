package state

import (
	"CoinArena/internal/event"
	"time"
)

// SnapshotSchemaVersion is stamped on every snapshot the engine produces.
const SnapshotSchemaVersion = 1

// Init builds tick 0 for a match. Each participant is placed on a distinct
// pseudo-random cell; placement stops at the first agent that cannot be
// placed within MaxPlacementAttempts and the rest are left out.
func Init(cfg MatchConfig, agentIDs []string, now time.Time) *MatchSnapshot {
	players := make(map[string]PlayerState, len(agentIDs))
	occupied := make(map[Cell]struct{}, len(agentIDs))

	rng := uint32(cfg.Seed)
	for _, id := range agentIDs {
		if _, dup := players[id]; dup {
			continue
		}
		cell, next, ok := PickEmptyCell(cfg.Width, cfg.Height, occupied, rng)
		if !ok {
			break
		}
		rng = next
		occupied[cell] = struct{}{}
		players[id] = PlayerState{
			X:         cell.X,
			Y:         cell.Y,
			Direction: event.DirectionUp,
		}
	}

	return &MatchSnapshot{
		SchemaVersion:    SnapshotSchemaVersion,
		LobbyID:          cfg.LobbyID,
		Status:           StatusActive,
		Tick:             0,
		TickRate:         cfg.TickRate,
		Width:            cfg.Width,
		Height:           cfg.Height,
		StartedAt:        cfg.StartedAt.UTC(),
		EndsAt:           cfg.EndsAt().UTC(),
		UpdatedAt:        now.UTC(),
		Players:          players,
		Coins:            []CoinState{},
		CoinsSpawned:     0,
		NextCoinID:       1,
		SpawnAccumulator: 1,
		RNGState:         rng,
	}
}

// Step advances snap by one tick and returns the new snapshot. snap is not
// modified.
//
// Inputs are applied in order; each agent gets at most one honored input
// per tick and a move into an occupied cell is a no-op. Coins under a player
// after movement are collected, then new coins are spawned from the
// accumulator. Status only ever moves ACTIVE -> FINISHED.
func Step(snap *MatchSnapshot, cfg MatchConfig, inputs []event.InputEvent, now time.Time) *MatchSnapshot {
	next := snap.Clone()
	next.SchemaVersion = SnapshotSchemaVersion
	next.Tick++
	next.UpdatedAt = now.UTC()

	applyMoves(next, inputs)
	collectCoins(next)
	spawnCoins(next, cfg)

	if !now.Before(next.EndsAt) && next.Status.CanTransitionTo(StatusFinished) {
		next.Status = StatusFinished
	}
	return next
}

func applyMoves(s *MatchSnapshot, inputs []event.InputEvent) {
	occupied := make(map[Cell]struct{}, len(s.Players))
	for _, p := range s.Players {
		occupied[p.Cell()] = struct{}{}
	}

	moved := make(map[string]struct{}, len(s.Players))
	for _, in := range inputs {
		if in.Type != event.EventTypeInput || !in.Direction.Valid() {
			continue
		}
		if _, done := moved[in.AgentID]; done {
			continue
		}
		p, ok := s.Players[in.AgentID]
		if !ok {
			continue
		}
		moved[in.AgentID] = struct{}{}

		dx, dy := in.Direction.Delta()
		target := Cell{
			X: clamp(p.X+dx, 0, s.Width-1),
			Y: clamp(p.Y+dy, 0, s.Height-1),
		}
		if _, taken := occupied[target]; taken {
			continue
		}

		delete(occupied, p.Cell())
		p.X, p.Y = target.X, target.Y
		p.Direction = in.Direction
		occupied[target] = struct{}{}
		s.Players[in.AgentID] = p
	}
}

func collectCoins(s *MatchSnapshot) {
	owners := make(map[Cell]string, len(s.Players))
	for id, p := range s.Players {
		owners[p.Cell()] = id
	}

	remaining := make([]CoinState, 0, len(s.Coins))
	for _, c := range s.Coins {
		owner, hit := owners[c.Cell()]
		if !hit {
			remaining = append(remaining, c)
			continue
		}
		p := s.Players[owner]
		p.Score++
		s.Players[owner] = p
	}
	s.Coins = remaining
}

func spawnCoins(s *MatchSnapshot, cfg MatchConfig) {
	if cfg.DurationSec <= 0 || cfg.TickRate <= 0 {
		return
	}
	spawnRate := float64(cfg.CoinsPerMatch) / float64(cfg.DurationSec)
	s.SpawnAccumulator += spawnRate / float64(cfg.TickRate)

	for s.SpawnAccumulator >= 1 && s.CoinsSpawned < cfg.CoinsPerMatch {
		occupied := make(map[Cell]struct{}, len(s.Players)+len(s.Coins))
		for _, p := range s.Players {
			occupied[p.Cell()] = struct{}{}
		}
		for _, c := range s.Coins {
			occupied[c.Cell()] = struct{}{}
		}

		cell, rng, ok := PickEmptyCell(s.Width, s.Height, occupied, s.RNGState)
		if !ok {
			return
		}
		s.RNGState = rng
		s.Coins = append(s.Coins, CoinState{ID: s.NextCoinID, X: cell.X, Y: cell.Y})
		s.NextCoinID++
		s.CoinsSpawned++
		s.SpawnAccumulator--
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
