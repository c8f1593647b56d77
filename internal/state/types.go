package state

import (
	"CoinArena/internal/event"
	"fmt"
	"sort"
	"time"
)

// MatchStatus is the lifecycle of a running match.
type MatchStatus string

const (
	StatusActive   MatchStatus = "ACTIVE"
	StatusFinished MatchStatus = "FINISHED"
)

// CanTransitionTo reports whether moving from s to next is allowed.
// FINISHED is terminal.
func (s MatchStatus) CanTransitionTo(next MatchStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusActive || next == StatusFinished
	case StatusFinished:
		return next == StatusFinished
	default:
		return false
	}
}

// MatchConfig is written once by matchmaking and never mutated.
type MatchConfig struct {
	LobbyID       string    `json:"lobby_id"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	TickRate      int       `json:"tick_rate"`
	DurationSec   int       `json:"duration_sec"`
	CoinsPerMatch int       `json:"coins_per_match"`
	RewardPool    string    `json:"reward_pool_quai"`
	Seed          int64     `json:"seed"`
	StartedAt     time.Time `json:"started_at"`
}

// EndsAt is the wall-clock instant the match finishes.
func (c MatchConfig) EndsAt() time.Time {
	return c.StartedAt.Add(time.Duration(c.DurationSec) * time.Second)
}

// Validate rejects configs the engine cannot run.
func (c MatchConfig) Validate() error {
	switch {
	case c.LobbyID == "":
		return fmt.Errorf("config: empty lobby_id")
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("config %s: invalid grid %dx%d", c.LobbyID, c.Width, c.Height)
	case c.TickRate <= 0:
		return fmt.Errorf("config %s: invalid tick_rate %d", c.LobbyID, c.TickRate)
	case c.DurationSec <= 0:
		return fmt.Errorf("config %s: invalid duration_sec %d", c.LobbyID, c.DurationSec)
	case c.CoinsPerMatch < 0:
		return fmt.Errorf("config %s: invalid coins_per_match %d", c.LobbyID, c.CoinsPerMatch)
	}
	return nil
}

// Cell is a grid coordinate.
type Cell struct {
	X int
	Y int
}

// PlayerState is one participant on the board.
type PlayerState struct {
	X         int             `json:"x"`
	Y         int             `json:"y"`
	Direction event.Direction `json:"direction"`
	Score     int             `json:"score"`
}

func (p PlayerState) Cell() Cell {
	return Cell{X: p.X, Y: p.Y}
}

// CoinState is an uncollected coin.
type CoinState struct {
	ID int `json:"id"`
	X  int `json:"x"`
	Y  int `json:"y"`
}

func (c CoinState) Cell() Cell {
	return Cell{X: c.X, Y: c.Y}
}

// MatchSnapshot is the complete state of a match at one tick. It is always
// replaced wholesale in the shared store.
type MatchSnapshot struct {
	SchemaVersion    int                    `json:"schema_version"`
	LobbyID          string                 `json:"lobby_id"`
	Status           MatchStatus            `json:"status"`
	Tick             int64                  `json:"tick"`
	TickRate         int                    `json:"tick_rate"`
	Width            int                    `json:"width"`
	Height           int                    `json:"height"`
	StartedAt        time.Time              `json:"started_at"`
	EndsAt           time.Time              `json:"ends_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Players          map[string]PlayerState `json:"players"`
	Coins            []CoinState            `json:"coins"`
	CoinsSpawned     int                    `json:"coins_spawned"`
	NextCoinID       int                    `json:"next_coin_id"`
	SpawnAccumulator float64                `json:"spawn_accumulator"`
	RNGState         uint32                 `json:"rng_state"`
}

// Clone returns a deep copy.
func (s *MatchSnapshot) Clone() *MatchSnapshot {
	next := *s
	next.Players = make(map[string]PlayerState, len(s.Players))
	for id, p := range s.Players {
		next.Players[id] = p
	}
	next.Coins = make([]CoinState, len(s.Coins))
	copy(next.Coins, s.Coins)
	return &next
}

// Scores returns agent -> coins collected.
func (s *MatchSnapshot) Scores() map[string]int {
	scores := make(map[string]int, len(s.Players))
	for id, p := range s.Players {
		scores[id] = p.Score
	}
	return scores
}

// AgentIDs returns player ids in sorted order.
func (s *MatchSnapshot) AgentIDs() []string {
	ids := make([]string, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reconcile drops players that are no longer in the active participant set.
// Players are never added back.
func (s *MatchSnapshot) Reconcile(active []string) *MatchSnapshot {
	keep := make(map[string]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}
	next := s.Clone()
	for id := range next.Players {
		if _, ok := keep[id]; !ok {
			delete(next.Players, id)
		}
	}
	return next
}
