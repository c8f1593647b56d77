package store

import (
	"CoinArena/internal/event"
	"CoinArena/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("not found")

// RedisStore is the shared key-value store holding live match state.
// One instance is created per process and passed to every component.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// ActiveMatches returns the ids in the active set, sorted.
func (s *RedisStore) ActiveMatches(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ActiveMatchesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read active matches: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddActive registers a match with the scheduler.
func (s *RedisStore) AddActive(ctx context.Context, matchID string) error {
	return s.rdb.SAdd(ctx, ActiveMatchesKey, matchID).Err()
}

// RemoveActive drops a match from the scheduler's working set.
func (s *RedisStore) RemoveActive(ctx context.Context, matchID string) error {
	if err := s.rdb.SRem(ctx, ActiveMatchesKey, matchID).Err(); err != nil {
		return fmt.Errorf("remove active %s: %w", matchID, err)
	}
	return nil
}

// LoadConfig returns ErrNotFound when the match has no configuration.
func (s *RedisStore) LoadConfig(ctx context.Context, matchID string) (state.MatchConfig, error) {
	raw, err := s.rdb.Get(ctx, configKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.MatchConfig{}, ErrNotFound
	}
	if err != nil {
		return state.MatchConfig{}, fmt.Errorf("read config %s: %w", matchID, err)
	}
	return state.DecodeConfig(raw)
}

// SaveConfig writes the immutable match configuration. Used by matchmaking
// collaborators and tests.
func (s *RedisStore) SaveConfig(ctx context.Context, cfg state.MatchConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.rdb.Set(ctx, configKey(cfg.LobbyID), data, 0).Err()
}

// LoadSnapshotRaw returns the stored snapshot bytes as-is, or ErrNotFound.
func (s *RedisStore) LoadSnapshotRaw(ctx context.Context, matchID string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", matchID, err)
	}
	return raw, nil
}

// LoadSnapshot decodes and validates the stored snapshot.
func (s *RedisStore) LoadSnapshot(ctx context.Context, matchID string) (*state.MatchSnapshot, error) {
	raw, err := s.LoadSnapshotRaw(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return state.DecodeSnapshot(raw)
}

// SaveSnapshot replaces the snapshot and increments the sequence counter in
// one MULTI/EXEC. It returns the encoded snapshot and the new sequence.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *state.MatchSnapshot) ([]byte, int64, error) {
	data, err := state.EncodeSnapshot(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("encode snapshot: %w", err)
	}

	var seq *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapshotKey(snap.LobbyID), data, 0)
		seq = pipe.Incr(ctx, seqKey(snap.LobbyID))
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("save snapshot %s: %w", snap.LobbyID, err)
	}
	return data, seq.Val(), nil
}

// Sequence returns the current snapshot sequence, 0 if none was written.
func (s *RedisStore) Sequence(ctx context.Context, matchID string) (int64, error) {
	n, err := s.rdb.Get(ctx, seqKey(matchID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Participants returns the live participant set, sorted.
func (s *RedisStore) Participants(ctx context.Context, matchID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, playersKey(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read participants %s: %w", matchID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddParticipant joins an agent to a match.
func (s *RedisStore) AddParticipant(ctx context.Context, matchID, agentID string) error {
	return s.rdb.SAdd(ctx, playersKey(matchID), agentID).Err()
}

// RemoveParticipant marks an agent as having left.
func (s *RedisStore) RemoveParticipant(ctx context.Context, matchID, agentID string) error {
	return s.rdb.SRem(ctx, playersKey(matchID), agentID).Err()
}

// DrainInputs returns every queued input blob in FIFO order and trims
// exactly that many from the head, so inputs pushed concurrently survive
// for the next tick.
func (s *RedisStore) DrainInputs(ctx context.Context, matchID string) ([][]byte, error) {
	key := inputsKey(matchID)
	items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read inputs %s: %w", matchID, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := s.rdb.LTrim(ctx, key, int64(len(items)), -1).Err(); err != nil {
		return nil, fmt.Errorf("trim inputs %s: %w", matchID, err)
	}

	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = []byte(it)
	}
	return out, nil
}

// PushInput appends an input event to the match queue.
func (s *RedisStore) PushInput(ctx context.Context, in event.InputEvent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	return s.rdb.RPush(ctx, inputsKey(in.LobbyID), data).Err()
}

// ClaimFinalize sets the finalize marker if absent. Exactly one caller
// observes true for a given match.
func (s *RedisStore) ClaimFinalize(ctx context.Context, matchID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, finalizedKey(matchID), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("claim finalize %s: %w", matchID, err)
	}
	return ok, nil
}

// ReleaseFinalize clears the marker so a failed handoff can be retried.
func (s *RedisStore) ReleaseFinalize(ctx context.Context, matchID string) error {
	return s.rdb.Del(ctx, finalizedKey(matchID)).Err()
}
