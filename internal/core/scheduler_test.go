package core_test

import (
	"CoinArena/internal/core"
	"CoinArena/internal/event"
	"CoinArena/internal/ledger"
	"CoinArena/internal/observability"
	"CoinArena/internal/state"
	"CoinArena/internal/store"
	"CoinArena/internal/testutil"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledger.FinalizeParams
	err   error
	noop  bool
}

func (f *fakeLedger) FinalizeMatch(_ context.Context, p ledger.FinalizeParams) (ledger.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return ledger.FinalizeResult{}, f.err
	}
	if f.noop {
		return ledger.FinalizeResult{}, nil
	}
	return ledger.FinalizeResult{Finalized: true, PayoutID: uuid.New(), Items: len(p.Breakdown)}, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeNotifier) PublishSettlement(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, id)
	return f.err
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent map[string]int
}

func (f *fakeBroadcaster) Broadcast(id string, _ []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string]int{}
	}
	f.sent[id]++
	return 1
}

type harness struct {
	rdb       *redis.Client
	store     *store.RedisStore
	ledger    *fakeLedger
	notifier  *fakeNotifier
	bcast     *fakeBroadcaster
	finalizer *core.Finalizer
	sched     *core.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, rdb := testutil.SetupRedis(t)
	st := store.NewRedisStore(rdb)
	h := &harness{
		rdb:      rdb,
		store:    st,
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
		bcast:    &fakeBroadcaster{},
	}
	metrics := observability.NewTestMetrics()
	log := zerolog.Nop()
	h.finalizer = core.NewFinalizer(st, h.ledger, h.notifier, metrics, log)
	h.sched = core.NewScheduler(st, h.finalizer, h.bcast, 100*time.Millisecond, metrics, log)
	return h
}

func matchConfig(id string, startedAt time.Time) state.MatchConfig {
	return state.MatchConfig{
		LobbyID:       id,
		Width:         8,
		Height:        8,
		TickRate:      10,
		DurationSec:   60,
		CoinsPerMatch: 10,
		RewardPool:    "10.0",
		Seed:          7,
		StartedAt:     startedAt,
	}
}

func (h *harness) seedMatch(t *testing.T, cfg state.MatchConfig, agents ...string) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	for _, a := range agents {
		if err := h.store.AddParticipant(ctx, cfg.LobbyID, a); err != nil {
			t.Fatalf("AddParticipant: %v", err)
		}
	}
	if err := h.store.AddActive(ctx, cfg.LobbyID); err != nil {
		t.Fatalf("AddActive: %v", err)
	}
}

func (h *harness) isActive(t *testing.T, id string) bool {
	t.Helper()
	ids, err := h.store.ActiveMatches(context.Background())
	if err != nil {
		t.Fatalf("ActiveMatches: %v", err)
	}
	for _, a := range ids {
		if a == id {
			return true
		}
	}
	return false
}

// ============================================================================
// TickMatch
// ============================================================================

func TestTickMatch_MissingConfigIsSkipped(t *testing.T) {
	h := newHarness(t)
	got, err := h.sched.TickMatch(context.Background(), "ghost", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != core.TickSkipped {
		t.Errorf("got %s, want %s", got, core.TickSkipped)
	}
}

func TestTickMatch_InitializesFromLiveParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMatch(t, matchConfig("m1", t0), "a", "b", "c")
	if err := h.store.RemoveParticipant(ctx, "m1", "c"); err != nil {
		t.Fatal(err)
	}

	got, err := h.sched.TickMatch(ctx, "m1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("TickMatch: %v", err)
	}
	if got != core.TickAdvanced {
		t.Errorf("got %s, want %s", got, core.TickAdvanced)
	}

	snap, err := h.store.LoadSnapshot(ctx, "m1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Tick != 1 {
		t.Errorf("tick: got %d, want 1", snap.Tick)
	}
	if _, ok := snap.Players["c"]; ok || len(snap.Players) != 2 {
		t.Errorf("players: got %v, want a and b only", snap.AgentIDs())
	}
	seq, _ := h.store.Sequence(ctx, "m1")
	if seq != 2 {
		t.Errorf("sequence: got %d, want 2 (init + step)", seq)
	}
	if h.bcast.sent["m1"] != 1 {
		t.Errorf("broadcasts: got %d, want 1", h.bcast.sent["m1"])
	}
}

func TestTickMatch_AppliesQueuedInputsAndDropsMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMatch(t, matchConfig("m1", t0), "a")

	if _, err := h.sched.TickMatch(ctx, "m1", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.LoadSnapshot(ctx, "m1")
	p := before.Players["a"]

	dir, wantX := event.DirectionRight, p.X+1
	if p.X == before.Width-1 {
		dir, wantX = event.DirectionLeft, p.X-1
	}
	h.rdb.RPush(ctx, "lobby:m1:inputs", "{not json")
	if err := h.store.PushInput(ctx, event.NewInputEvent("m1", "a", dir, t0)); err != nil {
		t.Fatal(err)
	}

	if _, err := h.sched.TickMatch(ctx, "m1", t0.Add(2*time.Second)); err != nil {
		t.Fatalf("TickMatch: %v", err)
	}
	after, _ := h.store.LoadSnapshot(ctx, "m1")
	if got := after.Players["a"]; got.X != wantX || got.Y != p.Y || got.Direction != dir {
		t.Errorf("got %+v, want x=%d y=%d dir=%s", got, wantX, p.Y, dir)
	}
	if n, _ := h.rdb.LLen(ctx, "lobby:m1:inputs").Result(); n != 0 {
		t.Errorf("inputs left: got %d, want 0", n)
	}
}

func TestTickMatch_FinishesAndFinalizesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := matchConfig("m1", t0)
	h.seedMatch(t, cfg, "a", "b")

	end := cfg.EndsAt()
	got, err := h.sched.TickMatch(ctx, "m1", end)
	if err != nil {
		t.Fatalf("TickMatch: %v", err)
	}
	if got != core.TickFinalized {
		t.Errorf("got %s, want %s", got, core.TickFinalized)
	}
	if h.ledger.callCount() != 1 {
		t.Fatalf("ledger calls: got %d, want 1", h.ledger.callCount())
	}
	if h.isActive(t, "m1") {
		t.Error("finalized match still active")
	}
	if len(h.notifier.published) != 1 || h.notifier.published[0] != "m1" {
		t.Errorf("published: got %v", h.notifier.published)
	}

	call := h.ledger.calls[0]
	if call.LobbyID != "m1" || call.PoolQuai != "10.0" || len(call.Participants) != 2 {
		t.Errorf("unexpected finalize params: %+v", call)
	}

	// A second tick for the same match is a no-op handoff.
	if _, err := h.sched.TickMatch(ctx, "m1", end.Add(time.Second)); err != nil {
		t.Fatalf("second TickMatch: %v", err)
	}
	if h.ledger.callCount() != 1 {
		t.Errorf("ledger calls after retick: got %d, want 1", h.ledger.callCount())
	}
}

func TestTickMatch_LedgerFailureKeepsMatchForRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := matchConfig("m1", t0)
	h.seedMatch(t, cfg, "a")
	h.ledger.err = errors.New("db down")

	if _, err := h.sched.TickMatch(ctx, "m1", cfg.EndsAt()); err == nil {
		t.Fatal("expected finalize error")
	}
	if !h.isActive(t, "m1") {
		t.Fatal("match removed from active set after failed handoff")
	}
	if n, _ := h.rdb.Exists(ctx, "lobby:m1:finalized").Result(); n != 0 {
		t.Error("finalize marker not released")
	}

	h.ledger.err = nil
	got, err := h.sched.TickMatch(ctx, "m1", cfg.EndsAt().Add(time.Second))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got != core.TickFinalized {
		t.Errorf("got %s, want %s", got, core.TickFinalized)
	}
	if h.ledger.callCount() != 2 {
		t.Errorf("ledger calls: got %d, want 2", h.ledger.callCount())
	}
	if h.isActive(t, "m1") {
		t.Error("match still active after successful retry")
	}
}

func TestTickMatch_PublishFailureDoesNotFailFinalize(t *testing.T) {
	h := newHarness(t)
	cfg := matchConfig("m1", t0)
	h.seedMatch(t, cfg, "a")
	h.notifier.err = errors.New("nats unavailable")

	got, err := h.sched.TickMatch(context.Background(), "m1", cfg.EndsAt())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != core.TickFinalized {
		t.Errorf("got %s, want %s", got, core.TickFinalized)
	}
}

func TestTickMatch_LedgerNoopStillLeavesActiveSet(t *testing.T) {
	h := newHarness(t)
	cfg := matchConfig("m1", t0)
	h.seedMatch(t, cfg, "a")
	h.ledger.noop = true

	if _, err := h.sched.TickMatch(context.Background(), "m1", cfg.EndsAt()); err != nil {
		t.Fatal(err)
	}
	if h.isActive(t, "m1") {
		t.Error("match still active after ledger no-op")
	}
	if len(h.notifier.published) != 0 {
		t.Errorf("no-op must not publish, got %v", h.notifier.published)
	}
}

// ============================================================================
// RunOnce
// ============================================================================

func TestRunOnce_ContainsPerMatchFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedMatch(t, matchConfig("good", t0), "a")
	h.seedMatch(t, matchConfig("bad", t0), "a")
	h.rdb.Set(ctx, "lobby:bad:state", "{corrupt", 0)

	if err := h.sched.RunOnce(ctx, t0.Add(time.Second)); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	good, err := h.store.LoadSnapshot(ctx, "good")
	if err != nil || good.Tick != 1 {
		t.Errorf("good match did not advance: %v", err)
	}
	if raw, _ := h.rdb.Get(ctx, "lobby:bad:state").Result(); raw != "{corrupt" {
		t.Errorf("corrupt snapshot overwritten: %q", raw)
	}
}

func TestRunOnce_AdvancesEveryActiveMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		h.seedMatch(t, matchConfig(id, t0), "a", "b")
	}

	for i := 1; i <= 3; i++ {
		if err := h.sched.RunOnce(ctx, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range ids {
		snap, err := h.store.LoadSnapshot(ctx, id)
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if snap.Tick != 3 {
			t.Errorf("%s tick: got %d, want 3", id, snap.Tick)
		}
	}
}

// ============================================================================
// Finalizer
// ============================================================================

func TestFinalize_ConcurrentCallersHandOffOnce(t *testing.T) {
	h := newHarness(t)
	cfg := matchConfig("m1", t0)
	h.seedMatch(t, cfg, "a", "b")
	snap := state.Init(cfg, []string{"a", "b"}, t0)
	snap.Status = state.StatusFinished

	var wg sync.WaitGroup
	outcomes := make(chan core.FinalizeOutcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.finalizer.Finalize(context.Background(), snap, cfg)
			if err != nil {
				t.Errorf("Finalize: %v", err)
				return
			}
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	finalized := 0
	for out := range outcomes {
		if out == core.OutcomeFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Errorf("finalized outcomes: got %d, want 1", finalized)
	}
	if h.ledger.callCount() != 1 {
		t.Errorf("ledger calls: got %d, want 1", h.ledger.callCount())
	}
}

func TestFinalize_PassesApportionedRewards(t *testing.T) {
	h := newHarness(t)
	cfg := matchConfig("m1", t0)
	snap := state.Init(cfg, []string{"a", "b", "c"}, t0)
	for id, score := range map[string]int{"a": 3, "b": 1, "c": 0} {
		p := snap.Players[id]
		p.Score = score
		snap.Players[id] = p
	}

	if _, err := h.finalizer.Finalize(context.Background(), snap, cfg); err != nil {
		t.Fatal(err)
	}
	call := h.ledger.calls[0]
	if call.TotalQuai != "4" {
		t.Errorf("total: got %s, want 4", call.TotalQuai)
	}
	if call.Breakdown["a"] != "3" || call.Breakdown["b"] != "1" {
		t.Errorf("breakdown: got %v", call.Breakdown)
	}
	if _, ok := call.Breakdown["c"]; ok {
		t.Error("zero score agent present in breakdown")
	}
	for _, p := range call.Participants {
		if p.AgentID == "c" && p.RewardQuai != "0" {
			t.Errorf("c reward: got %s, want 0", p.RewardQuai)
		}
	}
	if err := ledger.ValidateFinalize(call); err != nil {
		t.Errorf("params fail validation: %v", err)
	}
}

// ============================================================================
// SequenceValidator
// ============================================================================

func TestSequenceValidator(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.Observe("m1", 40); err != nil {
		t.Errorf("first observation: %v", err)
	}
	if err := sv.Observe("m1", 41); err != nil {
		t.Errorf("next in order: %v", err)
	}
	if err := sv.Observe("m1", 43); err == nil || !strings.Contains(err.Error(), "gap") {
		t.Errorf("got %v, want gap error", err)
	}
	if err := sv.Observe("m1", 43); err == nil || !strings.Contains(err.Error(), "backwards") {
		t.Errorf("got %v, want backwards error", err)
	}
	if err := sv.Observe("m1", 44); err != nil {
		t.Errorf("resumes from last seen: %v", err)
	}

	sv.Forget("m1")
	if err := sv.Observe("m1", 7); err != nil {
		t.Errorf("after Forget: %v", err)
	}
}
