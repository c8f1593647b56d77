package ledger_test

import (
	"CoinArena/internal/ledger"
	"testing"
)

func validParams() ledger.FinalizeParams {
	return ledger.FinalizeParams{
		LobbyID:   "lobby-1",
		PoolQuai:  "10.0",
		TotalQuai: "4",
		Breakdown: map[string]string{"a": "3", "b": "1"},
		Participants: []ledger.ParticipantResult{
			{AgentID: "a", Score: 3, RewardQuai: "3"},
			{AgentID: "b", Score: 1, RewardQuai: "1"},
			{AgentID: "c", Score: 0, RewardQuai: "0"},
		},
	}
}

func TestValidateFinalize_Accepts(t *testing.T) {
	if err := ledger.ValidateFinalize(validParams()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateFinalize_Rejects(t *testing.T) {
	cases := map[string]func(p *ledger.FinalizeParams){
		"sum mismatch":      func(p *ledger.FinalizeParams) { p.TotalQuai = "5" },
		"over pool":         func(p *ledger.FinalizeParams) { p.PoolQuai = "3" },
		"unknown agent":     func(p *ledger.FinalizeParams) { p.Breakdown["zed"] = "0.1"; p.TotalQuai = "4.1" },
		"zero score reward": func(p *ledger.FinalizeParams) { p.Breakdown["c"] = "1"; p.TotalQuai = "5" },
		"bad amount":        func(p *ledger.FinalizeParams) { p.Breakdown["a"] = "three" },
		"empty lobby":       func(p *ledger.FinalizeParams) { p.LobbyID = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)
			if err := ledger.ValidateFinalize(p); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPayoutStatus_ForwardOnly(t *testing.T) {
	if !ledger.PayoutPending.CanTransitionTo(ledger.PayoutSent) {
		t.Error("PENDING -> SENT must be allowed")
	}
	if !ledger.PayoutPending.CanTransitionTo(ledger.PayoutFailed) {
		t.Error("PENDING -> FAILED must be allowed")
	}
	for _, s := range []ledger.PayoutStatus{ledger.PayoutSent, ledger.PayoutFailed} {
		if s.CanTransitionTo(ledger.PayoutPending) {
			t.Errorf("%s -> PENDING must not be allowed", s)
		}
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if ledger.PayoutSent.CanTransitionTo(ledger.PayoutFailed) {
		t.Error("SENT -> FAILED must not be allowed")
	}
	if !ledger.PayoutFailed.CanTransitionTo(ledger.PayoutSent) {
		t.Error("FAILED -> SENT must be allowed once remaining items are sent")
	}
}
