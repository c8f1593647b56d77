package event

// SettlementTrigger is published after a match is finalized. Consumers treat
// it as a hint; the PENDING payout sweep is what guarantees discovery.
type SettlementTrigger struct {
	LobbyID string `json:"lobby_id"`
}
