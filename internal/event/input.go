package event

import "time"

// InputEvent is a buffered move request for one agent in one match.
// Consumed once by the tick that drains it.
type InputEvent struct {
	Type      EventType `json:"type"`
	LobbyID   string    `json:"lobby_id"`
	AgentID   string    `json:"agent_id"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// NewInputEvent builds an INPUT event stamped with ts.
func NewInputEvent(lobbyID, agentID string, dir Direction, ts time.Time) InputEvent {
	return InputEvent{
		Type:      EventTypeInput,
		LobbyID:   lobbyID,
		AgentID:   agentID,
		Direction: dir,
		Timestamp: ts.UTC(),
	}
}
