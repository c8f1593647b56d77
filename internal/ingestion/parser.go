package ingestion

import (
	"CoinArena/internal/event"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type inputEventJSON struct {
	Type      string `json:"type"`
	LobbyID   string `json:"lobby_id"`
	AgentID   string `json:"agent_id"`
	Direction string `json:"direction"`
	Timestamp string `json:"timestamp"`
}

type settlementTriggerJSON struct {
	LobbyID    string `json:"lobby_id"`
	LobbyIDAlt string `json:"lobbyId"`
}

// ParseInputEvent decodes one queued input blob. Anything that is not a
// well-formed INPUT event for a known direction is an error.
func ParseInputEvent(data []byte) (event.InputEvent, error) {
	var j inputEventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.InputEvent{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if event.EventType(j.Type) != event.EventTypeInput {
		return event.InputEvent{}, fmt.Errorf("unexpected event type %q", j.Type)
	}
	if j.AgentID == "" {
		return event.InputEvent{}, fmt.Errorf("input missing agent_id")
	}
	dir := event.Direction(j.Direction)
	if !dir.Valid() {
		return event.InputEvent{}, fmt.Errorf("invalid direction %q", j.Direction)
	}

	// Timestamps are informational; an unparseable one is not fatal.
	var ts time.Time
	if j.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}

	return event.InputEvent{
		Type:      event.EventTypeInput,
		LobbyID:   j.LobbyID,
		AgentID:   j.AgentID,
		Direction: dir,
		Timestamp: ts,
	}, nil
}

// ParseInputs decodes a drained batch in order, dropping malformed entries.
// The second return value is the number of entries dropped.
func ParseInputs(blobs [][]byte) ([]event.InputEvent, int) {
	out := make([]event.InputEvent, 0, len(blobs))
	dropped := 0
	for _, b := range blobs {
		in, err := ParseInputEvent(b)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, in)
	}
	return out, dropped
}

// ParseSettlementTrigger decodes a {lobby_id} notification. The camelCase
// key is accepted for older publishers.
func ParseSettlementTrigger(data []byte) (event.SettlementTrigger, error) {
	var j settlementTriggerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.SettlementTrigger{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	id := strings.TrimSpace(j.LobbyID)
	if id == "" {
		id = strings.TrimSpace(j.LobbyIDAlt)
	}
	if id == "" {
		return event.SettlementTrigger{}, fmt.Errorf("trigger missing lobby_id")
	}
	return event.SettlementTrigger{LobbyID: id}, nil
}
