package core

import (
	"fmt"
	"sync"
)

// SequenceValidator watches the per-match snapshot sequence returned by each
// save. A single scheduler sees last+1 every tick; anything else means a
// second writer is advancing the same match.
type SequenceValidator struct {
	mu       sync.Mutex
	lastSeen map[string]int64 // match id -> last sequence written by us
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{lastSeen: make(map[string]int64)}
}

// Observe records seq for matchID. The first sequence seen for a match is
// always accepted since the counter survives process restarts.
func (sv *SequenceValidator) Observe(matchID string, seq int64) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	last, known := sv.lastSeen[matchID]
	sv.lastSeen[matchID] = seq
	if !known || seq == last+1 {
		return nil
	}

	if seq <= last {
		return fmt.Errorf("snapshot sequence went backwards: match=%s, last=%d, got=%d", matchID, last, seq)
	}
	return fmt.Errorf("snapshot sequence gap: match=%s, expected=%d, got=%d", matchID, last+1, seq)
}

// Forget drops tracking for a match that left the active set.
func (sv *SequenceValidator) Forget(matchID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.lastSeen, matchID)
}
