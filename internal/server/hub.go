package server

import (
	"CoinArena/internal/observability"
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber is one spectator connection's outbound queue.
type Subscriber struct {
	matchID string
	send    chan []byte
}

// C returns the channel snapshots are delivered on. It is closed when the
// subscriber is removed from the hub.
func (s *Subscriber) C() <-chan []byte {
	return s.send
}

// Hub fans snapshots out to spectators grouped by match id. Delivery never
// blocks the caller: a subscriber whose queue is full misses that snapshot.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscriber]struct{}
	bufSize int
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHub(bufSize int, metrics *observability.Metrics, log zerolog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		bufSize: bufSize,
		metrics: metrics,
		log:     log,
	}
}

// Subscribe registers a new spectator for matchID.
func (h *Hub) Subscribe(matchID string) *Subscriber {
	sub := &Subscriber{matchID: matchID, send: make(chan []byte, h.bufSize)}

	h.mu.Lock()
	set, ok := h.subs[matchID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[matchID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	set, ok := h.subs[sub.matchID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.matchID)
	}
	close(sub.send)
	h.mu.Unlock()

	h.metrics.Subscribers.Dec()
}

// Broadcast queues payload for every spectator of matchID and returns how
// many received it.
func (h *Hub) Broadcast(matchID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[matchID] {
		select {
		case sub.send <- payload:
			delivered++
		default:
			h.metrics.BroadcastDrops.Inc()
			h.log.Debug().Str("lobby_id", matchID).Msg("spectator queue full, snapshot dropped")
		}
	}
	if delivered > 0 {
		h.metrics.SnapshotsBroadcast.Inc()
	}
	return delivered
}

// SubscriberCount returns the number of spectators watching matchID.
func (h *Hub) SubscriberCount(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[matchID])
}
