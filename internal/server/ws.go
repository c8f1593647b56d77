package server

import (
	"CoinArena/internal/store"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// SnapshotSource returns the latest encoded snapshot for a match, or
// store.ErrNotFound when the match has not ticked yet.
type SnapshotSource interface {
	LoadSnapshotRaw(ctx context.Context, matchID string) ([]byte, error)
}

// WSHandler serves read-only spectator streams at /ws/lobbies/{id}.
type WSHandler struct {
	hub      *Hub
	source   SnapshotSource
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(hub *Hub, source SnapshotSource, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Routes returns the spectator mux, including /health.
func (h *WSHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/lobbies/{id}", h.ServeHTTP)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return mux
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	if matchID == "" {
		http.Error(w, "missing lobby id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before reading the current snapshot so no tick falls between.
	sub := h.hub.Subscribe(matchID)
	defer h.hub.Unsubscribe(sub)

	log := h.log.With().Str("lobby_id", matchID).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("spectator connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if raw, err := h.source.LoadSnapshotRaw(ctx, matchID); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("initial snapshot unavailable")
	}

	writeErr := make(chan error, 1)
	go func() {
		err := h.writeLoop(ctx, conn, sub)
		if ctx.Err() == nil {
			// Unblocks ReadMessage so the subscriber is released now.
			if err != nil {
				log.Debug().Err(err).Msg("spectator write failed")
			}
			_ = conn.Close()
		}
		writeErr <- err
	}()

	// Spectators never send anything meaningful; reading only detects close.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))

	select {
	case <-writeErr:
	case <-time.After(2 * time.Second):
	}
	log.Debug().Msg("spectator disconnected")
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-sub.C():
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
