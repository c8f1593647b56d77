package ingestion

import (
	"CoinArena/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// SettlementStream holds settlement trigger notifications.
	SettlementStream = "COINARENA_SETTLEMENT"
	// SettlementSubjectPrefix is followed by the lobby id.
	SettlementSubjectPrefix = "coinarena.settlement.trigger"
)

// SettlementSubject returns the subject a trigger for lobbyID is published on.
func SettlementSubject(lobbyID string) string {
	return fmt.Sprintf("%s.%s", SettlementSubjectPrefix, lobbyID)
}

// SettlementPublisher announces finalized matches to the settlement worker.
// Publishing is best-effort; the worker's PENDING sweep covers lost messages.
type SettlementPublisher struct {
	js      jetstream.JetStream
	timeout time.Duration
	log     zerolog.Logger
}

func NewSettlementPublisher(js jetstream.JetStream, log zerolog.Logger) *SettlementPublisher {
	return &SettlementPublisher{
		js:      js,
		timeout: 2 * time.Second,
		log:     log,
	}
}

// PublishSettlement publishes {lobby_id} for a finalized match.
func (p *SettlementPublisher) PublishSettlement(ctx context.Context, lobbyID string) error {
	data, err := json.Marshal(event.SettlementTrigger{LobbyID: lobbyID})
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Msg id lets JetStream drop duplicates inside its dedupe window.
	if _, err := p.js.Publish(ctx, SettlementSubject(lobbyID), data, jetstream.WithMsgID("settle-"+lobbyID)); err != nil {
		return fmt.Errorf("publish trigger %s: %w", lobbyID, err)
	}
	p.log.Debug().Str("lobby_id", lobbyID).Msg("settlement trigger published")
	return nil
}

// EnsureSettlementStream creates the trigger stream if it does not exist.
func EnsureSettlementStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       SettlementStream,
		Subjects:   []string{SettlementSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", SettlementStream, err)
	}
	return nil
}
