package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// TriggerHandler receives the lobby id of each valid settlement trigger. It
// must not block; the settlement queue's Enqueue satisfies that.
type TriggerHandler func(lobbyID string)

// SettlementSubscriber consumes settlement triggers from JetStream.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
type SettlementSubscriber struct {
	js       jetstream.JetStream
	handler  TriggerHandler
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewSettlementSubscriber(js jetstream.JetStream, handler TriggerHandler, log zerolog.Logger) *SettlementSubscriber {
	return &SettlementSubscriber{
		js:      js,
		handler: handler,
		log:     log,
	}
}

// Subscribe creates the durable consumer and starts delivering messages.
func (s *SettlementSubscriber) Subscribe(ctx context.Context, durable string) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, SettlementStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: SettlementSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(msg.Data())
		// Triggers are hints: invalid ones are acked too so they are not redelivered.
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	s.consumer = cc
	s.log.Info().Str("subject", SettlementSubjectPrefix+".>").Str("consumer", durable).Msg("subscribed to settlement triggers")
	return nil
}

func (s *SettlementSubscriber) handle(data []byte) {
	trig, err := ParseSettlementTrigger(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("invalid settlement trigger")
		return
	}
	s.handler(trig.LobbyID)
}

// Stop gracefully stops the consumer.
func (s *SettlementSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("settlement subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("coinarena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
