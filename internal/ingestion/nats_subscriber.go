package ingestion

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// InboundStream holds decoded vault logs from the upstream chain indexer.
	InboundStream = "VAULT_EVENTS"
	// InboundSubjects is vaults.events.<type>.<vault>.
	InboundSubjects = "vaults.events.>"
	// DefaultConsumer is the durable consumer name of the indexer.
	DefaultConsumer = "vault-ledger"
)

// NATSSubscriber consumes the inbound stream and hands raw messages to the
// ingest loop, which parses them and drives the indexer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message. The ingest loop acks after the event is
// applied or rejected as permanent, naks when interrupted, and signals
// InProgress while it retries.
type RawEvent struct {
	Subject        string
	Data           []byte
	Timestamp      time.Time
	AckFunc        func()
	NakFunc        func()
	InProgressFunc func()
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("nats"),
	}
}

// Subscribe creates a single ordered durable consumer over every inbound
// subject. One consumer keeps stream order, which the per-vault ordering
// check relies on.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, consumerName string) error {
	if consumerName == "" {
		consumerName = DefaultConsumer
	}
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, InboundStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: InboundSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1, // unlimited
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:        msg.Subject(),
			Data:           msg.Data(),
			Timestamp:      time.Now(),
			AckFunc:        func() { _ = msg.Ack() },
			NakFunc:        func() { _ = msg.NakWithDelay(time.Second) },
			InProgressFunc: func() { _ = msg.InProgress() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", InboundSubjects).Str("consumer", consumerName).Msg("subscribed")
	return nil
}

// EnsureStreams creates the inbound stream if it does not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      InboundStream,
		Subjects:  []string{InboundSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	observability.NewLogger("nats").Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop stops the consumer. Messages in flight are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("vault-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
