package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream   = "VAULT_LEDGER_UPDATES"
	OutboundSubjects = "vaultledger.updates.>"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// VaultUpdate is the outbound notification for one applied event.
type VaultUpdate struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	VaultID        string          `json:"vault_id"`
	BlockNumber    uint64          `json:"block_number"`
	LogIndex       uint32          `json:"log_index"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	TouchedUsers   []string        `json:"touched_users,omitempty"`
}

// NewVaultUpdate builds the outbound message from an indexer output.
func NewVaultUpdate(out core.Output) VaultUpdate {
	env := out.Envelope
	u := VaultUpdate{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		VaultID:        env.VaultID,
		BlockNumber:    env.Position.BlockNumber,
		LogIndex:       env.Position.LogIndex,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Changes != nil {
		u.TouchedUsers = out.Changes.TouchedUsers()
	}
	return u
}

// Subject is vaultledger.updates.<vault>.
func (u VaultUpdate) Subject() string {
	return fmt.Sprintf("vaultledger.updates.%s", u.VaultID)
}

// OutboundPublisher publishes applied events for downstream consumers. The
// feed is best effort; consumers needing completeness read the event log.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan core.Output) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			if err := op.publish(ctx, NewVaultUpdate(out)); err != nil {
				op.logger.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, u VaultUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	_, err = op.js.Publish(ctx, u.Subject(), data, jetstream.WithMsgID(u.IdempotencyKey))
	return err
}

// EnsureOutboundStream creates the outbound updates stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	observability.NewLogger("publisher").Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
