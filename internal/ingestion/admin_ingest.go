package ingestion

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/event"

	"github.com/google/uuid"
)

// EventProcessor applies one typed event. *core.Indexer implements it.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt event.Event) error
}

// AdminIngestService injects operator lifecycle events. They are off-chain:
// block number zero, a synthetic "admin:<uuid>" tx hash and wall-clock time.
// High-throughput ingestion goes through NATS.
type AdminIngestService struct {
	processor EventProcessor
	now       func() time.Time
}

func NewAdminIngestService(processor EventProcessor) *AdminIngestService {
	return &AdminIngestService{processor: processor, now: time.Now}
}

// InjectReactivation reactivates an inactive vault.
func (s *AdminIngestService) InjectReactivation(ctx context.Context, vaultID string) (string, error) {
	vault, err := parseAddress("vault", vaultID)
	if err != nil {
		return "", err
	}
	m := s.meta()
	if err := s.processor.ProcessEvent(ctx, &event.Reactivated{Meta: m, Vault: vault}); err != nil {
		return "", fmt.Errorf("reactivate %s: %w", vault, err)
	}
	return m.IdempotencyKey(), nil
}

// InjectDeactivation deactivates a vault.
func (s *AdminIngestService) InjectDeactivation(ctx context.Context, vaultID string) (string, error) {
	vault, err := parseAddress("vault", vaultID)
	if err != nil {
		return "", err
	}
	m := s.meta()
	if err := s.processor.ProcessEvent(ctx, &event.Deactivated{Meta: m, Vault: vault}); err != nil {
		return "", fmt.Errorf("deactivate %s: %w", vault, err)
	}
	return m.IdempotencyKey(), nil
}

func (s *AdminIngestService) meta() event.Meta {
	return event.Meta{
		TxHash:    AdminTxPrefix + uuid.NewString(),
		BlockTime: s.now().UTC().Truncate(time.Second),
	}
}
