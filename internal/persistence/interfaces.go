package persistence

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
)

// EventRow represents a row in vault_ledger.events
type EventRow struct {
	Sequence       int64
	IdempotencyKey string
	EventType      string
	VaultID        string
	BlockNumber    uint64
	LogIndex       uint32
	Payload        []byte // wire-encoded event
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// EventRowFromEnvelope flattens an envelope for storage.
func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType.String(),
		VaultID:        env.VaultID,
		BlockNumber:    env.Position.BlockNumber,
		LogIndex:       env.Position.LogIndex,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
}

// Envelope rebuilds the envelope stored in the row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("%w: seq %d hash length", ErrInvalidEventRow, r.Sequence)
	}
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: seq %d type %q", ErrInvalidEventRow, r.Sequence, r.EventType)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		VaultID:        r.VaultID,
		Position:       event.Position{BlockNumber: r.BlockNumber, LogIndex: r.LogIndex},
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// Record is one persisted unit: the event log row and the entities it touched.
type Record struct {
	Event   EventRow
	Changes *ledger.Changes
}

// Checkpoint is the last durably committed position of the indexer.
type Checkpoint struct {
	Sequence  int64
	StateHash []byte
	UpdatedAt time.Time
}

// Sink commits batches of records atomically.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// Reader is the read side used by the query service. GetBalance returns a
// zero balance for untouched pairs.
type Reader interface {
	GetVault(ctx context.Context, id string) (ledger.Vault, error)
	ListVaults(ctx context.Context) ([]ledger.Vault, error)
	GetAsset(ctx context.Context, address string) (ledger.Asset, error)
	GetAllocations(ctx context.Context, vaultID string) ([]ledger.Allocation, error)
	GetUser(ctx context.Context, id string) (ledger.User, error)
	GetBalance(ctx context.Context, userID, vaultID string) (ledger.UserVaultBalance, error)
	ListUserBalances(ctx context.Context, userID string) ([]ledger.UserVaultBalance, error)
	ListFlows(ctx context.Context, vaultID string) ([]ledger.FlowRecord, error)
	CountHolders(ctx context.Context, vaultID string) (int, error)
}

// StatsStore maintains the user_stats projection.
type StatsStore interface {
	RefreshUserStats(ctx context.Context, userIDs []string, sequence int64) error
	RebuildUserStats(ctx context.Context) error
}

// EventLog reads the append-only event log.
type EventLog interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error)
}
