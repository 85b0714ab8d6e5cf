package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultCreated
	EventTypeDeposit
	EventTypeRedeem
	EventTypeAllocationUpdated
	EventTypeDeactivated
	EventTypeReactivated
	EventTypeTotalAssetsSynced
)

// AllEventTypes lists every concrete event type in wire order.
var AllEventTypes = []EventType{
	EventTypeVaultCreated,
	EventTypeDeposit,
	EventTypeRedeem,
	EventTypeAllocationUpdated,
	EventTypeDeactivated,
	EventTypeReactivated,
	EventTypeTotalAssetsSynced,
}

// EventEnvelope wraps every applied event in the log
type EventEnvelope struct {
	// Local monotonic sequence assigned by the indexer
	Sequence int64

	// txhash:logIndex
	IdempotencyKey string

	EventType EventType

	VaultID string

	// Chain position of the source log
	Position Position

	// Block timestamp, never wall-clock
	Timestamp time.Time

	// Wire-encoded payload, re-parsed on replay
	Payload []byte

	// SHA-256 chain over the touched vault totals
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// VaultID returns the vault the event targets
	VaultID() string

	// Position returns the canonical chain ordering key
	Position() Position

	// Timestamp returns the block timestamp
	Timestamp() time.Time
}

// Position orders events on chain by (block number, log index).
type Position struct {
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint32 `json:"log_index"`
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool {
	if p.BlockNumber != o.BlockNumber {
		return p.BlockNumber < o.BlockNumber
	}
	return p.LogIndex < o.LogIndex
}

// OffChain reports whether the position belongs to an operator-injected
// event. Such events carry block number zero and skip ordering checks.
func (p Position) OffChain() bool {
	return p.BlockNumber == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}

// Meta is the source log metadata shared by every event. Embedding it gives
// the IdempotencyKey, Position and Timestamp methods.
type Meta struct {
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	BlockTime   time.Time
}

// IdempotencyKey returns "txhash:logIndex".
func (m Meta) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", m.TxHash, m.LogIndex)
}

func (m Meta) Position() Position {
	return Position{BlockNumber: m.BlockNumber, LogIndex: m.LogIndex}
}

func (m Meta) Timestamp() time.Time {
	return m.BlockTime
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultCreated:
		return "VaultCreated"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeRedeem:
		return "Redeem"
	case EventTypeAllocationUpdated:
		return "AllocationUpdated"
	case EventTypeDeactivated:
		return "Deactivated"
	case EventTypeReactivated:
		return "Reactivated"
	case EventTypeTotalAssetsSynced:
		return "TotalAssetsSynced"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(name string) EventType {
	for _, et := range AllEventTypes {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
