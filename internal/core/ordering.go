package core

import (
	"errors"
	"fmt"

	"VaultLedger/internal/event"
)

// ErrOutOfOrder is returned for a new event behind the last applied position
// of its partition.
var ErrOutOfOrder = errors.New("out-of-order event")

// OrderValidator enforces canonical (block, log index) order per vault.
// Not thread-safe; only the indexer goroutine touches it.
type OrderValidator struct {
	last       map[string]event.Position // partition -> last applied position
	outOfOrder map[string]int64
}

func NewOrderValidator() *OrderValidator {
	return &OrderValidator{
		last:       make(map[string]event.Position),
		outOfOrder: make(map[string]int64),
	}
}

// Validate checks pos against the partition tip and advances it.
// Duplicates at or behind the tip are accepted (the caller skips them).
// Off-chain positions are never ordered.
func (ov *OrderValidator) Validate(partition string, pos event.Position, isDuplicate bool) error {
	if pos.OffChain() {
		return nil
	}

	last, seen := ov.last[partition]
	if !seen || last.Less(pos) {
		if !isDuplicate {
			ov.last[partition] = pos
		}
		return nil
	}

	if isDuplicate {
		return nil
	}

	ov.outOfOrder[partition]++
	return fmt.Errorf("%w: partition=%s last=%s got=%s", ErrOutOfOrder, partition, last, pos)
}

// Last returns the last applied position of a partition.
func (ov *OrderValidator) Last(partition string) (event.Position, bool) {
	pos, ok := ov.last[partition]
	return pos, ok
}

// OutOfOrderCount returns how many new events arrived behind the tip.
func (ov *OrderValidator) OutOfOrderCount(partition string) int64 {
	return ov.outOfOrder[partition]
}

// Export returns a copy of the partition tips for snapshots.
func (ov *OrderValidator) Export() map[string]event.Position {
	out := make(map[string]event.Position, len(ov.last))
	for k, v := range ov.last {
		out[k] = v
	}
	return out
}

// Restore sets a partition tip (used during recovery).
func (ov *OrderValidator) Restore(partition string, pos event.Position) {
	ov.last[partition] = pos
}

func partitionFor(evt event.Event) string {
	return "vault:" + evt.VaultID()
}
