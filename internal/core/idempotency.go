package core

import (
	"context"
	"fmt"

	"VaultLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication on txhash:logIndex.
// Tier 1 is an in-memory LRU, tier 2 the event log in Postgres.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		if metrics != nil {
			metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}, nil
}

// IsDuplicate checks whether the key was already applied. A tier-2 failure is
// returned to the caller so the event is retried instead of applied twice.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType, idempotencyKey string) (bool, error) {
	if ic.lru.Contains(idempotencyKey) {
		ic.recordDuplicate(eventType, "lru")
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false, err
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(idempotencyKey, struct{}{})
	}
	return isDup, nil
}

// MarkProcessed adds the key to the LRU after a successful apply.
func (ic *IdempotencyChecker) MarkProcessed(idempotencyKey string) {
	ic.lru.Add(idempotencyKey, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

// Warm loads recently applied keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key, struct{}{})
	}
}

// Keys returns the cached keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
