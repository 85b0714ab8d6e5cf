package projection

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// Update is what the projection worker needs from an applied event.
// The orchestrator bridges between core.Output and this.
type Update struct {
	Sequence     int64
	EventType    string
	TouchedUsers []string
}

// ProjectionWorker keeps vault_ledger.user_stats in sync with the balances.
// The projection channel is non-blocking with drop; when the worker falls
// behind, Rebuild recomputes every row from the balance table.
type ProjectionWorker struct {
	store     persistence.StatsStore
	inputChan <-chan Update
	maxBatch  int
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(store persistence.StatsStore, inputChan <-chan Update, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		maxBatch:  256,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop. Updates already queued are
// coalesced so each touched user is refreshed once per pass.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case first, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			batch := pw.collect(first)
			if err := pw.apply(ctx, batch); err != nil {
				// eventually consistent; Rebuild repairs gaps
				pw.logger.Warn().Err(err).Int64("seq", batch.Sequence).Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) collect(first Update) Update {
	seen := make(map[string]struct{}, len(first.TouchedUsers))
	merged := Update{Sequence: first.Sequence}
	add := func(u Update) {
		if u.Sequence > merged.Sequence {
			merged.Sequence = u.Sequence
		}
		for _, id := range u.TouchedUsers {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				merged.TouchedUsers = append(merged.TouchedUsers, id)
			}
		}
	}
	add(first)

	for i := 1; i < pw.maxBatch; i++ {
		select {
		case next, ok := <-pw.inputChan:
			if !ok {
				return merged
			}
			add(next)
		default:
			return merged
		}
	}
	return merged
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	if len(u.TouchedUsers) > 0 {
		if err := pw.store.RefreshUserStats(ctx, u.TouchedUsers, u.Sequence); err != nil {
			return fmt.Errorf("refresh user stats: %w", err)
		}
	}
	pw.lastSeq.Store(u.Sequence)
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("user_stats").Observe(time.Since(start).Seconds())
	}
	return nil
}

// LastSequence returns the highest sequence the projection has absorbed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Rebuild recomputes the user_stats projection from scratch.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) error {
	start := time.Now()
	if err := pw.store.RebuildUserStats(ctx); err != nil {
		return fmt.Errorf("rebuild user stats: %w", err)
	}
	pw.logger.Info().Dur("took", time.Since(start)).Msg("user_stats projection rebuilt")
	return nil
}
