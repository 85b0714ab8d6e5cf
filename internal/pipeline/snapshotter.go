package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"

	"github.com/rs/zerolog"
)

// ErrSnapshotUnsafe is returned when the indexer halted and its memory no
// longer matches the log.
var ErrSnapshotUnsafe = errors.New("indexer halted, snapshot skipped")

// StateSource is the indexer side of a snapshot.
type StateSource interface {
	CreateSnapshotState() *core.SnapshotState
	Sequence() int64
	Err() error
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
	Prune(ctx context.Context, keep int) (int64, error)
}

type SnapshotterConfig struct {
	Source StateSource
	Store  SnapshotStore
	Log    persistence.EventLog

	// Events applied between periodic snapshots.
	Interval int64
	// Snapshots kept after pruning; 0 keeps all.
	Keep    int
	Tick    time.Duration
	Metrics *observability.Metrics
}

// Snapshotter saves indexer snapshots. A snapshot is written unverified and
// promoted only once the event log has committed its sequence with the same
// state hash, so recovery never loads a snapshot ahead of the log.
type Snapshotter struct {
	cfg    SnapshotterConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending *persistence.SnapshotData
	last    int64
}

func NewSnapshotter(cfg SnapshotterConfig) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 10_000
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Second
	}
	return &Snapshotter{
		cfg:    cfg,
		logger: observability.NewLogger("snapshot"),
		last:   cfg.Source.Sequence(),
	}
}

// Run promotes pending snapshots and takes a new one every Interval events
// until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Promote(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("promote snapshot")
			}
			if s.cfg.Source.Sequence()-s.lastTaken() < s.cfg.Interval {
				continue
			}
			if err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *Snapshotter) lastTaken() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Take saves the current state and promotes it if the log has caught up.
func (s *Snapshotter) Take(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.Source.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnsafe, err)
	}
	start := time.Now()
	next := s.cfg.Source.Sequence()
	st := s.cfg.Source.CreateSnapshotState()
	if st.Sequence < 1 {
		return nil
	}
	data := &persistence.SnapshotData{
		Sequence:        st.Sequence,
		StateHash:       append([]byte(nil), st.StateHash[:]...),
		Ledger:          st.Ledger,
		Ordering:        st.Ordering,
		IdempotencyKeys: st.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	size, err := s.cfg.Store.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.pending = data
	s.last = next

	if m := s.cfg.Metrics; m != nil {
		m.SnapshotTaken.Inc()
		m.SnapshotDuration.Observe(time.Since(start).Seconds())
		m.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().Int64("sequence", data.Sequence).Int("bytes", size).Msg("snapshot saved")

	_, err = s.promoteLocked(ctx)
	return err
}

// Promote marks the pending snapshot verified once the log holds its
// sequence. It reports whether a snapshot was promoted.
func (s *Snapshotter) Promote(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteLocked(ctx)
}

func (s *Snapshotter) promoteLocked(ctx context.Context) (bool, error) {
	snap := s.pending
	if snap == nil {
		return false, nil
	}
	committed, err := s.cfg.Log.GetLatestSequence(ctx)
	if err != nil {
		return false, fmt.Errorf("latest committed sequence: %w", err)
	}
	if committed < snap.Sequence {
		s.logger.Debug().Int64("snapshot", snap.Sequence).Int64("committed", committed).Msg("snapshot ahead of log")
		return false, nil
	}
	if err := persistence.VerifyAgainstLog(ctx, s.cfg.Log, snap); err != nil {
		s.pending = nil
		return false, err
	}
	if err := s.cfg.Store.MarkVerified(ctx, snap.Sequence); err != nil {
		return false, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
	}
	s.pending = nil
	if s.cfg.Keep > 0 {
		if _, err := s.cfg.Store.Prune(ctx, s.cfg.Keep); err != nil {
			return true, err
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot verified")
	return true, nil
}
