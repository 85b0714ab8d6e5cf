package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the full in-memory indexer state at a point in time.
type SnapshotData struct {
	Sequence        int64                     `json:"sequence"`
	StateHash       []byte                    `json:"state_hash"`
	Ledger          *ledger.Snapshot          `json:"ledger"`
	Ordering        map[string]event.Position `json:"ordering"`         // partition -> last applied position
	IdempotencyKeys []string                  `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time                 `json:"created_at"`
}

const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It is stored unverified until
// MarkVerified is called. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// without error on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_ledger.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its state hash matched the
// event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// Prune deletes all but the newest keep snapshots.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM vault_ledger.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM vault_ledger.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// VerifyAgainstLog checks a snapshot's hash against the state hash stored in
// the event log at the same sequence.
func VerifyAgainstLog(ctx context.Context, log EventLog, snap *SnapshotData) error {
	if snap.Sequence == 0 {
		return nil
	}
	rows, err := log.LoadEventsFrom(ctx, snap.Sequence, 1)
	if err != nil {
		return fmt.Errorf("load event %d: %w", snap.Sequence, err)
	}
	if len(rows) == 0 || rows[0].Sequence != snap.Sequence {
		return fmt.Errorf("snapshot %d: event not in log", snap.Sequence)
	}
	if string(rows[0].StateHash) != string(snap.StateHash) {
		return fmt.Errorf("snapshot %d: state hash does not match event log", snap.Sequence)
	}
	return nil
}
