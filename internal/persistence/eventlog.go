package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EventLogWriter writes and reads vault_ledger.events. Writes use multi-row
// INSERT inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

const eventColumns = 10

// WriteEventBatch inserts events and returns the sequences actually inserted.
// Rows already present (same sequence or idempotency key) are skipped.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) (map[int64]bool, error) {
	inserted := make(map[int64]bool, len(events))
	if len(events) == 0 {
		return inserted, nil
	}

	query := `INSERT INTO vault_ledger.events
		(sequence, idempotency_key, event_type, vault_id, block_number, log_index,
		 payload, state_hash, prev_hash, block_time)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		base := i * eventColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.Sequence, e.IdempotencyKey, e.EventType, e.VaultID,
			int64(e.BlockNumber), int64(e.LogIndex),
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING RETURNING sequence"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		inserted[seq] = true
	}
	return inserted, rows.Err()
}

// LoadEventsFrom loads events from a given sequence for replay.
func (w *EventLogWriter) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, idempotency_key, event_type, vault_id, block_number, log_index,
		       payload, state_hash, prev_hash, block_time
		FROM vault_ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e        EventRow
			block    int64
			logIndex int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.IdempotencyKey, &e.EventType, &e.VaultID, &block, &logIndex,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.BlockNumber = uint64(block)
		e.LogIndex = uint32(logIndex)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (w *EventLogWriter) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_ledger.events
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns up to limit of the newest keys, oldest first,
// for LRU warming.
func (w *EventLogWriter) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT idempotency_key FROM (
			SELECT idempotency_key, sequence FROM vault_ledger.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
