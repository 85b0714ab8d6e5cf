package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq"
)

// PostgresStore is the durable write sink and read side over the
// vault_ledger schema. Amounts are NUMERIC(78,0) and travel as decimal strings.
type PostgresStore struct {
	*EventLogWriter
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{EventLogWriter: NewEventLogWriter(db), db: db}
}

// DB returns the underlying pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// === Sink ===

// WriteBatch commits the event rows, the touched entities and the checkpoint
// in one transaction.
func (s *PostgresStore) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows := make([]EventRow, len(records))
	for i, rec := range records {
		rows[i] = rec.Event
	}
	inserted, err := s.WriteEventBatch(ctx, tx, rows)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}

	for _, rec := range records {
		if !inserted[rec.Event.Sequence] {
			continue
		}
		if err := s.writeChanges(ctx, tx, rec.Event.Sequence, rec.Changes); err != nil {
			return fmt.Errorf("write changes seq %d: %w", rec.Event.Sequence, err)
		}
	}

	last := records[len(records)-1].Event
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_ledger.checkpoint (id, last_sequence, state_hash, updated_at)
		VALUES ('indexer', $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET last_sequence = $1, state_hash = $2, updated_at = NOW()
	`, last.Sequence, last.StateHash); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) writeChanges(ctx context.Context, tx *sql.Tx, sequence int64, ch *ledger.Changes) error {
	if ch == nil {
		return nil
	}

	for _, a := range ch.Assets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_ledger.assets (address, symbol, name, decimals)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address) DO NOTHING
		`, a.Address, a.Symbol, a.Name, int(a.Decimals)); err != nil {
			return fmt.Errorf("asset %s: %w", a.Address, err)
		}
	}

	for _, v := range ch.Vaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_ledger.vaults
				(id, name, asset_address, manager, is_active, total_assets, total_supply,
				 total_deposited, total_redeemed, yield_reported,
				 created_at, created_block, updated_at, status_changed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, asset_address = EXCLUDED.asset_address,
				manager = EXCLUDED.manager, is_active = EXCLUDED.is_active,
				total_assets = EXCLUDED.total_assets, total_supply = EXCLUDED.total_supply,
				total_deposited = EXCLUDED.total_deposited, total_redeemed = EXCLUDED.total_redeemed,
				yield_reported = EXCLUDED.yield_reported,
				created_at = EXCLUDED.created_at, created_block = EXCLUDED.created_block,
				updated_at = EXCLUDED.updated_at, status_changed_at = EXCLUDED.status_changed_at
		`, v.ID, v.Name, v.AssetAddress, v.Manager, v.IsActive,
			intString(v.TotalAssets), intString(v.TotalSupply),
			intString(v.TotalDeposited), intString(v.TotalRedeemed), intString(v.YieldReported),
			v.CreatedAt, int64(v.CreatedBlock), v.UpdatedAt, v.StatusChangedAt,
		); err != nil {
			return fmt.Errorf("vault %s: %w", v.ID, err)
		}
	}

	if ch.AllocationVault != "" {
		// Retire the live set written by an earlier event, then insert this
		// one. Rewriting the same sequence hits the live-slot index and is a
		// no-op.
		if _, err := tx.ExecContext(ctx, `
			UPDATE vault_ledger.allocations SET superseded = TRUE
			WHERE vault_id = $1 AND superseded = FALSE AND updated_sequence < $2
		`, ch.AllocationVault, sequence); err != nil {
			return fmt.Errorf("supersede allocations %s: %w", ch.AllocationVault, err)
		}
		for _, a := range ch.Allocations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vault_ledger.allocations
					(vault_id, slot, adapter_address, adapter_type, allocation, superseded,
					 updated_at, updated_block, updated_sequence)
				VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)
				ON CONFLICT (vault_id, slot) WHERE NOT superseded DO NOTHING
			`, a.VaultID, a.Index, a.AdapterAddress, a.AdapterType, a.Allocation,
				a.UpdatedAt, int64(a.UpdatedBlock), sequence); err != nil {
				return fmt.Errorf("allocation %s[%d]: %w", a.VaultID, a.Index, err)
			}
		}
	}

	for _, u := range ch.Users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_ledger.users (id, total_deposited, total_shares, active_vaults, first_seen_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				total_deposited = EXCLUDED.total_deposited, total_shares = EXCLUDED.total_shares,
				active_vaults = EXCLUDED.active_vaults, updated_at = EXCLUDED.updated_at
		`, u.ID, intString(u.TotalDeposited), intString(u.TotalShares),
			pq.Array(u.ActiveVaults), u.FirstSeenAt, u.UpdatedAt); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}

	for _, b := range ch.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_ledger.user_vault_balances
				(user_id, vault_id, total_deposited, total_redeemed, current_shares, current_value,
				 first_deposit_at, first_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, vault_id) DO UPDATE SET
				total_deposited = EXCLUDED.total_deposited, total_redeemed = EXCLUDED.total_redeemed,
				current_shares = EXCLUDED.current_shares, current_value = EXCLUDED.current_value,
				updated_at = EXCLUDED.updated_at
		`, b.UserID, b.VaultID, intString(b.TotalDeposited), intString(b.TotalRedeemed),
			intString(b.CurrentShares), intString(b.CurrentValue),
			b.FirstDepositAt, sequence, b.UpdatedAt); err != nil {
			return fmt.Errorf("balance %s/%s: %w", b.UserID, b.VaultID, err)
		}
	}

	for _, f := range ch.Flows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_ledger.flows
				(tx_hash, log_index, kind, vault_id, user_id, assets, shares, block_number, block_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`, f.TxHash, int64(f.LogIndex), f.Kind.String(), f.VaultID, f.UserID,
			intString(f.Assets), intString(f.Shares), int64(f.BlockNumber), f.Timestamp); err != nil {
			return fmt.Errorf("flow %s: %w", f.Key(), err)
		}
	}
	return nil
}

// === Reader ===

const vaultSelect = `
	SELECT id, name, asset_address, manager, is_active,
	       total_assets::TEXT, total_supply::TEXT, total_deposited::TEXT,
	       total_redeemed::TEXT, yield_reported::TEXT,
	       created_at, created_block, updated_at, status_changed_at
	FROM vault_ledger.vaults`

func scanVault(row interface{ Scan(...interface{}) error }) (ledger.Vault, error) {
	var (
		v                                                  ledger.Vault
		assets, supply, deposited, redeemed, yieldReported string
		createdBlock                                       int64
	)
	if err := row.Scan(&v.ID, &v.Name, &v.AssetAddress, &v.Manager, &v.IsActive,
		&assets, &supply, &deposited, &redeemed, &yieldReported,
		&v.CreatedAt, &createdBlock, &v.UpdatedAt, &v.StatusChangedAt); err != nil {
		return ledger.Vault{}, err
	}
	v.CreatedBlock = uint64(createdBlock)
	var err error
	if v.TotalAssets, err = parseInt(assets); err != nil {
		return ledger.Vault{}, err
	}
	if v.TotalSupply, err = parseInt(supply); err != nil {
		return ledger.Vault{}, err
	}
	if v.TotalDeposited, err = parseInt(deposited); err != nil {
		return ledger.Vault{}, err
	}
	if v.TotalRedeemed, err = parseInt(redeemed); err != nil {
		return ledger.Vault{}, err
	}
	if v.YieldReported, err = parseInt(yieldReported); err != nil {
		return ledger.Vault{}, err
	}
	return v, nil
}

func (s *PostgresStore) GetVault(ctx context.Context, id string) (ledger.Vault, error) {
	v, err := scanVault(s.db.QueryRowContext(ctx, vaultSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Vault{}, ErrNotFound
	}
	if err != nil {
		return ledger.Vault{}, fmt.Errorf("get vault %s: %w", id, err)
	}
	return v, nil
}

func (s *PostgresStore) ListVaults(ctx context.Context) ([]ledger.Vault, error) {
	rows, err := s.db.QueryContext(ctx, vaultSelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var out []ledger.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAsset(ctx context.Context, address string) (ledger.Asset, error) {
	var (
		a        ledger.Asset
		decimals int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT address, symbol, name, decimals FROM vault_ledger.assets WHERE address = $1
	`, address).Scan(&a.Address, &a.Symbol, &a.Name, &decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Asset{}, ErrNotFound
	}
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("get asset %s: %w", address, err)
	}
	a.Decimals = uint8(decimals)
	return a, nil
}

func (s *PostgresStore) GetAllocations(ctx context.Context, vaultID string) ([]ledger.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT vault_id, slot, adapter_address, adapter_type, allocation, superseded, updated_at, updated_block
		FROM vault_ledger.allocations
		WHERE vault_id = $1 AND superseded = FALSE
		ORDER BY slot
	`, vaultID)
}

// AllocationHistory returns every allocation set a vault has had, oldest
// first, superseded rows included.
func (s *PostgresStore) AllocationHistory(ctx context.Context, vaultID string) ([]ledger.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT vault_id, slot, adapter_address, adapter_type, allocation, superseded, updated_at, updated_block
		FROM vault_ledger.allocations
		WHERE vault_id = $1
		ORDER BY updated_sequence, slot
	`, vaultID)
}

func (s *PostgresStore) queryAllocations(ctx context.Context, query, vaultID string) ([]ledger.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, vaultID)
	if err != nil {
		return nil, fmt.Errorf("get allocations %s: %w", vaultID, err)
	}
	defer rows.Close()

	var out []ledger.Allocation
	for rows.Next() {
		var (
			a     ledger.Allocation
			block int64
		)
		if err := rows.Scan(&a.VaultID, &a.Index, &a.AdapterAddress, &a.AdapterType,
			&a.Allocation, &a.Superseded, &a.UpdatedAt, &block); err != nil {
			return nil, err
		}
		a.UpdatedBlock = uint64(block)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (ledger.User, error) {
	var (
		u                 ledger.User
		deposited, shares string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_deposited::TEXT, total_shares::TEXT, active_vaults, first_seen_at, updated_at
		FROM vault_ledger.users WHERE id = $1
	`, id).Scan(&u.ID, &deposited, &shares, pq.Array(&u.ActiveVaults), &u.FirstSeenAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ErrNotFound
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if u.TotalDeposited, err = parseInt(deposited); err != nil {
		return ledger.User{}, err
	}
	if u.TotalShares, err = parseInt(shares); err != nil {
		return ledger.User{}, err
	}
	if u.ActiveVaults == nil {
		u.ActiveVaults = []string{}
	}
	return u, nil
}

const balanceSelect = `
	SELECT user_id, vault_id, total_deposited::TEXT, total_redeemed::TEXT,
	       current_shares::TEXT, current_value::TEXT, first_deposit_at, updated_at
	FROM vault_ledger.user_vault_balances`

func scanBalance(row interface{ Scan(...interface{}) error }) (ledger.UserVaultBalance, error) {
	var (
		b                                  ledger.UserVaultBalance
		deposited, redeemed, shares, value string
	)
	if err := row.Scan(&b.UserID, &b.VaultID, &deposited, &redeemed, &shares, &value,
		&b.FirstDepositAt, &b.UpdatedAt); err != nil {
		return ledger.UserVaultBalance{}, err
	}
	var err error
	if b.TotalDeposited, err = parseInt(deposited); err != nil {
		return ledger.UserVaultBalance{}, err
	}
	if b.TotalRedeemed, err = parseInt(redeemed); err != nil {
		return ledger.UserVaultBalance{}, err
	}
	if b.CurrentShares, err = parseInt(shares); err != nil {
		return ledger.UserVaultBalance{}, err
	}
	if b.CurrentValue, err = parseInt(value); err != nil {
		return ledger.UserVaultBalance{}, err
	}
	return b, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, vaultID string) (ledger.UserVaultBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		balanceSelect+` WHERE user_id = $1 AND vault_id = $2`, userID, vaultID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ZeroBalance(userID, vaultID), nil
	}
	if err != nil {
		return ledger.UserVaultBalance{}, fmt.Errorf("get balance %s/%s: %w", userID, vaultID, err)
	}
	return b, nil
}

func (s *PostgresStore) ListUserBalances(ctx context.Context, userID string) ([]ledger.UserVaultBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		balanceSelect+` WHERE user_id = $1 ORDER BY first_sequence`, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances %s: %w", userID, err)
	}
	defer rows.Close()

	var out []ledger.UserVaultBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFlows(ctx context.Context, vaultID string) ([]ledger.FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, log_index, kind, vault_id, user_id, assets::TEXT, shares::TEXT, block_number, block_time
		FROM vault_ledger.flows
		WHERE vault_id = $1
		ORDER BY block_number, log_index
	`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("list flows %s: %w", vaultID, err)
	}
	defer rows.Close()

	var out []ledger.FlowRecord
	for rows.Next() {
		var (
			f                    ledger.FlowRecord
			logIndex, block      int64
			kind, assets, shares string
		)
		if err := rows.Scan(&f.TxHash, &logIndex, &kind, &f.VaultID, &f.UserID,
			&assets, &shares, &block, &f.Timestamp); err != nil {
			return nil, err
		}
		f.LogIndex = uint32(logIndex)
		f.BlockNumber = uint64(block)
		f.Kind = ledger.FlowDeposit
		if kind == ledger.FlowRedeem.String() {
			f.Kind = ledger.FlowRedeem
		}
		if f.Assets, err = parseInt(assets); err != nil {
			return nil, err
		}
		if f.Shares, err = parseInt(shares); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountHolders(ctx context.Context, vaultID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vault_ledger.user_vault_balances
		WHERE vault_id = $1 AND current_shares > 0
	`, vaultID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count holders %s: %w", vaultID, err)
	}
	return n, nil
}

// === StatsStore ===

// userStatsAggregate folds balances per user. Active vaults keep first-touch order.
const userStatsAggregate = `
	SELECT user_id,
	       COALESCE(SUM(total_deposited), 0),
	       COALESCE(SUM(total_redeemed), 0),
	       COALESCE(SUM(current_shares) FILTER (WHERE current_shares > 0), 0),
	       COALESCE(ARRAY_AGG(vault_id ORDER BY first_sequence) FILTER (WHERE current_shares > 0), '{}'),
	       COUNT(*) FILTER (WHERE current_shares > 0)
	FROM vault_ledger.user_vault_balances`

// RefreshUserStats recomputes the stats rows of the given users from their
// balances.
func (s *PostgresStore) RefreshUserStats(ctx context.Context, userIDs []string, sequence int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_ledger.user_stats
			(user_id, total_deposited, total_redeemed, total_shares, active_vaults, position_count, last_sequence, updated_at)
		SELECT agg.*, $2::BIGINT, NOW() FROM (`+userStatsAggregate+`
			WHERE user_id = ANY($1)
			GROUP BY user_id
		) agg
		ON CONFLICT (user_id) DO UPDATE SET
			total_deposited = EXCLUDED.total_deposited, total_redeemed = EXCLUDED.total_redeemed,
			total_shares = EXCLUDED.total_shares, active_vaults = EXCLUDED.active_vaults,
			position_count = EXCLUDED.position_count, last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`, pq.Array(userIDs), sequence)
	if err != nil {
		return fmt.Errorf("refresh user stats: %w", err)
	}
	return nil
}

// RebuildUserStats truncates and recomputes the projection for every user.
func (s *PostgresStore) RebuildUserStats(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE vault_ledger.user_stats`); err != nil {
		return fmt.Errorf("truncate user_stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vault_ledger.user_stats
			(user_id, total_deposited, total_redeemed, total_shares, active_vaults, position_count, last_sequence, updated_at)
		SELECT agg.*, COALESCE((SELECT last_sequence FROM vault_ledger.checkpoint WHERE id = 'indexer'), 0), NOW()
		FROM (`+userStatsAggregate+`
			GROUP BY user_id
		) agg
	`); err != nil {
		return fmt.Errorf("rebuild user_stats: %w", err)
	}
	return tx.Commit()
}

// GetUserStats reads the projected stats row.
func (s *PostgresStore) GetUserStats(ctx context.Context, userID string) (ledger.UserStats, error) {
	var (
		st                          ledger.UserStats
		deposited, redeemed, shares string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_deposited::TEXT, total_redeemed::TEXT, total_shares::TEXT, active_vaults, position_count
		FROM vault_ledger.user_stats WHERE user_id = $1
	`, userID).Scan(&st.UserID, &deposited, &redeemed, &shares, pq.Array(&st.ActiveVaults), &st.PositionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.UserStats{}, ErrNotFound
	}
	if err != nil {
		return ledger.UserStats{}, fmt.Errorf("get user stats %s: %w", userID, err)
	}
	if st.TotalDeposited, err = parseInt(deposited); err != nil {
		return ledger.UserStats{}, err
	}
	if st.TotalRedeemed, err = parseInt(redeemed); err != nil {
		return ledger.UserStats{}, err
	}
	if st.TotalShares, err = parseInt(shares); err != nil {
		return ledger.UserStats{}, err
	}
	return st, nil
}

// === Checkpoint ===

// LoadCheckpoint returns the last committed position, or a zero checkpoint.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence, state_hash, updated_at FROM vault_ledger.checkpoint WHERE id = 'indexer'
	`).Scan(&cp.Sequence, &cp.StateHash, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// Ping checks connectivity for the readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func intString(v sdkmath.Int) string {
	if v.IsNil() {
		return "0"
	}
	return v.String()
}

func parseInt(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}
