package persistence

import (
	"context"
	"sort"
	"sync"

	"VaultLedger/internal/ledger"
)

// MemoryStore implements Sink, Reader, StatsStore and EventLog in memory.
// Used by tests and local runs without Postgres.
type MemoryStore struct {
	mu sync.RWMutex

	events    []EventRow
	eventKeys map[string]struct{}

	assets       map[string]ledger.Asset
	vaults       map[string]ledger.Vault
	allocations  map[string][]ledger.Allocation
	users        map[string]ledger.User
	balances     map[string]map[string]ledger.UserVaultBalance // user -> vault -> balance
	balanceOrder map[string][]string                           // user -> vaults in first-touch order
	flows        map[string][]ledger.FlowRecord
	flowKeys     map[string]struct{}
	stats        map[string]ledger.UserStats

	checkpoint Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventKeys:    make(map[string]struct{}),
		assets:       make(map[string]ledger.Asset),
		vaults:       make(map[string]ledger.Vault),
		allocations:  make(map[string][]ledger.Allocation),
		users:        make(map[string]ledger.User),
		balances:     make(map[string]map[string]ledger.UserVaultBalance),
		balanceOrder: make(map[string][]string),
		flows:        make(map[string][]ledger.FlowRecord),
		flowKeys:     make(map[string]struct{}),
		stats:        make(map[string]ledger.UserStats),
	}
}

// === Sink ===

func (m *MemoryStore) WriteBatch(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if _, dup := m.eventKeys[rec.Event.IdempotencyKey]; dup {
			continue
		}
		m.eventKeys[rec.Event.IdempotencyKey] = struct{}{}
		m.events = append(m.events, rec.Event)
		m.applyChanges(rec.Changes)
		m.checkpoint = Checkpoint{
			Sequence:  rec.Event.Sequence,
			StateHash: rec.Event.StateHash,
			UpdatedAt: rec.Event.Timestamp,
		}
	}
	return nil
}

func (m *MemoryStore) applyChanges(ch *ledger.Changes) {
	if ch == nil {
		return
	}
	for _, a := range ch.Assets {
		if _, ok := m.assets[a.Address]; !ok {
			m.assets[a.Address] = a
		}
	}
	for _, v := range ch.Vaults {
		m.vaults[v.ID] = v
	}
	if ch.AllocationVault != "" {
		// supersede first, then upsert the new set
		prev := m.allocations[ch.AllocationVault]
		next := make([]ledger.Allocation, 0, len(prev)+len(ch.Allocations))
		for _, a := range prev {
			a.Superseded = true
			next = append(next, a)
		}
		m.allocations[ch.AllocationVault] = append(next, ch.Allocations...)
	}
	for _, u := range ch.Users {
		u.ActiveVaults = append([]string(nil), u.ActiveVaults...)
		m.users[u.ID] = u
	}
	for _, b := range ch.Balances {
		byVault, ok := m.balances[b.UserID]
		if !ok {
			byVault = make(map[string]ledger.UserVaultBalance)
			m.balances[b.UserID] = byVault
		}
		if _, seen := byVault[b.VaultID]; !seen {
			m.balanceOrder[b.UserID] = append(m.balanceOrder[b.UserID], b.VaultID)
		}
		byVault[b.VaultID] = b
	}
	for _, f := range ch.Flows {
		if _, dup := m.flowKeys[f.Key()]; dup {
			continue
		}
		m.flowKeys[f.Key()] = struct{}{}
		m.flows[f.VaultID] = append(m.flows[f.VaultID], f)
	}
}

// === Reader ===

func (m *MemoryStore) GetVault(_ context.Context, id string) (ledger.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return ledger.Vault{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) ListVaults(_ context.Context) ([]ledger.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetAsset(_ context.Context, address string) (ledger.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[address]
	if !ok {
		return ledger.Asset{}, ErrNotFound
	}
	return a, nil
}

// GetAllocations returns the current (non-superseded) set in slot order.
func (m *MemoryStore) GetAllocations(_ context.Context, vaultID string) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Allocation
	for _, a := range m.allocations[vaultID] {
		if !a.Superseded {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// AllocationHistory returns every stored allocation of a vault, superseded included.
func (m *MemoryStore) AllocationHistory(_ context.Context, vaultID string) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Allocation(nil), m.allocations[vaultID]...), nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return ledger.User{}, ErrNotFound
	}
	u.ActiveVaults = append([]string(nil), u.ActiveVaults...)
	return u, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID, vaultID string) (ledger.UserVaultBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[userID][vaultID]; ok {
		return b, nil
	}
	return ledger.ZeroBalance(userID, vaultID), nil
}

func (m *MemoryStore) ListUserBalances(_ context.Context, userID string) ([]ledger.UserVaultBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userBalancesLocked(userID), nil
}

func (m *MemoryStore) userBalancesLocked(userID string) []ledger.UserVaultBalance {
	order := m.balanceOrder[userID]
	out := make([]ledger.UserVaultBalance, 0, len(order))
	for _, vaultID := range order {
		out = append(out, m.balances[userID][vaultID])
	}
	return out
}

// ListFlows returns the vault's flows in chain order.
func (m *MemoryStore) ListFlows(_ context.Context, vaultID string) ([]ledger.FlowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]ledger.FlowRecord(nil), m.flows[vaultID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

// CountHolders counts users with positive shares in the vault.
func (m *MemoryStore) CountHolders(_ context.Context, vaultID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byVault := range m.balances {
		if b, ok := byVault[vaultID]; ok && b.CurrentShares.IsPositive() {
			n++
		}
	}
	return n, nil
}

// === StatsStore ===

func (m *MemoryStore) RefreshUserStats(_ context.Context, userIDs []string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		m.stats[id] = ledger.ComputeUserStats(id, m.userBalancesLocked(id))
	}
	return nil
}

func (m *MemoryStore) RebuildUserStats(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]ledger.UserStats, len(m.balanceOrder))
	for id := range m.balanceOrder {
		m.stats[id] = ledger.ComputeUserStats(id, m.userBalancesLocked(id))
	}
	return nil
}

// UserStats returns the projected stats row.
func (m *MemoryStore) UserStats(userID string) (ledger.UserStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[userID]
	return s, ok
}

// === EventLog ===

func (m *MemoryStore) LoadEventsFrom(_ context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EventRow
	for _, e := range m.events {
		if e.Sequence < fromSequence {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetLatestSequence(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].Sequence, nil
}

func (m *MemoryStore) RecentIdempotencyKeys(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	keys := make([]string, 0, len(m.events)-start)
	for _, e := range m.events[start:] {
		keys = append(keys, e.IdempotencyKey)
	}
	return keys, nil
}

// IsDuplicate reports whether the key is already in the event log.
func (m *MemoryStore) IsDuplicate(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.eventKeys[key]
	return ok, nil
}

// Checkpoint returns the last committed position.
func (m *MemoryStore) Checkpoint() Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint
}
