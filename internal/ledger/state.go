package ledger

import (
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
)

type balanceKey struct {
	User  string
	Vault string
}

// State is the in-memory aggregate built by the Reducer.
// Not thread-safe; only the indexer goroutine touches it.
type State struct {
	assets      map[string]*Asset
	vaults      map[string]*Vault
	users       map[string]*User
	balances    map[balanceKey]*UserVaultBalance
	userVaults  map[string][]string // user -> vault ids in first-touch order
	allocations map[string][]*Allocation
}

func NewState() *State {
	return &State{
		assets:      make(map[string]*Asset),
		vaults:      make(map[string]*Vault),
		users:       make(map[string]*User),
		balances:    make(map[balanceKey]*UserVaultBalance),
		userVaults:  make(map[string][]string),
		allocations: make(map[string][]*Allocation),
	}
}

// === Read accessors (return copies) ===

func (s *State) Vault(id string) (Vault, bool) {
	v, ok := s.vaults[id]
	if !ok {
		return Vault{}, false
	}
	return *v, true
}

func (s *State) Asset(address string) (Asset, bool) {
	a, ok := s.assets[address]
	if !ok {
		return Asset{}, false
	}
	return *a, true
}

func (s *State) User(id string) (User, bool) {
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return copyUser(u), true
}

// Balance returns the (user, vault) balance, or a zero balance when the pair
// was never touched.
func (s *State) Balance(userID, vaultID string) UserVaultBalance {
	b, ok := s.balances[balanceKey{User: userID, Vault: vaultID}]
	if !ok {
		return ZeroBalance(userID, vaultID)
	}
	return *b
}

// UserBalances returns every balance the user ever touched, in first-touch order.
func (s *State) UserBalances(userID string) []UserVaultBalance {
	ids := s.userVaults[userID]
	out := make([]UserVaultBalance, 0, len(ids))
	for _, vaultID := range ids {
		out = append(out, s.Balance(userID, vaultID))
	}
	return out
}

// VaultBalances returns all balances held in a vault, sorted by user id.
func (s *State) VaultBalances(vaultID string) []UserVaultBalance {
	var out []UserVaultBalance
	for key, b := range s.balances {
		if key.Vault == vaultID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Allocations returns the current (non-superseded) allocation set of a vault.
func (s *State) Allocations(vaultID string) []Allocation {
	set := s.allocations[vaultID]
	out := make([]Allocation, 0, len(set))
	for _, a := range set {
		out = append(out, *a)
	}
	return out
}

// Vaults returns all vaults sorted by id.
func (s *State) Vaults() []Vault {
	out := make([]Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VaultCount returns the number of known vaults.
func (s *State) VaultCount() int {
	return len(s.vaults)
}

// === Load-or-create (reducer only) ===

func (s *State) loadOrCreateVault(id string, ts time.Time, block uint64) (*Vault, bool) {
	if v, ok := s.vaults[id]; ok {
		return v, false
	}
	v := newVault(id, ts, block)
	s.vaults[id] = v
	return v, true
}

func (s *State) loadOrCreateAsset(a Asset) (*Asset, bool) {
	if existing, ok := s.assets[a.Address]; ok {
		return existing, false
	}
	created := a
	s.assets[a.Address] = &created
	return &created, true
}

func (s *State) loadOrCreateUser(id string, ts time.Time) *User {
	if u, ok := s.users[id]; ok {
		return u
	}
	u := newUser(id, ts)
	s.users[id] = u
	return u
}

func (s *State) loadOrCreateBalance(userID, vaultID string, ts time.Time) *UserVaultBalance {
	key := balanceKey{User: userID, Vault: vaultID}
	if b, ok := s.balances[key]; ok {
		return b
	}
	zero := ZeroBalance(userID, vaultID)
	zero.FirstDepositAt = ts
	zero.UpdatedAt = ts
	s.balances[key] = &zero
	s.userVaults[userID] = append(s.userVaults[userID], vaultID)
	return &zero
}

// refoldUser recomputes the user's rollup from its balance rows.
func (s *State) refoldUser(userID string, ts time.Time) *User {
	u := s.loadOrCreateUser(userID, ts)
	stats := ComputeUserStats(userID, s.UserBalances(userID))
	u.TotalDeposited = stats.TotalDeposited
	u.TotalShares = stats.TotalShares
	u.ActiveVaults = stats.ActiveVaults
	u.UpdatedAt = ts
	return u
}

func (s *State) replaceAllocations(vaultID string, set []*Allocation) {
	s.allocations[vaultID] = set
}

// === Snapshot export / restore ===

// Snapshot is the serializable form of State.
type Snapshot struct {
	Assets      []Asset            `json:"assets"`
	Vaults      []Vault            `json:"vaults"`
	Users       []User             `json:"users"`
	Balances    []UserVaultBalance `json:"balances"`
	Allocations []Allocation       `json:"allocations"`
}

// Export captures the state in a deterministic order.
func (s *State) Export() *Snapshot {
	snap := &Snapshot{Vaults: s.Vaults()}

	for _, a := range s.assets {
		snap.Assets = append(snap.Assets, *a)
	}
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].Address < snap.Assets[j].Address })

	userIDs := make([]string, 0, len(s.users))
	for id := range s.users {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)
	for _, id := range userIDs {
		snap.Users = append(snap.Users, copyUser(s.users[id]))
		// first-touch order is preserved through the balance order
		snap.Balances = append(snap.Balances, s.UserBalances(id)...)
	}

	for _, v := range snap.Vaults {
		snap.Allocations = append(snap.Allocations, s.Allocations(v.ID)...)
	}
	return snap
}

// Restore rebuilds a State from a snapshot.
func Restore(snap *Snapshot) (*State, error) {
	s := NewState()
	if snap == nil {
		return s, nil
	}
	for i := range snap.Assets {
		a := snap.Assets[i]
		s.assets[a.Address] = &a
	}
	for i := range snap.Vaults {
		v := snap.Vaults[i]
		if v.TotalAssets.IsNil() || v.TotalSupply.IsNil() {
			return nil, fmt.Errorf("restore vault %s: missing totals", v.ID)
		}
		fillNilInts(&v.TotalDeposited, &v.TotalRedeemed, &v.YieldReported)
		s.vaults[v.ID] = &v
	}
	for i := range snap.Users {
		u := copyUser(&snap.Users[i])
		fillNilInts(&u.TotalDeposited, &u.TotalShares)
		s.users[u.ID] = &u
	}
	for i := range snap.Balances {
		b := snap.Balances[i]
		fillNilInts(&b.TotalDeposited, &b.TotalRedeemed, &b.CurrentShares, &b.CurrentValue)
		key := balanceKey{User: b.UserID, Vault: b.VaultID}
		if _, dup := s.balances[key]; dup {
			return nil, fmt.Errorf("restore: duplicate balance %s/%s", b.UserID, b.VaultID)
		}
		s.balances[key] = &b
		s.userVaults[b.UserID] = append(s.userVaults[b.UserID], b.VaultID)
	}
	for i := range snap.Allocations {
		a := snap.Allocations[i]
		s.allocations[a.VaultID] = append(s.allocations[a.VaultID], &a)
	}
	return s, nil
}

func copyUser(u *User) User {
	c := *u
	c.ActiveVaults = append([]string(nil), u.ActiveVaults...)
	if c.ActiveVaults == nil {
		c.ActiveVaults = []string{}
	}
	return c
}

func fillNilInts(ints ...*sdkmath.Int) {
	for _, i := range ints {
		if i.IsNil() {
			*i = sdkmath.ZeroInt()
		}
	}
}

func flowKey(txHash string, logIndex uint32) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}
