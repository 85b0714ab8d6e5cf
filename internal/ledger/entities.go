package ledger

import (
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
)

// Asset is an ERC-20 token backing one or more vaults. Immutable once created.
type Asset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// Vault holds the aggregate position of a yield vault. Amounts are integers in
// asset-native units (TotalAssets) and share units (TotalSupply).
type Vault struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AssetAddress string `json:"asset_address"`
	Manager      string `json:"manager"`
	IsActive     bool   `json:"is_active"`

	TotalAssets sdkmath.Int `json:"total_assets"`
	TotalSupply sdkmath.Int `json:"total_supply"`

	// Cumulative flows; TotalAssets == TotalDeposited - TotalRedeemed + YieldReported
	// unless a clamp occurred.
	TotalDeposited sdkmath.Int `json:"total_deposited"`
	TotalRedeemed  sdkmath.Int `json:"total_redeemed"`
	YieldReported  sdkmath.Int `json:"yield_reported"`

	CreatedAt       time.Time `json:"created_at"`
	CreatedBlock    uint64    `json:"created_block"`
	UpdatedAt       time.Time `json:"updated_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
}

// Status returns "active" or "inactive".
func (v Vault) Status() string {
	if v.IsActive {
		return StatusActive
	}
	return StatusInactive
}

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Allocation is one adapter slot of a vault. Allocation uses a scale of
// 1000 = 100%.
type Allocation struct {
	VaultID        string    `json:"vault_id"`
	Index          int       `json:"index"`
	AdapterAddress string    `json:"adapter_address"`
	AdapterType    string    `json:"adapter_type"`
	Allocation     int64     `json:"allocation"`
	Superseded     bool      `json:"superseded"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBlock   uint64    `json:"updated_block"`
}

// AllocationScale is the allocation value that represents 100%.
const AllocationScale = 1000

// User is the cross-vault rollup for one depositor. It is re-folded from the
// user's UserVaultBalance rows on every touch.
type User struct {
	ID             string      `json:"id"`
	TotalDeposited sdkmath.Int `json:"total_deposited"`
	TotalShares    sdkmath.Int `json:"total_shares"`
	ActiveVaults   []string    `json:"active_vaults"`
	FirstSeenAt    time.Time   `json:"first_seen_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// FlowKind distinguishes the two immutable flow records.
type FlowKind int

const (
	FlowDeposit FlowKind = iota + 1
	FlowRedeem
)

func (k FlowKind) String() string {
	switch k {
	case FlowDeposit:
		return "deposit"
	case FlowRedeem:
		return "redeem"
	default:
		return "unknown"
	}
}

// FlowRecord is an immutable Deposit or Redeem record, unique per
// (TxHash, LogIndex).
type FlowRecord struct {
	Kind        FlowKind    `json:"kind"`
	VaultID     string      `json:"vault_id"`
	UserID      string      `json:"user_id"`
	Assets      sdkmath.Int `json:"assets"`
	Shares      sdkmath.Int `json:"shares"`
	BlockNumber uint64      `json:"block_number"`
	Timestamp   time.Time   `json:"timestamp"`
	TxHash      string      `json:"tx_hash"`
	LogIndex    uint32      `json:"log_index"`
}

// Key returns the flow's idempotency key.
func (f FlowRecord) Key() string {
	return flowKey(f.TxHash, f.LogIndex)
}

// UserVaultBalance is the (user, vault) position.
type UserVaultBalance struct {
	UserID         string      `json:"user_id"`
	VaultID        string      `json:"vault_id"`
	TotalDeposited sdkmath.Int `json:"total_deposited"`
	TotalRedeemed  sdkmath.Int `json:"total_redeemed"`
	CurrentShares  sdkmath.Int `json:"current_shares"`
	CurrentValue   sdkmath.Int `json:"current_value"`
	FirstDepositAt time.Time   `json:"first_deposit_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ZeroBalance is the default balance for an untouched (user, vault) pair.
func ZeroBalance(userID, vaultID string) UserVaultBalance {
	return UserVaultBalance{
		UserID:         userID,
		VaultID:        vaultID,
		TotalDeposited: sdkmath.ZeroInt(),
		TotalRedeemed:  sdkmath.ZeroInt(),
		CurrentShares:  sdkmath.ZeroInt(),
		CurrentValue:   sdkmath.ZeroInt(),
	}
}

// Revalue returns a copy of b with CurrentValue recomputed against v.
func (b UserVaultBalance) Revalue(v Vault) UserVaultBalance {
	b.CurrentValue = ShareValue(b.CurrentShares, v)
	return b
}

// ShareValue converts shares to assets at the vault's current exchange rate,
// rounding down. Zero when the vault has no supply.
func ShareValue(shares sdkmath.Int, v Vault) sdkmath.Int {
	if shares.IsNil() || v.TotalSupply.IsNil() || v.TotalAssets.IsNil() {
		return sdkmath.ZeroInt()
	}
	if !v.TotalSupply.IsPositive() || !shares.IsPositive() {
		return sdkmath.ZeroInt()
	}
	num := new(big.Int).Mul(shares.BigInt(), v.TotalAssets.BigInt())
	num.Quo(num, v.TotalSupply.BigInt())
	return sdkmath.NewIntFromBigInt(num)
}

func newVault(id string, ts time.Time, block uint64) *Vault {
	return &Vault{
		ID:              id,
		IsActive:        true,
		TotalAssets:     sdkmath.ZeroInt(),
		TotalSupply:     sdkmath.ZeroInt(),
		TotalDeposited:  sdkmath.ZeroInt(),
		TotalRedeemed:   sdkmath.ZeroInt(),
		YieldReported:   sdkmath.ZeroInt(),
		CreatedAt:       ts,
		CreatedBlock:    block,
		UpdatedAt:       ts,
		StatusChangedAt: ts,
	}
}

func newUser(id string, ts time.Time) *User {
	return &User{
		ID:             id,
		TotalDeposited: sdkmath.ZeroInt(),
		TotalShares:    sdkmath.ZeroInt(),
		ActiveVaults:   []string{},
		FirstSeenAt:    ts,
		UpdatedAt:      ts,
	}
}
