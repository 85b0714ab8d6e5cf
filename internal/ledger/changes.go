package ledger

import "errors"

var (
	// ErrMalformedEvent marks an event that cannot be applied. The indexer
	// logs and skips it.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownVault marks a status or allocation event for a vault that
	// was never seen.
	ErrUnknownVault = errors.New("unknown vault")
)

// WarningKind classifies a data-quality warning.
type WarningKind string

const (
	WarnNegativeTotalAssets    WarningKind = "negative_total_assets"
	WarnNegativeTotalSupply    WarningKind = "negative_total_supply"
	WarnNegativeUserShares     WarningKind = "negative_user_shares"
	WarnDepositOnInactiveVault WarningKind = "deposit_on_inactive_vault"
	WarnResolverFallback       WarningKind = "resolver_fallback"
)

// Warning is a data-quality problem that was absorbed by clamping or a
// placeholder. The event is still applied.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	VaultID string      `json:"vault_id"`
	UserID  string      `json:"user_id,omitempty"`
	Detail  string      `json:"detail"`
}

// Changes is the set of entities touched by one event, as post-apply copies.
type Changes struct {
	Assets   []Asset
	Vaults   []Vault
	Users    []User
	Balances []UserVaultBalance
	Flows    []FlowRecord

	// AllocationVault is set when the vault's allocation set was replaced.
	// The sink supersedes every stored allocation of the vault before
	// upserting Allocations.
	AllocationVault string
	Allocations     []Allocation

	Warnings []Warning
}

// TouchedUsers returns the ids of users whose rollup changed.
func (c *Changes) TouchedUsers() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

// IsEmpty reports whether nothing was touched.
func (c *Changes) IsEmpty() bool {
	return len(c.Assets) == 0 && len(c.Vaults) == 0 && len(c.Users) == 0 &&
		len(c.Balances) == 0 && len(c.Flows) == 0 && c.AllocationVault == ""
}

func (c *Changes) warn(kind WarningKind, vaultID, userID, detail string) {
	c.Warnings = append(c.Warnings, Warning{Kind: kind, VaultID: vaultID, UserID: userID, Detail: detail})
}
