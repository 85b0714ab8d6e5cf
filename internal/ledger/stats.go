package ledger

import sdkmath "cosmossdk.io/math"

// UserStats is the per-user fold over UserVaultBalance rows. It is always
// derived, never maintained incrementally.
type UserStats struct {
	UserID         string      `json:"user_id"`
	TotalDeposited sdkmath.Int `json:"total_deposited"`
	TotalRedeemed  sdkmath.Int `json:"total_redeemed"`
	TotalShares    sdkmath.Int `json:"total_shares"`
	ActiveVaults   []string    `json:"active_vaults"`
	PositionCount  int         `json:"position_count"`
}

// ComputeUserStats folds balances in the given order. A vault is active while
// the user's current shares are positive.
func ComputeUserStats(userID string, balances []UserVaultBalance) UserStats {
	stats := UserStats{
		UserID:         userID,
		TotalDeposited: sdkmath.ZeroInt(),
		TotalRedeemed:  sdkmath.ZeroInt(),
		TotalShares:    sdkmath.ZeroInt(),
		ActiveVaults:   []string{},
	}
	for _, b := range balances {
		if !b.TotalDeposited.IsNil() {
			stats.TotalDeposited = stats.TotalDeposited.Add(b.TotalDeposited)
		}
		if !b.TotalRedeemed.IsNil() {
			stats.TotalRedeemed = stats.TotalRedeemed.Add(b.TotalRedeemed)
		}
		if !b.CurrentShares.IsNil() && b.CurrentShares.IsPositive() {
			stats.TotalShares = stats.TotalShares.Add(b.CurrentShares)
			stats.ActiveVaults = append(stats.ActiveVaults, b.VaultID)
		}
	}
	stats.PositionCount = len(stats.ActiveVaults)
	return stats
}
