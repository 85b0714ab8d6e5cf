// internal/event/deposit.go
package event

import sdkmath "cosmossdk.io/math"

// Deposit is an ERC-4626 Deposit log: Owner receives Shares for Assets.
type Deposit struct {
	Meta
	Vault  string
	Sender string
	Owner  string
	Assets sdkmath.Int
	Shares sdkmath.Int
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) VaultID() string {
	return d.Vault
}

// Redeem is an ERC-4626 Withdraw log: Owner burns Shares and Receiver gets Assets.
type Redeem struct {
	Meta
	Vault    string
	Sender   string
	Receiver string
	Owner    string
	Assets   sdkmath.Int
	Shares   sdkmath.Int
}

func (r *Redeem) EventType() EventType {
	return EventTypeRedeem
}

func (r *Redeem) VaultID() string {
	return r.Vault
}

// TotalAssetsSynced carries the on-chain totalAssets read by the upstream
// indexer after yield accrual. Supply is untouched.
type TotalAssetsSynced struct {
	Meta
	Vault       string
	TotalAssets sdkmath.Int
}

func (s *TotalAssetsSynced) EventType() EventType {
	return EventTypeTotalAssetsSynced
}

func (s *TotalAssetsSynced) VaultID() string {
	return s.Vault
}
