package ledger

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// InvariantValidator checks ledger invariants against a State.
type InvariantValidator struct {
	state *State
}

func NewInvariantValidator(state *State) *InvariantValidator {
	return &InvariantValidator{state: state}
}

// ValidateNonNegative verifies vault totals and user shares are >= 0.
func (v *InvariantValidator) ValidateNonNegative(vaultID string) error {
	vault, ok := v.state.Vault(vaultID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	if vault.TotalAssets.IsNegative() {
		return fmt.Errorf("vault %s has negative totalAssets: %s", vaultID, vault.TotalAssets)
	}
	if vault.TotalSupply.IsNegative() {
		return fmt.Errorf("vault %s has negative totalSupply: %s", vaultID, vault.TotalSupply)
	}
	for _, b := range v.state.VaultBalances(vaultID) {
		if b.CurrentShares.IsNegative() {
			return fmt.Errorf("user %s has negative shares in %s: %s", b.UserID, vaultID, b.CurrentShares)
		}
	}
	return nil
}

// ValidateSharePartition verifies the users' shares sum to the vault's supply.
func (v *InvariantValidator) ValidateSharePartition(vaultID string) error {
	vault, ok := v.state.Vault(vaultID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	sum := sdkmath.ZeroInt()
	for _, b := range v.state.VaultBalances(vaultID) {
		sum = sum.Add(b.CurrentShares)
	}
	if !sum.Equal(vault.TotalSupply) {
		return fmt.Errorf("vault %s share partition broken: users hold %s, supply %s",
			vaultID, sum, vault.TotalSupply)
	}
	return nil
}

// ValidateConservation verifies totalAssets equals net flows plus reported yield.
func (v *InvariantValidator) ValidateConservation(vaultID string) error {
	vault, ok := v.state.Vault(vaultID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	expected := vault.TotalDeposited.Sub(vault.TotalRedeemed).Add(vault.YieldReported)
	if !expected.Equal(vault.TotalAssets) {
		return fmt.Errorf("vault %s conservation broken: net flows %s, totalAssets %s",
			vaultID, expected, vault.TotalAssets)
	}
	return nil
}

// ValidateAll runs every check over every vault and returns all failures.
func (v *InvariantValidator) ValidateAll() []error {
	var errs []error
	for _, vault := range v.state.Vaults() {
		for _, check := range []func(string) error{
			v.ValidateNonNegative,
			v.ValidateSharePartition,
			v.ValidateConservation,
		} {
			if err := check(vault.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}
