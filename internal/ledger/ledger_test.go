package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vaultA = "0x00000000000000000000000000000000000000a1"
	vaultB = "0x00000000000000000000000000000000000000b2"
	alice  = "0x000000000000000000000000000000000000a11c"
	bob    = "0x0000000000000000000000000000000000000b0b"
	usdc   = "0x000000000000000000000000000000000000usdc"
	aaveAd = "0x00000000000000000000000000000000000aa7e0"
	compAd = "0x00000000000000000000000000000000000c0a90"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixedResolver map[string]string

func (f fixedResolver) Resolve(_ context.Context, address string) (string, error) {
	if name, ok := f[address]; ok {
		return name, nil
	}
	return "", errors.New("no code at address")
}

type fixture struct {
	t       *testing.T
	state   *ledger.State
	reducer *ledger.Reducer
	block   uint64
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:       t,
		state:   ledger.NewState(),
		reducer: ledger.NewReducer(fixedResolver{aaveAd: "AaveV3Adapter"}),
	}
}

func (f *fixture) meta(day int) event.Meta {
	f.block++
	return event.Meta{
		TxHash:      fmt.Sprintf("0x%064x", f.block),
		LogIndex:    0,
		BlockNumber: f.block,
		BlockTime:   t0.Add(time.Duration(day) * 24 * time.Hour),
	}
}

func (f *fixture) apply(evt event.Event) *ledger.Changes {
	f.t.Helper()
	ch, err := f.reducer.Apply(context.Background(), f.state, evt)
	require.NoError(f.t, err)
	return ch
}

func (f *fixture) create(vault string) {
	f.apply(&event.VaultCreated{
		Meta:    f.meta(0),
		Vault:   vault,
		Name:    "USDC Yield",
		Manager: bob,
		Asset:   event.AssetInfo{Address: usdc, Symbol: "USDC", Name: "USD Coin", Decimals: 6},
	})
}

func (f *fixture) deposit(vault, user string, assets, shares int64) *ledger.Changes {
	return f.apply(&event.Deposit{
		Meta: f.meta(1), Vault: vault, Sender: user, Owner: user,
		Assets: sdkmath.NewInt(assets), Shares: sdkmath.NewInt(shares),
	})
}

func (f *fixture) redeem(vault, user string, assets, shares int64) *ledger.Changes {
	return f.apply(&event.Redeem{
		Meta: f.meta(2), Vault: vault, Sender: user, Receiver: user, Owner: user,
		Assets: sdkmath.NewInt(assets), Shares: sdkmath.NewInt(shares),
	})
}

// ============================================================================
// Test: Deposit / Redeem aggregation
// ============================================================================

func TestDeposit_CreatesEntitiesLazily(t *testing.T) {
	f := newFixture(t)
	ch := f.deposit(vaultA, alice, 1000, 1000)

	vault, ok := f.state.Vault(vaultA)
	require.True(t, ok)
	assert.True(t, vault.IsActive)
	assert.Equal(t, "1000", vault.TotalAssets.String())
	assert.Equal(t, "1000", vault.TotalSupply.String())

	bal := f.state.Balance(alice, vaultA)
	assert.Equal(t, "1000", bal.CurrentShares.String())
	assert.Equal(t, "1000", bal.CurrentValue.String())

	user, ok := f.state.User(alice)
	require.True(t, ok)
	assert.Equal(t, []string{vaultA}, user.ActiveVaults)

	require.Len(t, ch.Flows, 1)
	assert.Equal(t, ledger.FlowDeposit, ch.Flows[0].Kind)
	assert.Empty(t, ch.Warnings)
}

func TestConservation_TotalAssetsEqualsNetFlows(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)
	f.deposit(vaultA, alice, 500, 500)
	f.deposit(vaultA, bob, 300, 300)
	f.redeem(vaultA, alice, 200, 200)
	f.deposit(vaultA, alice, 50, 50)

	vault, _ := f.state.Vault(vaultA)
	assert.Equal(t, "650", vault.TotalAssets.String())

	v := ledger.NewInvariantValidator(f.state)
	assert.NoError(t, v.ValidateConservation(vaultA))
	assert.NoError(t, v.ValidateNonNegative(vaultA))
}

func TestSharePartition_UsersSumToSupply(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)
	f.deposit(vaultA, alice, 100, 90)
	f.deposit(vaultA, bob, 100, 80)
	f.redeem(vaultA, bob, 10, 30)

	v := ledger.NewInvariantValidator(f.state)
	assert.NoError(t, v.ValidateSharePartition(vaultA))
	assert.Empty(t, v.ValidateAll())
}

func TestRedeem_ClampsAndWarns(t *testing.T) {
	f := newFixture(t)
	f.deposit(vaultA, alice, 100, 100)
	ch := f.redeem(vaultA, alice, 150, 120)

	vault, _ := f.state.Vault(vaultA)
	assert.True(t, vault.TotalAssets.IsZero())
	assert.True(t, vault.TotalSupply.IsZero())
	assert.True(t, f.state.Balance(alice, vaultA).CurrentShares.IsZero())

	kinds := make([]ledger.WarningKind, 0, len(ch.Warnings))
	for _, w := range ch.Warnings {
		kinds = append(kinds, w.Kind)
	}
	assert.ElementsMatch(t, []ledger.WarningKind{
		ledger.WarnNegativeTotalAssets,
		ledger.WarnNegativeTotalSupply,
		ledger.WarnNegativeUserShares,
	}, kinds)
}

func TestRedeem_ExactZeroLeavesActiveVaults(t *testing.T) {
	f := newFixture(t)
	f.deposit(vaultA, alice, 100, 100)
	f.deposit(vaultB, alice, 100, 100)
	f.redeem(vaultA, alice, 40, 40)

	user, _ := f.state.User(alice)
	assert.Equal(t, []string{vaultA, vaultB}, user.ActiveVaults)

	f.redeem(vaultA, alice, 60, 60)
	user, _ = f.state.User(alice)
	assert.Equal(t, []string{vaultB}, user.ActiveVaults)
	assert.Equal(t, "100", user.TotalShares.String())
	assert.Equal(t, "200", user.TotalDeposited.String())
}

func TestMalformed_LeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.deposit(vaultA, alice, 100, 100)

	_, err := f.reducer.Apply(context.Background(), f.state, &event.Deposit{
		Meta: f.meta(3), Vault: vaultA, Owner: alice,
		Assets: sdkmath.NewInt(-5), Shares: sdkmath.NewInt(1),
	})
	require.ErrorIs(t, err, ledger.ErrMalformedEvent)

	_, err = f.reducer.Apply(context.Background(), f.state, &event.Deposit{
		Meta: f.meta(3), Vault: vaultA, Owner: alice,
	})
	require.ErrorIs(t, err, ledger.ErrMalformedEvent)

	vault, _ := f.state.Vault(vaultA)
	assert.Equal(t, "100", vault.TotalAssets.String())
}

// ============================================================================
// Test: Vault lifecycle
// ============================================================================

func TestLifecycle_DeactivateAndReactivate(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)

	f.apply(&event.Deactivated{Meta: f.meta(5), Vault: vaultA})
	vault, _ := f.state.Vault(vaultA)
	assert.False(t, vault.IsActive)

	ch := f.deposit(vaultA, alice, 10, 10)
	vault, _ = f.state.Vault(vaultA)
	assert.False(t, vault.IsActive, "deposit must not reactivate")
	require.Len(t, ch.Warnings, 1)
	assert.Equal(t, ledger.WarnDepositOnInactiveVault, ch.Warnings[0].Kind)

	f.apply(&event.Reactivated{Meta: f.meta(6), Vault: vaultA})
	vault, _ = f.state.Vault(vaultA)
	assert.True(t, vault.IsActive)
	assert.Equal(t, ledger.StatusActive, vault.Status())
}

func TestLifecycle_StatusOnUnknownVault(t *testing.T) {
	f := newFixture(t)
	_, err := f.reducer.Apply(context.Background(), f.state, &event.Deactivated{Meta: f.meta(0), Vault: vaultB})
	assert.ErrorIs(t, err, ledger.ErrUnknownVault)
	assert.Equal(t, 0, f.state.VaultCount())
}

func TestVaultCreated_AfterFlowKeepsTotals(t *testing.T) {
	f := newFixture(t)
	f.deposit(vaultA, alice, 100, 100)
	f.create(vaultA)

	vault, _ := f.state.Vault(vaultA)
	assert.Equal(t, "USDC Yield", vault.Name)
	assert.Equal(t, usdc, vault.AssetAddress)
	assert.Equal(t, "100", vault.TotalAssets.String())

	asset, ok := f.state.Asset(usdc)
	require.True(t, ok)
	assert.Equal(t, uint8(6), asset.Decimals)
}

// ============================================================================
// Test: Allocations
// ============================================================================

func TestAllocationUpdated_SupersedesPreviousSet(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)

	f.apply(&event.AllocationUpdated{Meta: f.meta(1), Vault: vaultA, Allocations: []event.AllocationEntry{
		{Adapter: aaveAd, Allocation: 600},
		{Adapter: compAd, Allocation: 400},
	}})
	require.Len(t, f.state.Allocations(vaultA), 2)

	ch := f.apply(&event.AllocationUpdated{Meta: f.meta(2), Vault: vaultA, Allocations: []event.AllocationEntry{
		{Adapter: aaveAd, Allocation: 1000},
	}})

	current := f.state.Allocations(vaultA)
	require.Len(t, current, 1)
	assert.Equal(t, "AaveV3Adapter", current[0].AdapterType)
	assert.Equal(t, int64(1000), current[0].Allocation)
	assert.Equal(t, vaultA, ch.AllocationVault)
}

func TestAllocationUpdated_ResolverFallback(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)

	ch := f.apply(&event.AllocationUpdated{Meta: f.meta(1), Vault: vaultA, Allocations: []event.AllocationEntry{
		{Adapter: compAd, Allocation: 1000},
	}})
	assert.Equal(t, ledger.UnknownAdapterType, ch.Allocations[0].AdapterType)
	require.Len(t, ch.Warnings, 1)
	assert.Equal(t, ledger.WarnResolverFallback, ch.Warnings[0].Kind)
}

func TestAllocationUpdated_RejectsOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)
	_, err := f.reducer.Apply(context.Background(), f.state, &event.AllocationUpdated{
		Meta: f.meta(1), Vault: vaultA,
		Allocations: []event.AllocationEntry{{Adapter: aaveAd, Allocation: 1001}},
	})
	assert.ErrorIs(t, err, ledger.ErrMalformedEvent)
	assert.Empty(t, f.state.Allocations(vaultA))
}

// ============================================================================
// Test: Valuation
// ============================================================================

func TestTotalAssetsSynced_RevaluesShares(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)
	f.deposit(vaultA, alice, 1000, 1000)
	f.apply(&event.TotalAssetsSynced{Meta: f.meta(30), Vault: vaultA, TotalAssets: sdkmath.NewInt(1100)})

	vault, _ := f.state.Vault(vaultA)
	assert.Equal(t, "100", vault.YieldReported.String())
	assert.NoError(t, ledger.NewInvariantValidator(f.state).ValidateConservation(vaultA))

	bal := f.state.Balance(alice, vaultA).Revalue(vault)
	assert.Equal(t, "1100", bal.CurrentValue.String())
}

func TestShareValue_ZeroSupply(t *testing.T) {
	v := ledger.Vault{TotalAssets: sdkmath.NewInt(100), TotalSupply: sdkmath.ZeroInt()}
	assert.True(t, ledger.ShareValue(sdkmath.NewInt(10), v).IsZero())
}

func TestBalance_DefaultsToZero(t *testing.T) {
	st := ledger.NewState()
	bal := st.Balance(alice, vaultA)
	assert.True(t, bal.CurrentShares.IsZero())
	assert.True(t, bal.TotalDeposited.IsZero())
}

// ============================================================================
// Test: Stats and snapshots
// ============================================================================

func TestComputeUserStats_FoldsBalances(t *testing.T) {
	f := newFixture(t)
	f.deposit(vaultA, alice, 100, 100)
	f.deposit(vaultB, alice, 50, 25)
	f.redeem(vaultB, alice, 60, 25)

	stats := ledger.ComputeUserStats(alice, f.state.UserBalances(alice))
	assert.Equal(t, "150", stats.TotalDeposited.String())
	assert.Equal(t, "60", stats.TotalRedeemed.String())
	assert.Equal(t, "100", stats.TotalShares.String())
	assert.Equal(t, []string{vaultA}, stats.ActiveVaults)
	assert.Equal(t, 1, stats.PositionCount)
}

func TestSnapshot_RestoreIsEquivalent(t *testing.T) {
	f := newFixture(t)
	f.create(vaultA)
	f.deposit(vaultA, alice, 100, 100)
	f.deposit(vaultB, bob, 70, 70)
	f.apply(&event.AllocationUpdated{Meta: f.meta(1), Vault: vaultA, Allocations: []event.AllocationEntry{
		{Adapter: aaveAd, Allocation: 1000},
	}})

	restored, err := ledger.Restore(f.state.Export())
	require.NoError(t, err)
	assert.Equal(t, f.state.Export(), restored.Export())

	// the restored state keeps folding
	_, err = ledger.NewReducer(nil).Apply(context.Background(), restored, &event.Redeem{
		Meta: f.meta(4), Vault: vaultA, Owner: alice,
		Assets: sdkmath.NewInt(100), Shares: sdkmath.NewInt(100),
	})
	require.NoError(t, err)
	user, _ := restored.User(alice)
	assert.Empty(t, user.ActiveVaults)
}
