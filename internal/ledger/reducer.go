package ledger

import (
	"context"
	"fmt"

	"VaultLedger/internal/event"

	sdkmath "cosmossdk.io/math"
)

// UnknownAdapterType is stored when the adapter name cannot be resolved.
const UnknownAdapterType = "Unknown"

// NameResolver maps an adapter contract address to a human-readable type.
type NameResolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Reducer folds events into State. Apply is deterministic for a given
// resolver and never partially mutates state on error.
type Reducer struct {
	resolver NameResolver
}

func NewReducer(resolver NameResolver) *Reducer {
	return &Reducer{resolver: resolver}
}

// Apply folds one event into st and returns the touched entities.
func (r *Reducer) Apply(ctx context.Context, st *State, evt event.Event) (*Changes, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if evt.VaultID() == "" {
		return nil, fmt.Errorf("%w: %s without vault", ErrMalformedEvent, evt.EventType())
	}

	ch := &Changes{}
	var err error

	switch e := evt.(type) {
	case *event.VaultCreated:
		err = r.applyVaultCreated(st, e, ch)
	case *event.Deposit:
		err = r.applyDeposit(st, e, ch)
	case *event.Redeem:
		err = r.applyRedeem(st, e, ch)
	case *event.AllocationUpdated:
		err = r.applyAllocationUpdated(ctx, st, e, ch)
	case *event.Deactivated:
		err = r.applyStatus(st, e.Vault, false, e.Meta, ch)
	case *event.Reactivated:
		err = r.applyStatus(st, e.Vault, true, e.Meta, ch)
	case *event.TotalAssetsSynced:
		err = r.applyTotalAssetsSynced(st, e, ch)
	default:
		err = fmt.Errorf("%w: unknown event type %T", ErrMalformedEvent, evt)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *Reducer) applyVaultCreated(st *State, e *event.VaultCreated, ch *Changes) error {
	if e.Asset.Address == "" {
		return fmt.Errorf("%w: VaultCreated %s without asset", ErrMalformedEvent, e.Vault)
	}

	ts := e.Timestamp()
	asset, created := st.loadOrCreateAsset(Asset{
		Address:  e.Asset.Address,
		Symbol:   e.Asset.Symbol,
		Name:     e.Asset.Name,
		Decimals: e.Asset.Decimals,
	})
	if created {
		ch.Assets = append(ch.Assets, *asset)
	}

	vault, _ := st.loadOrCreateVault(e.Vault, ts, e.BlockNumber)
	vault.Name = e.Name
	vault.Manager = e.Manager
	vault.AssetAddress = asset.Address
	// a vault seen first through a flow keeps the earliest creation point
	if vault.CreatedBlock == 0 || e.BlockNumber < vault.CreatedBlock {
		vault.CreatedAt = ts
		vault.CreatedBlock = e.BlockNumber
	}
	vault.UpdatedAt = ts
	ch.Vaults = append(ch.Vaults, *vault)
	return nil
}

func (r *Reducer) applyDeposit(st *State, e *event.Deposit, ch *Changes) error {
	if err := checkAmounts(e.Assets, e.Shares); err != nil {
		return fmt.Errorf("deposit %s: %w", e.IdempotencyKey(), err)
	}
	if e.Owner == "" {
		return fmt.Errorf("%w: deposit %s without owner", ErrMalformedEvent, e.IdempotencyKey())
	}

	ts := e.Timestamp()
	current, seen := st.Vault(e.Vault)
	if !seen {
		current = *newVault(e.Vault, ts, e.BlockNumber)
	}
	bal := st.Balance(e.Owner, e.Vault)

	// compute everything first so an overflow leaves state untouched
	totalAssets, err := safeAdd(current.TotalAssets, e.Assets)
	if err != nil {
		return err
	}
	totalSupply, err := safeAdd(current.TotalSupply, e.Shares)
	if err != nil {
		return err
	}
	totalDeposited, err := safeAdd(current.TotalDeposited, e.Assets)
	if err != nil {
		return err
	}
	userDeposited, err := safeAdd(bal.TotalDeposited, e.Assets)
	if err != nil {
		return err
	}
	userShares, err := safeAdd(bal.CurrentShares, e.Shares)
	if err != nil {
		return err
	}

	vault, _ := st.loadOrCreateVault(e.Vault, ts, e.BlockNumber)
	if seen && !vault.IsActive {
		ch.warn(WarnDepositOnInactiveVault, e.Vault, e.Owner, "deposit applied to inactive vault")
	}
	vault.TotalAssets = totalAssets
	vault.TotalSupply = totalSupply
	vault.TotalDeposited = totalDeposited
	vault.UpdatedAt = ts

	b := st.loadOrCreateBalance(e.Owner, e.Vault, ts)
	b.TotalDeposited = userDeposited
	b.CurrentShares = userShares
	b.CurrentValue = ShareValue(b.CurrentShares, *vault)
	b.UpdatedAt = ts

	user := st.refoldUser(e.Owner, ts)

	ch.Vaults = append(ch.Vaults, *vault)
	ch.Balances = append(ch.Balances, *b)
	ch.Users = append(ch.Users, copyUser(user))
	ch.Flows = append(ch.Flows, flowFrom(FlowDeposit, e.Meta, e.Vault, e.Owner, e.Assets, e.Shares))
	return nil
}

func (r *Reducer) applyRedeem(st *State, e *event.Redeem, ch *Changes) error {
	if err := checkAmounts(e.Assets, e.Shares); err != nil {
		return fmt.Errorf("redeem %s: %w", e.IdempotencyKey(), err)
	}
	if e.Owner == "" {
		return fmt.Errorf("%w: redeem %s without owner", ErrMalformedEvent, e.IdempotencyKey())
	}

	ts := e.Timestamp()
	current, seen := st.Vault(e.Vault)
	if !seen {
		current = *newVault(e.Vault, ts, e.BlockNumber)
	}
	bal := st.Balance(e.Owner, e.Vault)

	totalRedeemed, err := safeAdd(current.TotalRedeemed, e.Assets)
	if err != nil {
		return err
	}
	userRedeemed, err := safeAdd(bal.TotalRedeemed, e.Assets)
	if err != nil {
		return err
	}

	totalAssets, clamped := subClamp(current.TotalAssets, e.Assets)
	if clamped {
		ch.warn(WarnNegativeTotalAssets, e.Vault, e.Owner,
			fmt.Sprintf("redeem of %s assets exceeds total %s", e.Assets, current.TotalAssets))
	}
	totalSupply, clamped := subClamp(current.TotalSupply, e.Shares)
	if clamped {
		ch.warn(WarnNegativeTotalSupply, e.Vault, e.Owner,
			fmt.Sprintf("redeem of %s shares exceeds supply %s", e.Shares, current.TotalSupply))
	}
	userShares, clamped := subClamp(bal.CurrentShares, e.Shares)
	if clamped {
		ch.warn(WarnNegativeUserShares, e.Vault, e.Owner,
			fmt.Sprintf("redeem of %s shares exceeds held %s", e.Shares, bal.CurrentShares))
	}

	vault, _ := st.loadOrCreateVault(e.Vault, ts, e.BlockNumber)
	vault.TotalAssets = totalAssets
	vault.TotalSupply = totalSupply
	vault.TotalRedeemed = totalRedeemed
	vault.UpdatedAt = ts

	b := st.loadOrCreateBalance(e.Owner, e.Vault, ts)
	b.TotalRedeemed = userRedeemed
	b.CurrentShares = userShares
	b.CurrentValue = ShareValue(b.CurrentShares, *vault)
	b.UpdatedAt = ts

	user := st.refoldUser(e.Owner, ts)

	ch.Vaults = append(ch.Vaults, *vault)
	ch.Balances = append(ch.Balances, *b)
	ch.Users = append(ch.Users, copyUser(user))
	ch.Flows = append(ch.Flows, flowFrom(FlowRedeem, e.Meta, e.Vault, e.Owner, e.Assets, e.Shares))
	return nil
}

func (r *Reducer) applyAllocationUpdated(ctx context.Context, st *State, e *event.AllocationUpdated, ch *Changes) error {
	if _, ok := st.Vault(e.Vault); !ok {
		return fmt.Errorf("%w: allocation update for %s", ErrUnknownVault, e.Vault)
	}
	for i, entry := range e.Allocations {
		if entry.Adapter == "" {
			return fmt.Errorf("%w: allocation %d without adapter", ErrMalformedEvent, i)
		}
		if entry.Allocation < 0 || entry.Allocation > AllocationScale {
			return fmt.Errorf("%w: allocation %d out of range: %d", ErrMalformedEvent, i, entry.Allocation)
		}
	}

	ts := e.Timestamp()
	set := make([]*Allocation, 0, len(e.Allocations))
	for i, entry := range e.Allocations {
		set = append(set, &Allocation{
			VaultID:        e.Vault,
			Index:          i,
			AdapterAddress: entry.Adapter,
			AdapterType:    r.resolveAdapter(ctx, e.Vault, entry.Adapter, ch),
			Allocation:     entry.Allocation,
			UpdatedAt:      ts,
			UpdatedBlock:   e.BlockNumber,
		})
	}
	st.replaceAllocations(e.Vault, set)

	vault, _ := st.loadOrCreateVault(e.Vault, ts, e.BlockNumber)
	vault.UpdatedAt = ts

	ch.Vaults = append(ch.Vaults, *vault)
	ch.AllocationVault = e.Vault
	ch.Allocations = st.Allocations(e.Vault)
	return nil
}

func (r *Reducer) resolveAdapter(ctx context.Context, vaultID, adapter string, ch *Changes) string {
	if r.resolver == nil {
		return UnknownAdapterType
	}
	name, err := r.resolver.Resolve(ctx, adapter)
	if err != nil || name == "" {
		detail := "empty adapter name"
		if err != nil {
			detail = err.Error()
		}
		ch.warn(WarnResolverFallback, vaultID, "", fmt.Sprintf("adapter %s: %s", adapter, detail))
		return UnknownAdapterType
	}
	return name
}

func (r *Reducer) applyStatus(st *State, vaultID string, active bool, meta event.Meta, ch *Changes) error {
	if _, ok := st.Vault(vaultID); !ok {
		return fmt.Errorf("%w: status change for %s", ErrUnknownVault, vaultID)
	}
	ts := meta.Timestamp()
	vault, _ := st.loadOrCreateVault(vaultID, ts, meta.BlockNumber)
	if vault.IsActive != active {
		vault.IsActive = active
		vault.StatusChangedAt = ts
	}
	vault.UpdatedAt = ts
	ch.Vaults = append(ch.Vaults, *vault)
	return nil
}

func (r *Reducer) applyTotalAssetsSynced(st *State, e *event.TotalAssetsSynced, ch *Changes) error {
	current, ok := st.Vault(e.Vault)
	if !ok {
		return fmt.Errorf("%w: totalAssets sync for %s", ErrUnknownVault, e.Vault)
	}
	if e.TotalAssets.IsNil() || e.TotalAssets.IsNegative() {
		return fmt.Errorf("%w: negative totalAssets for %s", ErrMalformedEvent, e.Vault)
	}

	delta := e.TotalAssets.Sub(current.TotalAssets)
	yield, err := safeAdd(current.YieldReported, delta)
	if err != nil {
		return err
	}

	ts := e.Timestamp()
	vault, _ := st.loadOrCreateVault(e.Vault, ts, e.BlockNumber)
	vault.TotalAssets = e.TotalAssets
	vault.YieldReported = yield
	vault.UpdatedAt = ts
	ch.Vaults = append(ch.Vaults, *vault)
	return nil
}

// === Helpers ===

func checkAmounts(assets, shares sdkmath.Int) error {
	if assets.IsNil() || shares.IsNil() {
		return fmt.Errorf("%w: missing amount", ErrMalformedEvent)
	}
	if assets.IsNegative() || shares.IsNegative() {
		return fmt.Errorf("%w: negative amount", ErrMalformedEvent)
	}
	return nil
}

func safeAdd(a, b sdkmath.Int) (sdkmath.Int, error) {
	sum, err := a.SafeAdd(b)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: amount overflow: %v", ErrMalformedEvent, err)
	}
	return sum, nil
}

// subClamp returns max(a-b, 0) and whether the clamp fired.
func subClamp(a, b sdkmath.Int) (sdkmath.Int, bool) {
	diff := a.Sub(b)
	if diff.IsNegative() {
		return sdkmath.ZeroInt(), true
	}
	return diff, false
}

func flowFrom(kind FlowKind, meta event.Meta, vaultID, userID string, assets, shares sdkmath.Int) FlowRecord {
	return FlowRecord{
		Kind:        kind,
		VaultID:     vaultID,
		UserID:      userID,
		Assets:      assets,
		Shares:      shares,
		BlockNumber: meta.BlockNumber,
		Timestamp:   meta.BlockTime,
		TxHash:      meta.TxHash,
		LogIndex:    meta.LogIndex,
	}
}
