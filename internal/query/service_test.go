package query_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"VaultLedger/internal/analytics"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/query"
	"VaultLedger/internal/ranking"
	"VaultLedger/internal/resolver"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcVault = "0x00000000000000000000000000000000000000a1"
	wethVault = "0x00000000000000000000000000000000000000b2"
	alice     = "0x000000000000000000000000000000000000a11c"
	bob       = "0x0000000000000000000000000000000000000b0b"
	usdc      = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth      = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	aaveAd    = "0x00000000000000000000000000000000000ad001"
	compAd    = "0x00000000000000000000000000000000000ad002"
)

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	ix      *core.Indexer
	persist chan core.Output
	store   *persistence.MemoryStore
	block   uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.Output, 64)
	ix, err := core.NewIndexer(core.Config{
		LRUCapacity: 1024,
		Resolver:    resolver.Static{aaveAd: "AaveV3Adapter", compAd: "CompoundV3Adapter"},
		Encode:      ingestion.EncodeEvent,
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{t: t, ix: ix, persist: persist, store: persistence.NewMemoryStore()}
}

func (h *harness) meta(at time.Time) event.Meta {
	h.block++
	return event.Meta{TxHash: fmt.Sprintf("0x%064x", h.block), BlockNumber: h.block, BlockTime: at}
}

// apply runs the event through the indexer and flushes the output to the store.
func (h *harness) apply(evt event.Event) {
	h.t.Helper()
	require.NoError(h.t, h.ix.ProcessEvent(context.Background(), evt))
	out := <-h.persist
	require.NoError(h.t, h.store.WriteBatch(context.Background(), []persistence.Record{{
		Event:   persistence.EventRowFromEnvelope(out.Envelope),
		Changes: out.Changes,
	}}))
}

func (h *harness) create(vault, name, assetAddr, symbol string, decimals uint8, at time.Time) {
	h.apply(&event.VaultCreated{
		Meta: h.meta(at), Vault: vault, Name: name, Manager: bob,
		Asset: event.AssetInfo{Address: assetAddr, Symbol: symbol, Name: symbol, Decimals: decimals},
	})
}

func (h *harness) deposit(vault, user string, amount sdkmath.Int, at time.Time) {
	h.apply(&event.Deposit{Meta: h.meta(at), Vault: vault, Sender: user, Owner: user, Assets: amount, Shares: amount})
}

func units(n int64, decimals int) sdkmath.Int {
	return sdkmath.NewIntWithDecimal(n, decimals)
}

func newService(h *harness, now time.Time) *query.Service {
	engine := analytics.NewEngine(analytics.EngineConfig{
		Workers: 2,
		Fees:    analytics.DefaultFeeConfig(),
		Now:     func() time.Time { return now },
	})
	h.t.Cleanup(engine.Stop)
	return query.NewService(h.store, h.store, engine, nil)
}

// One user, one vault, yield lifts 1000 to 1100 over thirty days.
func TestService_YieldScenario(t *testing.T) {
	h := newHarness(t)
	h.create(usdcVault, "USDC Prime", usdc, "USDC", 6, day0)
	h.deposit(usdcVault, alice, units(1000, 6), day0)
	h.apply(&event.TotalAssetsSynced{Meta: h.meta(day0.Add(30 * analytics.Day)), Vault: usdcVault, TotalAssets: units(1100, 6)})

	svc := newService(h, day0.Add(30*analytics.Day))
	ctx := context.Background()

	p, err := svc.GetUserPortfolio(ctx, alice)
	require.NoError(t, err)
	require.Len(t, p.Positions, 1)
	assert.InDelta(t, 1100.0, p.Positions[0].CurrentValue, 1e-9)
	assert.InDelta(t, 100.0, p.Positions[0].Profit, 1e-9)
	assert.InDelta(t, 10.0, p.Positions[0].ProfitPercent, 1e-9)
	assert.Equal(t, []string{usdcVault}, p.Stats.ActiveVaults)
	assert.Equal(t, int64(3), p.AsOfSequence)

	s, err := svc.GetVaultSeries(ctx, usdcVault, 30)
	require.NoError(t, err)
	require.Len(t, s.TVL, 30)
	assert.InDelta(t, 1100.0, s.TVL[29].Value, 1e-9)
	assert.InDelta(t, 1100.0, s.TVL[0].Value, 1e-9)
	require.Len(t, s.Revenue, 30)
	assert.Greater(t, s.Revenue[29].Value, 0.0)

	m, err := svc.GetVaultMetrics(ctx, usdcVault)
	require.NoError(t, err)
	assert.InDelta(t, 1100.0, m.TVL, 1e-9)
	assert.Equal(t, 1, m.Holders)
	assert.Greater(t, m.APY, 0.0)
	assert.InDelta(t, 20.0, m.Fees.PerformanceFeeUSD, 1e-9)
	assert.True(t, m.Risk.Proxy)
}

func TestService_ZeroDepositVaultMetrics(t *testing.T) {
	h := newHarness(t)
	h.create(usdcVault, "Empty", usdc, "USDC", 6, day0)
	svc := newService(h, day0.Add(10*analytics.Day))

	m, err := svc.GetVaultMetrics(context.Background(), usdcVault)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.APY)
	assert.Equal(t, 0.0, m.APY30d)
	assert.Equal(t, analytics.FeeMetrics{}, m.Fees)
	assert.Equal(t, 0.0, m.Risk.Sharpe)
}

func TestService_AllocationsSupersede(t *testing.T) {
	h := newHarness(t)
	h.create(usdcVault, "USDC Prime", usdc, "USDC", 6, day0)
	h.apply(&event.AllocationUpdated{Meta: h.meta(day0.Add(time.Hour)), Vault: usdcVault, Allocations: []event.AllocationEntry{
		{Adapter: aaveAd, Allocation: 600}, {Adapter: compAd, Allocation: 400},
	}})
	h.apply(&event.AllocationUpdated{Meta: h.meta(day0.Add(2 * time.Hour)), Vault: usdcVault, Allocations: []event.AllocationEntry{
		{Adapter: compAd, Allocation: 1000},
	}})

	svc := newService(h, day0.Add(analytics.Day))
	resp, err := svc.GetVaultAllocations(context.Background(), usdcVault)
	require.NoError(t, err)
	require.Len(t, resp.Allocations, 1, "shrinking set leaves no stale slots")
	assert.Equal(t, "CompoundV3Adapter", resp.Allocations[0].AdapterType)
	assert.InDelta(t, 100.0, resp.TotalPercent, 1e-9)
}

func TestService_ListVaultsFiltersAndSorts(t *testing.T) {
	h := newHarness(t)
	h.create(usdcVault, "USDC Prime", usdc, "USDC", 6, day0)
	h.create(wethVault, "ETH Core", weth, "WETH", 18, day0)
	h.deposit(usdcVault, alice, units(500, 6), day0.Add(time.Hour))
	h.deposit(wethVault, bob, units(2, 18), day0.Add(2*time.Hour))
	h.deposit(wethVault, alice, units(1, 18), day0.Add(3*time.Hour))

	svc := newService(h, day0.Add(5*analytics.Day))
	ctx := context.Background()

	all, err := svc.ListVaults(ctx, ranking.Filter{}, ranking.KeyUsers, true)
	require.NoError(t, err)
	require.Equal(t, 2, all.Total)
	assert.Equal(t, wethVault, all.Vaults[0].VaultID)
	assert.Equal(t, 2, all.Vaults[0].Holders)

	usd, err := svc.ListVaults(ctx, ranking.Filter{AssetSymbol: "usdc"}, "", false)
	require.NoError(t, err)
	require.Len(t, usd.Vaults, 1)
	assert.Equal(t, "USDC Prime", usd.Vaults[0].Name)

	_, err = svc.ListVaults(ctx, ranking.Filter{}, "color", true)
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
}

func TestService_Errors(t *testing.T) {
	h := newHarness(t)
	svc := newService(h, day0)
	ctx := context.Background()

	_, err := svc.GetVaultMetrics(ctx, usdcVault)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = svc.GetVaultSeries(ctx, usdcVault, 0)
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	_, err = svc.GetVaultSeries(ctx, usdcVault, query.MaxLookbackDays+1)
	assert.ErrorIs(t, err, query.ErrInvalidArgument)

	_, err = svc.GetUserPortfolio(ctx, "alice")
	assert.ErrorIs(t, err, query.ErrInvalidArgument)

	p, err := svc.GetUserPortfolio(ctx, alice)
	require.NoError(t, err, "untouched users read as empty")
	assert.Empty(t, p.Positions)
	assert.Equal(t, 0.0, p.Stats.TotalValueUSD)
}
