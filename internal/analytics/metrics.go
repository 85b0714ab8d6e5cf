package analytics

import (
	"time"

	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
)

// VaultSnapshot is the current state analytics needs from a vault.
type VaultSnapshot struct {
	VaultID     string
	Name        string
	Symbol      string
	Decimals    uint8
	IsActive    bool
	TotalAssets sdkmath.Int
	TotalSupply sdkmath.Int
	CreatedAt   time.Time
}

// SnapshotOf builds a snapshot from ledger entities.
func SnapshotOf(v ledger.Vault, a ledger.Asset) VaultSnapshot {
	return VaultSnapshot{
		VaultID:     v.ID,
		Name:        v.Name,
		Symbol:      a.Symbol,
		Decimals:    a.Decimals,
		IsActive:    v.IsActive,
		TotalAssets: v.TotalAssets,
		TotalSupply: v.TotalSupply,
		CreatedAt:   v.CreatedAt,
	}
}

// TVL is total assets in whole asset units.
func (s VaultSnapshot) TVL() float64 {
	return ToFloat(s.TotalAssets, s.Decimals)
}

// SharePrice is assets per share in raw units, zero with no supply.
func (s VaultSnapshot) SharePrice() float64 {
	supply := ToFloat(s.TotalSupply, 0)
	if supply <= 0 {
		return 0
	}
	return sanitize(ToFloat(s.TotalAssets, 0) / supply)
}

type FeeMetrics struct {
	ManagementFeeUSD  float64 `json:"management_fee_usd"`
	PerformanceFeeUSD float64 `json:"performance_fee_usd"`
	Revenue7dUSD      float64 `json:"revenue_7d_usd"`
}

// VaultMetrics is the derived view of one vault.
type VaultMetrics struct {
	VaultID      string      `json:"vault_id"`
	Name         string      `json:"name"`
	AssetSymbol  string      `json:"asset_symbol"`
	Status       string      `json:"status"`
	TVL          float64     `json:"tvl"`
	TVLUSD       float64     `json:"tvl_usd"`
	SharePrice   float64     `json:"share_price"`
	NetDeposits  float64     `json:"net_deposits"`
	GrowthFactor float64     `json:"growth_factor"`
	DaysActive   float64     `json:"days_active"`
	APY          float64     `json:"apy"`
	APY30d       float64     `json:"apy_30d"`
	APY90d       float64     `json:"apy_90d"`
	Fees         FeeMetrics  `json:"fees"`
	Risk         RiskMetrics `json:"risk"`
	Price        PriceQuote  `json:"price"`
	Holders      int         `json:"holders"`
	ComputedAt   time.Time   `json:"computed_at"`
}

// ComputeVaultMetrics derives every metric of one vault at now.
func ComputeVaultMetrics(snap VaultSnapshot, flows []FlowEvent, price PriceQuote, fees FeeConfig, holders int, now time.Time) VaultMetrics {
	tvl := snap.TVL()
	net := NetDeposits(flows)
	growth := GrowthFactor(tvl, net)
	days := DaysActive(snap.CreatedAt, now)
	apy := AnnualizedReturn(growth, days)

	status := ledger.StatusInactive
	if snap.IsActive {
		status = ledger.StatusActive
	}

	tvlUSD := sanitize(tvl * price.USD)
	var profitUSD float64
	if net > 0 {
		profitUSD = sanitize((tvl - net) * price.USD)
	}
	revenue := RevenueSeries(ReconstructSeries(flows, tvl, now, 7), price.USD, fees.ManagementRate)

	m := VaultMetrics{
		VaultID:      snap.VaultID,
		Name:         snap.Name,
		AssetSymbol:  snap.Symbol,
		Status:       status,
		TVL:          tvl,
		TVLUSD:       tvlUSD,
		SharePrice:   snap.SharePrice(),
		NetDeposits:  net,
		GrowthFactor: growth,
		DaysActive:   days,
		APY:          apy,
		APY30d:       PeriodReturn(flows, tvl, snap.CreatedAt, now, 30),
		APY90d:       PeriodReturn(flows, tvl, snap.CreatedAt, now, 90),
		Fees: FeeMetrics{
			ManagementFeeUSD:  ManagementFee(tvlUSD, fees.ManagementRate, days),
			PerformanceFeeUSD: PerformanceFee(profitUSD, fees.PerformanceRate),
		},
		Risk:       ComputeRisk(flows, apy),
		Price:      price,
		Holders:    holders,
		ComputedAt: now,
	}
	if n := len(revenue); n > 0 {
		m.Fees.Revenue7dUSD = revenue[n-1].Value
	}
	return m
}
