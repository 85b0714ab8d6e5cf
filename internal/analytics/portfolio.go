package analytics

import (
	"time"

	"VaultLedger/internal/ledger"
)

// Position is one user's P&L in one vault. Amounts are in whole asset units;
// the USD fields apply Price.
type Position struct {
	VaultID        string     `json:"vault_id"`
	VaultName      string     `json:"vault_name"`
	AssetSymbol    string     `json:"asset_symbol"`
	VaultActive    bool       `json:"vault_active"`
	Shares         float64    `json:"shares"`
	TotalDeposited float64    `json:"total_deposited"`
	TotalRedeemed  float64    `json:"total_redeemed"`
	CurrentValue   float64    `json:"current_value"`
	Profit         float64    `json:"profit"`
	ProfitPercent  float64    `json:"profit_percent"`
	ValueUSD       float64    `json:"value_usd"`
	ProfitUSD      float64    `json:"profit_usd"`
	Price          PriceQuote `json:"price"`
	FirstDepositAt time.Time  `json:"first_deposit_at"`
}

// ComputePosition values a balance at the vault's current exchange rate.
// profit = current + redeemed - deposited covers realized and unrealized.
func ComputePosition(bal ledger.UserVaultBalance, vault ledger.Vault, asset ledger.Asset, price PriceQuote) Position {
	bal = bal.Revalue(vault)
	dec := asset.Decimals

	deposited := ToFloat(bal.TotalDeposited, dec)
	redeemed := ToFloat(bal.TotalRedeemed, dec)
	current := ToFloat(bal.CurrentValue, dec)
	profit := sanitize(current + redeemed - deposited)

	var pct float64
	if deposited > 0 {
		pct = sanitize(profit / deposited * 100)
	}

	return Position{
		VaultID:        vault.ID,
		VaultName:      vault.Name,
		AssetSymbol:    asset.Symbol,
		VaultActive:    vault.IsActive,
		Shares:         ToFloat(bal.CurrentShares, dec),
		TotalDeposited: deposited,
		TotalRedeemed:  redeemed,
		CurrentValue:   current,
		Profit:         profit,
		ProfitPercent:  pct,
		ValueUSD:       sanitize(current * price.USD),
		ProfitUSD:      sanitize(profit * price.USD),
		Price:          price,
		FirstDepositAt: bal.FirstDepositAt,
	}
}

// PortfolioStats aggregates positions in USD, since assets differ.
type PortfolioStats struct {
	TotalValueUSD     float64  `json:"total_value_usd"`
	TotalDepositedUSD float64  `json:"total_deposited_usd"`
	TotalRedeemedUSD  float64  `json:"total_redeemed_usd"`
	TotalProfitUSD    float64  `json:"total_profit_usd"`
	ProfitPercent     float64  `json:"profit_percent"`
	ActiveVaults      []string `json:"active_vaults"`
	PositionCount     int      `json:"position_count"`
}

type Portfolio struct {
	UserID    string         `json:"user_id"`
	Positions []Position     `json:"positions"`
	Stats     PortfolioStats `json:"stats"`
}

// BuildPortfolio folds positions. ActiveVaults and PositionCount come from
// the user's balance rollup.
func BuildPortfolio(userID string, positions []Position, stats ledger.UserStats) Portfolio {
	ps := PortfolioStats{
		ActiveVaults:  stats.ActiveVaults,
		PositionCount: stats.PositionCount,
	}
	if ps.ActiveVaults == nil {
		ps.ActiveVaults = []string{}
	}
	for _, p := range positions {
		ps.TotalValueUSD += p.ValueUSD
		ps.TotalDepositedUSD += p.TotalDeposited * p.Price.USD
		ps.TotalRedeemedUSD += p.TotalRedeemed * p.Price.USD
		ps.TotalProfitUSD += p.ProfitUSD
	}
	if ps.TotalDepositedUSD > 0 {
		ps.ProfitPercent = sanitize(ps.TotalProfitUSD / ps.TotalDepositedUSD * 100)
	}
	ps.TotalValueUSD = sanitize(ps.TotalValueUSD)
	ps.TotalDepositedUSD = sanitize(ps.TotalDepositedUSD)
	ps.TotalRedeemedUSD = sanitize(ps.TotalRedeemedUSD)
	ps.TotalProfitUSD = sanitize(ps.TotalProfitUSD)
	if positions == nil {
		positions = []Position{}
	}
	return Portfolio{UserID: userID, Positions: positions, Stats: ps}
}
