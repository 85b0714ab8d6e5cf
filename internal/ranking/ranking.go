// Package ranking sorts and filters materialized vault and position views.
package ranking

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"VaultLedger/internal/analytics"
)

// Vault sort keys.
const (
	KeyTVL       = "tvl"
	KeyAPY       = "apy"
	KeyRevenue7d = "revenue7d"
	KeyUsers     = "users"
	KeySharpe    = "sharpe"
)

// Position sort keys.
const (
	KeyValue         = "value"
	KeyProfit        = "profit"
	KeyProfitPercent = "profit_percent"
)

// ErrUnknownKey is returned for an unsupported sort key.
var ErrUnknownKey = errors.New("unknown sort key")

var vaultKeys = map[string]func(analytics.VaultMetrics) float64{
	KeyTVL:       func(m analytics.VaultMetrics) float64 { return m.TVLUSD },
	KeyAPY:       func(m analytics.VaultMetrics) float64 { return m.APY },
	KeyRevenue7d: func(m analytics.VaultMetrics) float64 { return m.Fees.Revenue7dUSD },
	KeyUsers:     func(m analytics.VaultMetrics) float64 { return float64(m.Holders) },
	KeySharpe:    func(m analytics.VaultMetrics) float64 { return m.Risk.Sharpe },
}

var positionKeys = map[string]func(analytics.Position) float64{
	KeyValue:         func(p analytics.Position) float64 { return p.ValueUSD },
	KeyProfit:        func(p analytics.Position) float64 { return p.ProfitUSD },
	KeyProfitPercent: func(p analytics.Position) float64 { return p.ProfitPercent },
}

// SortVaults sorts in place. Equal keys keep their input order in both
// directions.
func SortVaults(items []analytics.VaultMetrics, key string, desc bool) error {
	get, ok := vaultKeys[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	sortStable(items, get, desc)
	return nil
}

// SortPositions sorts in place with the same stability guarantee.
func SortPositions(items []analytics.Position, key string, desc bool) error {
	get, ok := positionKeys[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	sortStable(items, get, desc)
	return nil
}

func sortStable[T any](items []T, get func(T) float64, desc bool) {
	slices.SortStableFunc(items, func(a, b T) int {
		c := cmp.Compare(get(a), get(b))
		if desc {
			return -c
		}
		return c
	})
}

// Filter is a conjunction of optional predicates. Empty fields match all.
type Filter struct {
	Status      string
	AssetSymbol string
	Search      string
}

// Match reports whether m passes every set predicate. Search is
// case-insensitive over name, address and symbol.
func (f Filter) Match(m analytics.VaultMetrics) bool {
	if f.Status != "" && !strings.EqualFold(f.Status, m.Status) {
		return false
	}
	if f.AssetSymbol != "" && !strings.EqualFold(f.AssetSymbol, m.AssetSymbol) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(m.Name), q) &&
			!strings.Contains(strings.ToLower(m.VaultID), q) &&
			!strings.Contains(strings.ToLower(m.AssetSymbol), q) {
			return false
		}
	}
	return true
}

// Apply returns the matching items in input order.
func (f Filter) Apply(items []analytics.VaultMetrics) []analytics.VaultMetrics {
	out := make([]analytics.VaultMetrics, 0, len(items))
	for _, m := range items {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}
