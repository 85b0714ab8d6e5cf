package analytics

import (
	"strings"
	"time"

	"VaultLedger/internal/observability"
	"VaultLedger/internal/pricing"
)

var (
	DefaultStableSymbols = []string{"USDC", "USDT", "DAI", "USDS", "PYUSD", "FRAX", "LUSD"}
	DefaultNativeSymbols = []string{"ETH", "WETH"}
)

// PriceQuote is a USD unit price. Fallback marks a native asset valued at 1.0
// because the oracle had no price.
type PriceQuote struct {
	Symbol   string  `json:"symbol"`
	USD      float64 `json:"usd"`
	Fallback bool    `json:"fallback"`
}

// Pricer classifies symbols. Stablecoins are 1.0, native assets come from the
// oracle, everything else is 1.0.
type Pricer struct {
	oracle  pricing.Oracle
	stable  map[string]struct{}
	native  map[string]struct{}
	metrics *observability.Metrics
}

// NewPricer builds a pricer. Nil symbol lists select the defaults; oracle may
// be nil.
func NewPricer(oracle pricing.Oracle, stable, native []string, metrics *observability.Metrics) *Pricer {
	if stable == nil {
		stable = DefaultStableSymbols
	}
	if native == nil {
		native = DefaultNativeSymbols
	}
	return &Pricer{
		oracle:  oracle,
		stable:  symbolSet(stable),
		native:  symbolSet(native),
		metrics: metrics,
	}
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return set
}

// USDPrice returns the unit price of symbol at asOf.
func (p *Pricer) USDPrice(symbol string, asOf time.Time) PriceQuote {
	sym := strings.ToUpper(symbol)
	q := PriceQuote{Symbol: sym, USD: 1}
	if _, ok := p.stable[sym]; ok {
		return q
	}
	if _, ok := p.native[sym]; !ok {
		return q
	}
	if p.oracle != nil {
		if price, ok := p.oracle.Price(sym, asOf); ok && price > 0 && sanitize(price) == price {
			q.USD = price
			return q
		}
	}
	q.Fallback = true
	if p.metrics != nil {
		p.metrics.PriceFallbacks.WithLabelValues(sym).Inc()
	}
	return q
}
