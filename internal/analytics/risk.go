package analytics

import "math"

// SharpeFallback is used when volatility is zero and APY is positive.
const SharpeFallback = 5.0

// RiskMetrics are heuristics over transaction sizes, not return series.
// Proxy is always true so consumers can label them.
type RiskMetrics struct {
	Volatility  float64 `json:"volatility"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Sharpe      float64 `json:"sharpe"`
	Proxy       bool    `json:"proxy"`
}

// Volatility is the coefficient of variation (population) of positive
// deposit sizes. Zero with fewer than two deposits.
func Volatility(flows []FlowEvent) float64 {
	var sizes []float64
	for _, f := range flows {
		if f.Amount > 0 {
			sizes = append(sizes, f.Amount)
		}
	}
	if len(sizes) < 2 {
		return 0
	}
	var sum float64
	for _, s := range sizes {
		sum += s
	}
	mean := sum / float64(len(sizes))
	if mean <= 0 {
		return 0
	}
	var sq float64
	for _, s := range sizes {
		sq += (s - mean) * (s - mean)
	}
	return sanitize(math.Sqrt(sq/float64(len(sizes))) / mean)
}

// MaxDrawdown is the largest single redemption over net deposits, capped at 1.
func MaxDrawdown(flows []FlowEvent) float64 {
	net := NetDeposits(flows)
	if net <= 0 {
		return 0
	}
	var largest float64
	for _, f := range flows {
		if -f.Amount > largest {
			largest = -f.Amount
		}
	}
	return sanitize(math.Min(1, largest/net))
}

// SharpeRatio is (APY/100)/volatility, or the fallback when volatility is zero.
func SharpeRatio(apy, volatility float64) float64 {
	if volatility > 0 {
		return sanitize((apy / 100) / volatility)
	}
	if apy > 0 {
		return SharpeFallback
	}
	return 0
}

// ComputeRisk bundles the three proxies.
func ComputeRisk(flows []FlowEvent, apy float64) RiskMetrics {
	vol := Volatility(flows)
	return RiskMetrics{
		Volatility:  vol,
		MaxDrawdown: MaxDrawdown(flows),
		Sharpe:      SharpeRatio(apy, vol),
		Proxy:       true,
	}
}
