package analytics

// FeeConfig holds annual fee rates as fractions (0.02 = 2%).
type FeeConfig struct {
	ManagementRate  float64 `json:"management_rate"`
	PerformanceRate float64 `json:"performance_rate"`
}

// DefaultFeeConfig charges 2% management and 20% performance.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{ManagementRate: 0.02, PerformanceRate: 0.20}
}

// ManagementFee is straight-line: value * rate * days / 365.
func ManagementFee(valueUSD, rate, daysHeld float64) float64 {
	if valueUSD <= 0 || rate <= 0 || daysHeld <= 0 {
		return 0
	}
	return sanitize(valueUSD * rate * daysHeld / 365)
}

// PerformanceFee is charged on positive profit only.
func PerformanceFee(profitUSD, rate float64) float64 {
	if profitUSD <= 0 || rate <= 0 {
		return 0
	}
	return sanitize(profitUSD * rate)
}

// RevenueSeries accrues one day of management fee per step over a TVL
// series. The first point is zero.
func RevenueSeries(tvl []Point, priceUSD, rate float64) []Point {
	out := make([]Point, len(tvl))
	var accrued float64
	for i, p := range tvl {
		if i > 0 {
			accrued += ManagementFee(tvl[i-1].Value*priceUSD, rate, 1)
		}
		out[i] = Point{Timestamp: p.Timestamp, Value: sanitize(accrued)}
	}
	return out
}
