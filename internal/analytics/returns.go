package analytics

import (
	"math"
	"time"
)

// DaysActive is whole days since creation, at least 1.
func DaysActive(createdAt, now time.Time) float64 {
	d := math.Floor(now.Sub(createdAt).Hours() / 24)
	if d < 1 || math.IsNaN(d) {
		return 1
	}
	return d
}

// AnnualizedReturn compounds growth once from inception:
// (growth^(365/days) - 1) * 100. Zero for non-positive growth or days.
func AnnualizedReturn(growth, daysActive float64) float64 {
	if growth <= 0 || daysActive <= 0 || math.IsNaN(growth) || math.IsNaN(daysActive) {
		return 0
	}
	return sanitize((math.Pow(growth, 365/daysActive) - 1) * 100)
}

// NetDeposits sums signed flows.
func NetDeposits(flows []FlowEvent) float64 {
	var net float64
	for _, f := range flows {
		net += f.Amount
	}
	return sanitize(net)
}

// GrowthFactor is current value over net deposits, zero when net <= 0.
func GrowthFactor(current, netDeposits float64) float64 {
	if netDeposits <= 0 {
		return 0
	}
	return sanitize(current / netDeposits)
}

// PeriodReturn annualizes growth against the net deposits made inside the
// trailing window. The exponent uses min(window, days active).
func PeriodReturn(flows []FlowEvent, current float64, createdAt, now time.Time, windowDays int) float64 {
	if windowDays <= 0 {
		return 0
	}
	start := now.Add(-time.Duration(windowDays) * Day)
	var windowNet float64
	for _, f := range flows {
		if f.Timestamp.Before(start) || f.Timestamp.After(now) {
			continue
		}
		windowNet += f.Amount
	}
	if windowNet <= 0 {
		return 0
	}
	days := math.Min(float64(windowDays), DaysActive(createdAt, now))
	return AnnualizedReturn(current/windowNet, days)
}
