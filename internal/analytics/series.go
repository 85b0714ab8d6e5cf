package analytics

import (
	"math"
	"slices"
	"time"
)

// Day is the series step.
const Day = 24 * time.Hour

// Point is one sample of a reconstructed series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ReconstructSeries rebuilds a daily value curve without stored history. The
// starting value is current minus every flow, floored at zero; each boundary
// now-(N-1-i) days adds the flows at or before it. The running value never
// drops below zero. Runs in O(events + days) after sorting.
func ReconstructSeries(flows []FlowEvent, current float64, now time.Time, lookbackDays int) []Point {
	if lookbackDays <= 0 {
		return []Point{}
	}
	sorted := sortFlows(flows)

	var total float64
	for _, f := range sorted {
		total += f.Amount
	}
	cumulative := math.Max(0, sanitize(current-total))

	points := make([]Point, 0, lookbackDays)
	next := 0
	for i := 0; i < lookbackDays; i++ {
		boundary := now.Add(-time.Duration(lookbackDays-1-i) * Day)
		for next < len(sorted) && !sorted[next].Timestamp.After(boundary) {
			cumulative += sorted[next].Amount
			next++
		}
		if cumulative < 0 {
			cumulative = 0
		}
		points = append(points, Point{Timestamp: boundary, Value: sanitize(cumulative)})
	}
	return points
}

func sortFlows(flows []FlowEvent) []FlowEvent {
	sorted := slices.Clone(flows)
	slices.SortStableFunc(sorted, func(a, b FlowEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return sorted
}
