// Package analytics derives time series, returns, fees, risk proxies and
// portfolio P&L from flow records and the current vault snapshot. Every
// function is pure; no NaN or Inf leaves the package.
package analytics

import (
	"math"
	"math/big"
	"time"

	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
)

// FlowEvent is a signed cash-flow delta in whole asset units: positive for a
// deposit, negative for a redemption.
type FlowEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
}

// ToFloat scales an integer amount by 10^decimals.
func ToFloat(amount sdkmath.Int, decimals uint8) float64 {
	if amount.IsNil() || amount.IsZero() {
		return 0
	}
	if decimals <= sdkmath.LegacyPrecision && amount.BigInt().BitLen() <= 192 {
		f, err := sdkmath.LegacyNewDecFromIntWithPrec(amount, int64(decimals)).Float64()
		if err == nil {
			return sanitize(f)
		}
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	q := new(big.Float).Quo(new(big.Float).SetInt(amount.BigInt()), new(big.Float).SetInt(scale))
	f, _ := q.Float64()
	return sanitize(f)
}

// FlowsFromRecords converts ledger flow records into signed flow events.
func FlowsFromRecords(records []ledger.FlowRecord, decimals uint8) []FlowEvent {
	flows := make([]FlowEvent, 0, len(records))
	for _, r := range records {
		amt := ToFloat(r.Assets, decimals)
		switch r.Kind {
		case ledger.FlowDeposit:
		case ledger.FlowRedeem:
			amt = -amt
		default:
			continue
		}
		flows = append(flows, FlowEvent{Timestamp: r.Timestamp, Amount: amt})
	}
	return flows
}

func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
