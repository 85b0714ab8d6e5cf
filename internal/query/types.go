package query

import (
	"time"

	"VaultLedger/internal/analytics"
)

// All responses carry as_of_sequence: the last event sequence in the log
// when the read started.

type SeriesResponse struct {
	VaultID      string            `json:"vault_id"`
	LookbackDays int               `json:"lookback_days"`
	TVL          []analytics.Point `json:"tvl"`
	Revenue      []analytics.Point `json:"revenue"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

type MetricsResponse struct {
	analytics.VaultMetrics
	AsOfSequence int64 `json:"as_of_sequence"`
}

type AllocationView struct {
	Index          int       `json:"index"`
	AdapterAddress string    `json:"adapter_address"`
	AdapterType    string    `json:"adapter_type"`
	Allocation     int64     `json:"allocation"`
	Percent        float64   `json:"percent"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBlock   uint64    `json:"updated_block"`
}

type AllocationsResponse struct {
	VaultID      string           `json:"vault_id"`
	Allocations  []AllocationView `json:"allocations"`
	TotalPercent float64          `json:"total_percent"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

type PortfolioResponse struct {
	analytics.Portfolio
	AsOfSequence int64 `json:"as_of_sequence"`
}

type VaultListResponse struct {
	Vaults       []analytics.VaultMetrics `json:"vaults"`
	Total        int                      `json:"total"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}
