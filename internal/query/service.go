package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"VaultLedger/internal/analytics"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/ranking"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidArgument marks a request the caller must fix.
var ErrInvalidArgument = errors.New("invalid argument")

// MaxLookbackDays bounds series requests.
const MaxLookbackDays = 365

// defaultDecimals applies to vaults whose asset was never announced.
const defaultDecimals = 18

// Watermark reports the last sequence in the event log.
type Watermark interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Service is the read-only analytics API over the entity store. It holds no
// mutable state and is safe for concurrent use.
type Service struct {
	reader    persistence.Reader
	watermark Watermark
	engine    *analytics.Engine
	metrics   *observability.Metrics
}

func NewService(reader persistence.Reader, watermark Watermark, engine *analytics.Engine, metrics *observability.Metrics) *Service {
	return &Service{reader: reader, watermark: watermark, engine: engine, metrics: metrics}
}

// GetVaultSeries returns lookbackDays daily TVL points and the matching
// management-fee revenue curve.
func (s *Service) GetVaultSeries(ctx context.Context, vaultID string, lookbackDays int) (resp *SeriesResponse, err error) {
	defer s.observe("series", time.Now(), &err)

	if lookbackDays < 1 || lookbackDays > MaxLookbackDays {
		return nil, fmt.Errorf("%w: days must be in [1, %d]", ErrInvalidArgument, MaxLookbackDays)
	}
	asOf, err := s.asOf(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.vaultInput(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	tvl := s.engine.Series(in, lookbackDays)
	price := s.engine.Pricer().USDPrice(in.Snapshot.Symbol, s.engine.Now())
	return &SeriesResponse{
		VaultID:      in.Snapshot.VaultID,
		LookbackDays: lookbackDays,
		TVL:          tvl,
		Revenue:      analytics.RevenueSeries(tvl, price.USD, s.fees().ManagementRate),
		AsOfSequence: asOf,
	}, nil
}

// GetVaultMetrics returns APY, fees and risk proxies for one vault.
func (s *Service) GetVaultMetrics(ctx context.Context, vaultID string) (resp *MetricsResponse, err error) {
	defer s.observe("metrics", time.Now(), &err)

	asOf, err := s.asOf(ctx)
	if err != nil {
		return nil, err
	}
	in, err := s.vaultInput(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	return &MetricsResponse{VaultMetrics: s.engine.Compute(in), AsOfSequence: asOf}, nil
}

// GetVaultAllocations returns the vault's live allocation set by index.
func (s *Service) GetVaultAllocations(ctx context.Context, vaultID string) (resp *AllocationsResponse, err error) {
	defer s.observe("allocations", time.Now(), &err)

	id, err := normalizeAddress(vaultID)
	if err != nil {
		return nil, err
	}
	asOf, err := s.asOf(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.reader.GetVault(ctx, id); err != nil {
		return nil, fmt.Errorf("vault %s: %w", id, err)
	}
	allocs, err := s.reader.GetAllocations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("allocations %s: %w", id, err)
	}
	slices.SortStableFunc(allocs, func(a, b ledger.Allocation) int { return a.Index - b.Index })

	out := &AllocationsResponse{VaultID: id, Allocations: make([]AllocationView, 0, len(allocs)), AsOfSequence: asOf}
	for _, a := range allocs {
		if a.Superseded {
			continue
		}
		pct := float64(a.Allocation) / ledger.AllocationScale * 100
		out.TotalPercent += pct
		out.Allocations = append(out.Allocations, AllocationView{
			Index:          a.Index,
			AdapterAddress: a.AdapterAddress,
			AdapterType:    a.AdapterType,
			Allocation:     a.Allocation,
			Percent:        pct,
			UpdatedAt:      a.UpdatedAt,
			UpdatedBlock:   a.UpdatedBlock,
		})
	}
	return out, nil
}

// GetUserPortfolio values every position of the user, largest first. An
// unknown user gets an empty portfolio. Stats are folded from balances on
// read.
func (s *Service) GetUserPortfolio(ctx context.Context, userID string) (resp *PortfolioResponse, err error) {
	defer s.observe("portfolio", time.Now(), &err)

	id, err := normalizeAddress(userID)
	if err != nil {
		return nil, err
	}
	asOf, err := s.asOf(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := s.reader.ListUserBalances(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("balances %s: %w", id, err)
	}

	now := s.engine.Now()
	positions := make([]analytics.Position, 0, len(balances))
	for _, b := range balances {
		vault, err := s.reader.GetVault(ctx, b.VaultID)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", b.VaultID, err)
		}
		asset, err := s.assetOf(ctx, vault)
		if err != nil {
			return nil, err
		}
		price := s.engine.Pricer().USDPrice(asset.Symbol, now)
		positions = append(positions, analytics.ComputePosition(b, vault, asset, price))
	}
	if err := ranking.SortPositions(positions, ranking.KeyValue, true); err != nil {
		return nil, err
	}

	stats := ledger.ComputeUserStats(id, balances)
	return &PortfolioResponse{Portfolio: analytics.BuildPortfolio(id, positions, stats), AsOfSequence: asOf}, nil
}

// ListVaults derives metrics for every vault, then filters and sorts the
// materialized collection. An empty sort key keeps store order.
func (s *Service) ListVaults(ctx context.Context, filter ranking.Filter, sortKey string, desc bool) (resp *VaultListResponse, err error) {
	defer s.observe("list_vaults", time.Now(), &err)

	asOf, err := s.asOf(ctx)
	if err != nil {
		return nil, err
	}
	vaults, err := s.reader.ListVaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}

	inputs := make([]analytics.VaultInput, 0, len(vaults))
	for _, v := range vaults {
		in, err := s.inputFor(ctx, v)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}

	all, err := s.engine.ComputeAll(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("compute metrics: %w", err)
	}
	items := filter.Apply(all)
	if sortKey != "" {
		if err := ranking.SortVaults(items, sortKey, desc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return &VaultListResponse{Vaults: items, Total: len(items), AsOfSequence: asOf}, nil
}

func (s *Service) vaultInput(ctx context.Context, vaultID string) (analytics.VaultInput, error) {
	id, err := normalizeAddress(vaultID)
	if err != nil {
		return analytics.VaultInput{}, err
	}
	v, err := s.reader.GetVault(ctx, id)
	if err != nil {
		return analytics.VaultInput{}, fmt.Errorf("vault %s: %w", id, err)
	}
	return s.inputFor(ctx, v)
}

func (s *Service) inputFor(ctx context.Context, v ledger.Vault) (analytics.VaultInput, error) {
	asset, err := s.assetOf(ctx, v)
	if err != nil {
		return analytics.VaultInput{}, err
	}
	records, err := s.reader.ListFlows(ctx, v.ID)
	if err != nil {
		return analytics.VaultInput{}, fmt.Errorf("flows %s: %w", v.ID, err)
	}
	holders, err := s.reader.CountHolders(ctx, v.ID)
	if err != nil {
		return analytics.VaultInput{}, fmt.Errorf("holders %s: %w", v.ID, err)
	}
	return analytics.VaultInput{
		Snapshot: analytics.SnapshotOf(v, asset),
		Flows:    analytics.FlowsFromRecords(records, asset.Decimals),
		Holders:  holders,
	}, nil
}

func (s *Service) assetOf(ctx context.Context, v ledger.Vault) (ledger.Asset, error) {
	if v.AssetAddress == "" {
		return ledger.Asset{Decimals: defaultDecimals}, nil
	}
	a, err := s.reader.GetAsset(ctx, v.AssetAddress)
	if errors.Is(err, persistence.ErrNotFound) {
		return ledger.Asset{Address: v.AssetAddress, Decimals: defaultDecimals}, nil
	}
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("asset %s: %w", v.AssetAddress, err)
	}
	return a, nil
}

func (s *Service) asOf(ctx context.Context) (int64, error) {
	if s.watermark == nil {
		return 0, nil
	}
	seq, err := s.watermark.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}

func (s *Service) fees() analytics.FeeConfig {
	return s.engine.Fees()
}

func (s *Service) observe(endpoint string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *err != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint).Inc()
	}
}

func normalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q is not an address", ErrInvalidArgument, s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}
