package analytics

import (
	"context"
	"errors"
	"time"

	"VaultLedger/internal/observability"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"
)

// VaultInput is everything needed to derive one vault's metrics.
type VaultInput struct {
	Snapshot VaultSnapshot
	Flows    []FlowEvent
	Holders  int
}

type EngineConfig struct {
	Workers   int
	QueueSize int
	Pricer    *Pricer
	Fees      FeeConfig
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Engine runs derivations on a bounded worker pool. It holds no mutable
// state besides the pool, so a cancelled request leaves nothing behind.
type Engine struct {
	pool    pond.Pool
	pricer  *Pricer
	fees    FeeConfig
	metrics *observability.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 64
	}
	if cfg.Pricer == nil {
		cfg.Pricer = NewPricer(nil, nil, nil, cfg.Metrics)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		pool:    pond.NewPool(cfg.Workers, pond.WithQueueSize(cfg.QueueSize)),
		pricer:  cfg.Pricer,
		fees:    cfg.Fees,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		logger:  observability.NewLogger("analytics"),
	}
}

func (e *Engine) Pricer() *Pricer {
	return e.pricer
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) Fees() FeeConfig {
	return e.fees
}

// Compute derives one vault's metrics on the calling goroutine.
func (e *Engine) Compute(in VaultInput) VaultMetrics {
	now := e.now()
	price := e.pricer.USDPrice(in.Snapshot.Symbol, now)
	return ComputeVaultMetrics(in.Snapshot, in.Flows, price, e.fees, in.Holders, now)
}

// Series reconstructs the daily TVL curve for lookbackDays points.
func (e *Engine) Series(in VaultInput, lookbackDays int) []Point {
	return ReconstructSeries(in.Flows, in.Snapshot.TVL(), e.now(), lookbackDays)
}

// ComputeAll derives metrics for many vaults in parallel. Results keep the
// input order. On cancellation the partial results are discarded.
func (e *Engine) ComputeAll(ctx context.Context, inputs []VaultInput) ([]VaultMetrics, error) {
	start := time.Now()
	results := make([]VaultMetrics, len(inputs))

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range inputs {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			results[i] = e.Compute(inputs[i])
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.AnalyticsDuration.WithLabelValues("compute_all").Observe(time.Since(start).Seconds())
	}
	e.logger.Debug().Int("vaults", len(inputs)).Dur("took", time.Since(start)).Msg("computed vault metrics")
	return results, nil
}

// Stop waits for running tasks and releases the pool.
func (e *Engine) Stop() {
	e.pool.StopAndWait()
}
