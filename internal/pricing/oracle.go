// Package pricing supplies USD spot prices for vault assets.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"VaultLedger/internal/observability"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Oracle returns the USD spot price of a symbol. ok is false when no usable
// price is known.
type Oracle interface {
	Price(symbol string, asOf time.Time) (float64, bool)
}

// StaticOracle serves fixed prices. Symbols are matched case-insensitively.
type StaticOracle map[string]decimal.Decimal

func (s StaticOracle) Price(symbol string, _ time.Time) (float64, bool) {
	p, ok := s[strings.ToUpper(symbol)]
	if !ok || !p.IsPositive() {
		return 0, false
	}
	return p.InexactFloat64(), true
}

// Source fetches current prices for a set of symbols.
type Source interface {
	Fetch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Cache shares prices between instances.
type Cache interface {
	Get(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool, error)
	Set(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// RefreshConfig configures a RefreshingOracle. Cache is optional.
type RefreshConfig struct {
	Source   Source
	Cache    Cache
	Symbols  []string
	Interval time.Duration
	MaxAge   time.Duration
	Metrics  *observability.Metrics
}

// RefreshingOracle keeps an in-memory quote table refreshed on a schedule.
// When the source fails, quotes fall back to the shared cache.
type RefreshingOracle struct {
	source   Source
	cache    Cache
	symbols  []string
	interval time.Duration
	maxAge   time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote

	sched gocron.Scheduler
}

func NewRefreshingOracle(cfg RefreshConfig) (*RefreshingOracle, error) {
	if cfg.Source == nil {
		return nil, errors.New("pricing: source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * cfg.Interval
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, strings.ToUpper(s))
	}
	return &RefreshingOracle{
		source:   cfg.Source,
		cache:    cfg.Cache,
		symbols:  symbols,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		metrics:  cfg.Metrics,
		logger:   observability.NewLogger("pricing"),
		now:      time.Now,
		quotes:   make(map[string]quote),
	}, nil
}

// Price returns the latest quote unless it is older than MaxAge.
func (o *RefreshingOracle) Price(symbol string, _ time.Time) (float64, bool) {
	o.mu.RLock()
	q, ok := o.quotes[strings.ToUpper(symbol)]
	o.mu.RUnlock()
	if !ok || o.now().Sub(q.at) > o.maxAge {
		return 0, false
	}
	return q.price.InexactFloat64(), true
}

// Refresh fetches every configured symbol once.
func (o *RefreshingOracle) Refresh(ctx context.Context) error {
	if len(o.symbols) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.interval)
	defer cancel()

	prices, err := o.source.Fetch(ctx, o.symbols)
	if err != nil {
		o.countError("all")
		o.logger.Warn().Err(err).Msg("price fetch failed, falling back to cache")
		return errors.Join(fmt.Errorf("fetch prices: %w", err), o.loadFromCache(ctx))
	}

	now := o.now()
	o.mu.Lock()
	for sym, p := range prices {
		if p.IsPositive() {
			o.quotes[strings.ToUpper(sym)] = quote{price: p, at: now}
		}
	}
	o.mu.Unlock()
	for _, sym := range o.symbols {
		if _, ok := prices[sym]; !ok {
			o.countError(sym)
		}
	}

	if o.cache != nil {
		for sym, p := range prices {
			if err := o.cache.Set(ctx, strings.ToUpper(sym), p, now); err != nil {
				o.logger.Warn().Err(err).Str("symbol", sym).Msg("price cache write failed")
			}
		}
	}
	return nil
}

func (o *RefreshingOracle) loadFromCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	var errs []error
	for _, sym := range o.symbols {
		p, at, ok, err := o.cache.Get(ctx, sym)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache get %s: %w", sym, err))
			continue
		}
		if !ok {
			continue
		}
		o.mu.Lock()
		if cur, have := o.quotes[sym]; !have || at.After(cur.at) {
			o.quotes[sym] = quote{price: p, at: at}
		}
		o.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (o *RefreshingOracle) countError(symbol string) {
	if o.metrics != nil {
		o.metrics.PriceRefreshErrors.WithLabelValues(symbol).Inc()
	}
}

// Start runs an initial refresh and schedules the rest with gocron.
func (o *RefreshingOracle) Start(ctx context.Context) error {
	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("initial price refresh failed")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(o.interval),
		gocron.NewTask(func() {
			if err := o.Refresh(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("scheduled price refresh failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule price refresh: %w", err)
	}
	sched.Start()
	o.sched = sched
	o.logger.Info().Dur("interval", o.interval).Strs("symbols", o.symbols).Msg("price refresh scheduled")
	return nil
}

// Stop shuts the scheduler down.
func (o *RefreshingOracle) Stop() error {
	if o.sched == nil {
		return nil
	}
	return o.sched.Shutdown()
}
