package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCache stores quotes as "<price>|<unix seconds>" under <prefix><SYMBOL>.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	return &RedisCache{rdb: rdb, prefix: "vaultledger:price:", ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (decimal.Decimal, time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, c.prefix+strings.ToUpper(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Decimal{}, time.Time{}, false, nil
	}
	if err != nil {
		return decimal.Decimal{}, time.Time{}, false, err
	}
	p, at, err := decodeQuote(v)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, false, err
	}
	return p, at, true, nil
}

func (c *RedisCache) Set(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	return c.rdb.Set(ctx, c.prefix+strings.ToUpper(symbol), encodeQuote(price, at), c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func encodeQuote(p decimal.Decimal, at time.Time) string {
	return fmt.Sprintf("%s|%d", p.String(), at.Unix())
}

func decodeQuote(v string) (decimal.Decimal, time.Time, error) {
	priceStr, tsStr, ok := strings.Cut(v, "|")
	if !ok {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("malformed cached quote %q", v)
	}
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("cached price: %w", err)
	}
	var ts int64
	if _, err := fmt.Sscan(tsStr, &ts); err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("cached timestamp: %w", err)
	}
	return p, time.Unix(ts, 0).UTC(), nil
}
