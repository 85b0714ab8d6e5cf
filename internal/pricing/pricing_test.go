package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	prices map[string]decimal.Decimal
	err    error
	calls  atomic.Int32
}

func (f *fakeSource) Fetch(context.Context, []string) (map[string]decimal.Decimal, error) {
	f.calls.Add(1)
	return f.prices, f.err
}

type memCache struct {
	mu     sync.Mutex
	quotes map[string]string
}

func (m *memCache) Get(_ context.Context, symbol string) (decimal.Decimal, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.quotes[symbol]
	if !ok {
		return decimal.Decimal{}, time.Time{}, false, nil
	}
	p, at, err := decodeQuote(v)
	return p, at, err == nil, err
}

func (m *memCache) Set(_ context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = encodeQuote(price, at)
	return nil
}

func TestStaticOracle(t *testing.T) {
	o := StaticOracle{"ETH": decimal.RequireFromString("3000.5")}
	p, ok := o.Price("eth", time.Now())
	require.True(t, ok)
	assert.InDelta(t, 3000.5, p, 1e-9)

	_, ok = o.Price("BTC", time.Now())
	assert.False(t, ok)
}

func TestHTTPSource_ParsesSimplePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3012.55}}`))
	}))
	defer srv.Close()

	prices, err := NewHTTPSource(srv.URL, nil, srv.Client()).Fetch(context.Background(), []string{"ETH", "weth", "DOGE"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices["ETH"].Equal(decimal.RequireFromString("3012.55")))
	assert.True(t, prices["WETH"].Equal(prices["ETH"]))
}

func TestHTTPSource_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, nil, srv.Client()).Fetch(context.Background(), []string{"ETH"})
	assert.Error(t, err)
}

func TestRefreshingOracle_RefreshAndStaleness(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(2500)}}
	cache := &memCache{quotes: map[string]string{}}
	o, err := NewRefreshingOracle(RefreshConfig{
		Source: src, Cache: cache, Symbols: []string{"eth"},
		Interval: time.Minute, MaxAge: 5 * time.Minute,
	})
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return clock }

	_, ok := o.Price("ETH", clock)
	assert.False(t, ok, "no quote before first refresh")

	require.NoError(t, o.Refresh(context.Background()))
	p, ok := o.Price("ETH", clock)
	require.True(t, ok)
	assert.Equal(t, 2500.0, p)
	assert.Contains(t, cache.quotes, "ETH")

	clock = clock.Add(6 * time.Minute)
	_, ok = o.Price("ETH", clock)
	assert.False(t, ok, "stale quotes are not served")
}

func TestRefreshingOracle_FallsBackToCache(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC)
	cache := &memCache{quotes: map[string]string{"ETH": encodeQuote(decimal.NewFromInt(2400), at)}}
	src := &fakeSource{err: errors.New("rate limited")}
	o, err := NewRefreshingOracle(RefreshConfig{Source: src, Cache: cache, Symbols: []string{"ETH"}, MaxAge: time.Hour})
	require.NoError(t, err)
	o.now = func() time.Time { return at.Add(time.Minute) }

	assert.Error(t, o.Refresh(context.Background()))
	p, ok := o.Price("ETH", time.Time{})
	require.True(t, ok)
	assert.Equal(t, 2400.0, p)
}

func TestRefreshingOracle_StartSchedulesRefresh(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(1)}}
	o, err := NewRefreshingOracle(RefreshConfig{Source: src, Symbols: []string{"ETH"}, Interval: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	defer func() { require.NoError(t, o.Stop()) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeQuote_Malformed(t *testing.T) {
	_, _, err := decodeQuote("3000")
	assert.Error(t, err)
	_, _, err = decodeQuote("abc|1")
	assert.Error(t, err)

	p, at, err := decodeQuote(encodeQuote(decimal.RequireFromString("1.25"), time.Unix(100, 0)))
	require.NoError(t, err)
	assert.Equal(t, "1.25", p.String())
	assert.Equal(t, int64(100), at.Unix())
}
