// Package resolver maps adapter contract addresses to human-readable names.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"VaultLedger/internal/observability"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no name is known for an address.
var ErrNotFound = errors.New("adapter name not found")

// Resolver satisfies ledger.NameResolver.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Static resolves from a fixed table, keyed by lower-case address.
type Static map[string]string

func (s Static) Resolve(_ context.Context, address string) (string, error) {
	if name, ok := s[strings.ToLower(address)]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, address)
}

// Cached memoizes successful lookups. Failures are not cached so a flaky RPC
// is retried on the next allocation update.
type Cached struct {
	inner   Resolver
	cache   *xsync.Map[string, string]
	metrics *observability.Metrics
}

func NewCached(inner Resolver, metrics *observability.Metrics) *Cached {
	return &Cached{inner: inner, cache: xsync.NewMap[string, string](), metrics: metrics}
}

func (c *Cached) Resolve(ctx context.Context, address string) (string, error) {
	key := strings.ToLower(address)
	if name, ok := c.cache.Load(key); ok {
		c.count("hit")
		return name, nil
	}
	name, err := c.inner.Resolve(ctx, key)
	if err != nil {
		c.count("error")
		return "", err
	}
	c.count("miss")
	c.cache.Store(key, name)
	return name, nil
}

func (c *Cached) count(result string) {
	if c.metrics != nil {
		c.metrics.ResolverLookups.WithLabelValues(result).Inc()
	}
}

// Len returns the number of cached names.
func (c *Cached) Len() int {
	return c.cache.Size()
}

const nameABI = `[{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

// EthResolver calls name() on the adapter contract.
type EthResolver struct {
	caller  ethereum.ContractCaller
	abi     abi.ABI
	timeout time.Duration
	logger  zerolog.Logger
}

func NewEthResolver(caller ethereum.ContractCaller, timeout time.Duration) (*EthResolver, error) {
	parsed, err := abi.JSON(strings.NewReader(nameABI))
	if err != nil {
		return nil, fmt.Errorf("parse name abi: %w", err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &EthResolver{
		caller:  caller,
		abi:     parsed,
		timeout: timeout,
		logger:  observability.NewLogger("resolver"),
	}, nil
}

// DialEthResolver connects to an RPC endpoint.
func DialEthResolver(ctx context.Context, rpcURL string, timeout time.Duration) (*EthResolver, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	r, err := NewEthResolver(client, timeout)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return r, client, nil
}

func (r *EthResolver) Resolve(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: invalid address %q", ErrNotFound, address)
	}
	to := common.HexToAddress(address)

	data, err := r.abi.Pack("name")
	if err != nil {
		return "", fmt.Errorf("pack name(): %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		r.logger.Debug().Err(err).Str("adapter", address).Msg("name() call failed")
		return "", fmt.Errorf("call name() on %s: %w", address, err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: %s has no name()", ErrNotFound, address)
	}

	values, err := r.abi.Unpack("name", out)
	if err != nil {
		return "", fmt.Errorf("unpack name(): %w", err)
	}
	name, ok := values[0].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %s returned empty name", ErrNotFound, address)
	}
	return name, nil
}
