package resolver_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"VaultLedger/internal/resolver"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adapter = "0x00000000000000000000000000000000000ad001"

type fakeCaller struct {
	out   []byte
	err   error
	calls atomic.Int32
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls.Add(1)
	if msg.To == nil || len(msg.Data) != 4 {
		return nil, errors.New("bad call")
	}
	return f.out, f.err
}

func packName(t *testing.T, name string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	out, err := abi.Arguments{{Type: stringType}}.Pack(name)
	require.NoError(t, err)
	return out
}

func TestEthResolver_DecodesName(t *testing.T) {
	caller := &fakeCaller{out: packName(t, "Morpho Blue Adapter")}
	r, err := resolver.NewEthResolver(caller, 0)
	require.NoError(t, err)

	name, err := r.Resolve(context.Background(), adapter)
	require.NoError(t, err)
	assert.Equal(t, "Morpho Blue Adapter", name)
}

func TestEthResolver_EmptyReturnIsNotFound(t *testing.T) {
	r, err := resolver.NewEthResolver(&fakeCaller{}, 0)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), adapter)
	assert.ErrorIs(t, err, resolver.ErrNotFound)

	_, err = r.Resolve(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, resolver.ErrNotFound)
}

func TestCached_MemoizesSuccessOnly(t *testing.T) {
	caller := &fakeCaller{err: errors.New("rpc down")}
	eth, err := resolver.NewEthResolver(caller, 0)
	require.NoError(t, err)
	c := resolver.NewCached(eth, nil)

	_, err = c.Resolve(context.Background(), adapter)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	caller.err = nil
	caller.out = packName(t, "Aave Adapter")
	for i := 0; i < 3; i++ {
		name, err := c.Resolve(context.Background(), adapter)
		require.NoError(t, err)
		assert.Equal(t, "Aave Adapter", name)
	}
	assert.Equal(t, int32(2), caller.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestStatic_CaseInsensitive(t *testing.T) {
	s := resolver.Static{adapter: "Idle"}
	name, err := s.Resolve(context.Background(), "0x00000000000000000000000000000000000AD001")
	require.NoError(t, err)
	assert.Equal(t, "Idle", name)

	_, err = s.Resolve(context.Background(), "0x1")
	assert.ErrorIs(t, err, resolver.ErrNotFound)
}
