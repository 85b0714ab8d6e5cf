package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/testutil"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vaultA = "0x00000000000000000000000000000000000000a1"
	vaultB = "0x00000000000000000000000000000000000000b2"
	vaultC = "0x00000000000000000000000000000000000000c3"
	alice  = "0x000000000000000000000000000000000000a11c"
	bob    = "0x0000000000000000000000000000000000000b0b"
	usdc   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	aaveAd = "0x00000000000000000000000000000000000aa7e0"
	compAd = "0x00000000000000000000000000000000000c0a90"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type nameTable map[string]string

func (n nameTable) Resolve(_ context.Context, address string) (string, error) {
	if name, ok := n[address]; ok {
		return name, nil
	}
	return "", errors.New("unknown adapter")
}

// recorder folds events through the reducer and produces sink records.
type recorder struct {
	t       *testing.T
	state   *ledger.State
	reducer *ledger.Reducer
	seq     int64
	block   uint64
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{
		t:       t,
		state:   ledger.NewState(),
		reducer: ledger.NewReducer(nameTable{aaveAd: "AaveV3Adapter", compAd: "CompoundV3Adapter"}),
	}
}

func (r *recorder) meta() event.Meta {
	r.block++
	return event.Meta{
		TxHash:      fmt.Sprintf("0x%064x", r.block),
		BlockNumber: r.block,
		BlockTime:   t0.Add(time.Duration(r.block) * time.Hour),
	}
}

func (r *recorder) record(evt event.Event) persistence.Record {
	r.t.Helper()
	ch, err := r.reducer.Apply(context.Background(), r.state, evt)
	require.NoError(r.t, err)
	r.seq++
	hash := make([]byte, 32)
	hash[0] = byte(r.seq)
	return persistence.Record{
		Event: persistence.EventRow{
			Sequence:       r.seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType().String(),
			VaultID:        evt.VaultID(),
			BlockNumber:    evt.Position().BlockNumber,
			LogIndex:       evt.Position().LogIndex,
			Payload:        []byte("{}"),
			StateHash:      hash,
			PrevHash:       make([]byte, 32),
			Timestamp:      evt.Timestamp(),
		},
		Changes: ch,
	}
}

func (r *recorder) created(vault string) persistence.Record {
	return r.record(&event.VaultCreated{
		Meta: r.meta(), Vault: vault, Name: "USDC Yield", Manager: bob,
		Asset: event.AssetInfo{Address: usdc, Symbol: "USDC", Name: "USD Coin", Decimals: 6},
	})
}

func (r *recorder) deposit(vault, user string, amount int64) persistence.Record {
	return r.record(&event.Deposit{
		Meta: r.meta(), Vault: vault, Sender: user, Owner: user,
		Assets: sdkmath.NewInt(amount), Shares: sdkmath.NewInt(amount),
	})
}

func (r *recorder) redeem(vault, user string, amount int64) persistence.Record {
	return r.record(&event.Redeem{
		Meta: r.meta(), Vault: vault, Sender: user, Receiver: user, Owner: user,
		Assets: sdkmath.NewInt(amount), Shares: sdkmath.NewInt(amount),
	})
}

func (r *recorder) allocate(vault string, entries ...event.AllocationEntry) persistence.Record {
	return r.record(&event.AllocationUpdated{Meta: r.meta(), Vault: vault, Allocations: entries})
}

// store is the union of interfaces both implementations satisfy.
type store interface {
	persistence.Sink
	persistence.Reader
	persistence.StatsStore
	persistence.EventLog
}

func storeContract(t *testing.T, s store) {
	ctx := context.Background()
	r := newRecorder(t)

	batch := []persistence.Record{
		r.created(vaultA),
		r.created(vaultB),
		r.deposit(vaultB, alice, 300),
		r.deposit(vaultA, alice, 1000),
		r.deposit(vaultA, bob, 500),
		r.redeem(vaultA, alice, 400),
		r.allocate(vaultA,
			event.AllocationEntry{Adapter: aaveAd, Allocation: 600},
			event.AllocationEntry{Adapter: compAd, Allocation: 400}),
	}
	require.NoError(t, s.WriteBatch(ctx, batch))
	require.NoError(t, s.WriteBatch(ctx, []persistence.Record{
		r.allocate(vaultA, event.AllocationEntry{Adapter: compAd, Allocation: 1000}),
	}))

	t.Run("vault totals", func(t *testing.T) {
		v, err := s.GetVault(ctx, vaultA)
		require.NoError(t, err)
		assert.Equal(t, "1100", v.TotalAssets.String())
		assert.Equal(t, "1100", v.TotalSupply.String())
		assert.Equal(t, "1500", v.TotalDeposited.String())
		assert.Equal(t, "400", v.TotalRedeemed.String())
		assert.True(t, v.IsActive)

		_, err = s.GetVault(ctx, "0xmissing")
		assert.ErrorIs(t, err, persistence.ErrNotFound)

		vaults, err := s.ListVaults(ctx)
		require.NoError(t, err)
		assert.Len(t, vaults, 2)
	})

	t.Run("asset", func(t *testing.T) {
		a, err := s.GetAsset(ctx, usdc)
		require.NoError(t, err)
		assert.Equal(t, "USDC", a.Symbol)
		assert.Equal(t, uint8(6), a.Decimals)
	})

	t.Run("allocations superseded", func(t *testing.T) {
		allocs, err := s.GetAllocations(ctx, vaultA)
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.Equal(t, compAd, allocs[0].AdapterAddress)
		assert.Equal(t, int64(1000), allocs[0].Allocation)
		assert.Equal(t, "CompoundV3Adapter", allocs[0].AdapterType)
	})

	t.Run("balances", func(t *testing.T) {
		b, err := s.GetBalance(ctx, alice, vaultA)
		require.NoError(t, err)
		assert.Equal(t, "600", b.CurrentShares.String())
		assert.Equal(t, "400", b.TotalRedeemed.String())

		zero, err := s.GetBalance(ctx, bob, vaultB)
		require.NoError(t, err)
		assert.True(t, zero.CurrentShares.IsZero())
		assert.True(t, zero.TotalDeposited.IsZero())

		list, err := s.ListUserBalances(ctx, alice)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, vaultB, list[0].VaultID, "first-touch order")
		assert.Equal(t, vaultA, list[1].VaultID)

		n, err := s.CountHolders(ctx, vaultA)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("user rollup", func(t *testing.T) {
		u, err := s.GetUser(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "1300", u.TotalDeposited.String())
		assert.Equal(t, []string{vaultB, vaultA}, u.ActiveVaults)
	})

	t.Run("flows in chain order", func(t *testing.T) {
		flows, err := s.ListFlows(ctx, vaultA)
		require.NoError(t, err)
		require.Len(t, flows, 3)
		assert.Equal(t, ledger.FlowDeposit, flows[0].Kind)
		assert.Equal(t, ledger.FlowRedeem, flows[2].Kind)
		assert.Equal(t, "400", flows[2].Assets.String())
	})

	t.Run("event log", func(t *testing.T) {
		latest, err := s.GetLatestSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(8), latest)

		rows, err := s.LoadEventsFrom(ctx, 7, 10)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		env, err := rows[0].Envelope()
		require.NoError(t, err)
		assert.Equal(t, event.EventTypeAllocationUpdated, env.EventType)

		keys, err := s.RecentIdempotencyKeys(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{rows[0].IdempotencyKey, rows[1].IdempotencyKey}, keys)
	})

	t.Run("rewrite is idempotent", func(t *testing.T) {
		require.NoError(t, s.WriteBatch(ctx, batch[3:4]))
		flows, err := s.ListFlows(ctx, vaultA)
		require.NoError(t, err)
		assert.Len(t, flows, 3)
	})

	t.Run("user stats projection", func(t *testing.T) {
		require.NoError(t, s.RefreshUserStats(ctx, []string{alice, bob}, 8))
		require.NoError(t, s.RebuildUserStats(ctx))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, persistence.NewMemoryStore())
}

func TestPostgresStore_Contract(t *testing.T) {
	db := testutil.SetupPostgres(t)
	s := persistence.NewPostgresStore(db)
	storeContract(t, s)

	ctx := context.Background()
	st, err := s.GetUserStats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1300", st.TotalDeposited.String())
	assert.Equal(t, "400", st.TotalRedeemed.String())
	assert.Equal(t, []string{vaultB, vaultA}, st.ActiveVaults)
	assert.Equal(t, 2, st.PositionCount)

	cp, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), cp.Sequence)

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(ctx, fmt.Sprintf("0x%064x:0", 4))
	require.NoError(t, err)
	assert.True(t, dup)
}

// allocationContract writes a set with one adapter in two slots, replaces it,
// and rewrites the first set's record.
func allocationContract(t *testing.T, s interface {
	store
	AllocationHistory(ctx context.Context, vaultID string) ([]ledger.Allocation, error)
}) {
	ctx := context.Background()
	r := newRecorder(t)
	r.block, r.seq = 1000, 1000 // clear of storeContract's keys on a shared database

	first := r.allocate(vaultC,
		event.AllocationEntry{Adapter: aaveAd, Allocation: 300},
		event.AllocationEntry{Adapter: compAd, Allocation: 400},
		event.AllocationEntry{Adapter: aaveAd, Allocation: 300})
	require.NoError(t, s.WriteBatch(ctx, []persistence.Record{r.created(vaultC), first}))

	live, err := s.GetAllocations(ctx, vaultC)
	require.NoError(t, err)
	require.Len(t, live, 3, "a repeated adapter keeps both slots")
	assert.Equal(t, aaveAd, live[0].AdapterAddress)
	assert.Equal(t, aaveAd, live[2].AdapterAddress)
	assert.Equal(t, 2, live[2].Index)

	second := r.allocate(vaultC, event.AllocationEntry{Adapter: aaveAd, Allocation: 1000})
	require.NoError(t, s.WriteBatch(ctx, []persistence.Record{second}))
	require.NoError(t, s.WriteBatch(ctx, []persistence.Record{first}))

	live, err = s.GetAllocations(ctx, vaultC)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(1000), live[0].Allocation)

	hist, err := s.AllocationHistory(ctx, vaultC)
	require.NoError(t, err)
	var superseded int
	for _, a := range hist {
		if a.Superseded {
			superseded++
		}
	}
	assert.Equal(t, 3, superseded, "the replaced set stays as history")
	assert.Len(t, hist, 4)
}

func TestMemoryStore_AllocationsKeyedBySlot(t *testing.T) {
	allocationContract(t, persistence.NewMemoryStore())
}

func TestPostgresStore_AllocationsKeyedBySlot(t *testing.T) {
	allocationContract(t, persistence.NewPostgresStore(testutil.SetupPostgres(t)))
}

func TestMemoryStore_UserStatsFoldsBalances(t *testing.T) {
	ctx := context.Background()
	s := persistence.NewMemoryStore()
	r := newRecorder(t)
	require.NoError(t, s.WriteBatch(ctx, []persistence.Record{
		r.created(vaultA),
		r.deposit(vaultA, alice, 100),
		r.redeem(vaultA, alice, 100),
	}))
	require.NoError(t, s.RefreshUserStats(ctx, []string{alice}, 3))

	st, ok := s.UserStats(alice)
	require.True(t, ok)
	assert.Equal(t, 0, st.PositionCount)
	assert.Empty(t, st.ActiveVaults)
	assert.Equal(t, "100", st.TotalRedeemed.String())

	hist, err := s.AllocationHistory(ctx, vaultA)
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Equal(t, int64(3), s.Checkpoint().Sequence)
}

// ============================================================================
// Test: persistence worker
// ============================================================================

type flakySink struct {
	failures atomic.Int32
	inner    *persistence.MemoryStore
	calls    atomic.Int32
}

func (f *flakySink) WriteBatch(ctx context.Context, records []persistence.Record) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("connection reset")
	}
	return f.inner.WriteBatch(ctx, records)
}

func TestPersistenceWorker_RetriesUntilCommitted(t *testing.T) {
	sink := &flakySink{inner: persistence.NewMemoryStore()}
	sink.failures.Store(2)

	in := make(chan persistence.Record, 8)
	w := persistence.NewPersistenceWorker(sink, in, 2, 10*time.Millisecond, nil)

	r := newRecorder(t)
	in <- r.created(vaultA)
	in <- r.deposit(vaultA, alice, 100)
	in <- r.deposit(vaultA, bob, 50)
	close(in)

	require.NoError(t, w.Run(context.Background()))

	latest, err := sink.inner.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
	assert.GreaterOrEqual(t, sink.calls.Load(), int32(4))
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	sink := persistence.NewMemoryStore()
	in := make(chan persistence.Record, 8)
	w := persistence.NewPersistenceWorker(sink, in, 100, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	r := newRecorder(t)
	in <- r.created(vaultA)

	require.Eventually(t, func() bool {
		seq, _ := sink.GetLatestSequence(context.Background())
		return seq == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPersistenceWorker_CancelFlushesBufferedRecords(t *testing.T) {
	sink := persistence.NewMemoryStore()
	in := make(chan persistence.Record, 8)
	w := persistence.NewPersistenceWorker(sink, in, 100, time.Hour, nil)

	r := newRecorder(t)
	in <- r.created(vaultA)
	in <- r.deposit(vaultA, alice, 100)
	in <- r.deposit(vaultA, bob, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)

	latest, err := sink.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}
