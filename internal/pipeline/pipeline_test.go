package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/pipeline"
	"VaultLedger/internal/projection"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vaultA = "0x00000000000000000000000000000000000000a1"
	alice  = "0x000000000000000000000000000000000000a11c"
	bob    = "0x0000000000000000000000000000000000000b0b"
	usdc   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func meta(block uint64) event.Meta {
	return event.Meta{
		TxHash:      fmt.Sprintf("0x%064x", block),
		BlockNumber: block,
		BlockTime:   t0.Add(time.Duration(block) * time.Hour),
	}
}

// events returns a vault creation followed by n-1 deposits.
func events(n int) []event.Event {
	out := []event.Event{&event.VaultCreated{
		Meta: meta(1), Vault: vaultA, Name: "USDC Yield", Manager: bob,
		Asset: event.AssetInfo{Address: usdc, Symbol: "USDC", Name: "USD Coin", Decimals: 6},
	}}
	for i := 2; i <= n; i++ {
		out = append(out, &event.Deposit{
			Meta: meta(uint64(i)), Vault: vaultA, Sender: alice, Owner: alice,
			Assets: sdkmath.NewInt(100), Shares: sdkmath.NewInt(100),
		})
	}
	return out
}

type harness struct {
	ix      *core.Indexer
	persist chan core.Output
	proj    chan core.Output
}

func newHarness(t *testing.T, persistCap int) *harness {
	t.Helper()
	persist := make(chan core.Output, persistCap)
	proj := make(chan core.Output, persistCap)
	ix, err := core.NewIndexer(core.Config{
		LRUCapacity:    128,
		PersistChan:    persist,
		ProjectionChan: proj,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{ix: ix, persist: persist, proj: proj}
}

func (h *harness) apply(t *testing.T, evts []event.Event) {
	t.Helper()
	for _, evt := range evts {
		require.NoError(t, h.ix.ProcessEvent(context.Background(), evt))
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain")
	}
}

// ============================================================================
// Test: shutdown drain
// ============================================================================

func TestShutdown_BufferedOutputsReachSink(t *testing.T) {
	const n = 25
	h := newHarness(t, 64)
	h.apply(t, events(n))
	require.Len(t, h.persist, n, "all outputs still buffered")

	store := persistence.NewMemoryStore()
	persistOut := make(chan persistence.Record, 1)
	projOut := make(chan projection.Update, 1)

	bridge := pipeline.NewBridge(h.persist, h.proj, persistOut, projOut, nil)
	worker := persistence.NewPersistenceWorker(store, persistOut, 4, time.Hour, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Go(func() { errs <- bridge.Run(context.Background()) })
	wg.Go(func() { errs <- worker.Run(context.Background()) })

	h.ix.Close()
	waitOrFail(t, &wg)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	latest, err := store.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), latest)

	rows, err := store.LoadEventsFrom(context.Background(), n, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	want := h.ix.StateHash()
	assert.Equal(t, want[:], rows[0].StateHash)

	_, open := <-projOut
	for open {
		_, open = <-projOut
	}
}

func TestBridge_AbortReturnsAndClosesOutputs(t *testing.T) {
	h := newHarness(t, 8)
	h.apply(t, events(3))

	persistOut := make(chan persistence.Record)
	projOut := make(chan projection.Update, 8)
	bridge := pipeline.NewBridge(h.persist, h.proj, persistOut, projOut, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bridge ignored abort")
	}
	_, open := <-persistOut
	assert.False(t, open)
}

// ============================================================================
// Test: snapshotter
// ============================================================================

type fakeSnapshots struct {
	mu       sync.Mutex
	saved    []int64
	verified []int64
	pruned   int
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, snap.Sequence)
	return 128, nil
}

func (f *fakeSnapshots) MarkVerified(_ context.Context, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, seq)
	return nil
}

func (f *fakeSnapshots) Prune(context.Context, int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

func commit(t *testing.T, store *persistence.MemoryStore, outs chan core.Output) {
	t.Helper()
	for {
		select {
		case out := <-outs:
			require.NoError(t, store.WriteBatch(context.Background(), []persistence.Record{{
				Event:   persistence.EventRowFromEnvelope(out.Envelope),
				Changes: out.Changes,
			}}))
		default:
			return
		}
	}
}

func TestSnapshotter_VerifiesOnlyOnceLogCommitted(t *testing.T) {
	h := newHarness(t, 16)
	h.apply(t, events(3))

	store := persistence.NewMemoryStore()
	snaps := &fakeSnapshots{}
	s := pipeline.NewSnapshotter(pipeline.SnapshotterConfig{
		Source: h.ix, Store: snaps, Log: store, Keep: 2,
	})

	require.NoError(t, s.Take(context.Background()))
	assert.Equal(t, []int64{3}, snaps.saved)
	assert.Empty(t, snaps.verified, "log is behind the snapshot")

	commit(t, store, h.persist)
	promoted, err := s.Promote(context.Background())
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, []int64{3}, snaps.verified)
	assert.Equal(t, 1, snaps.pruned)

	promoted, err = s.Promote(context.Background())
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestSnapshotter_HashMismatchNeverVerified(t *testing.T) {
	h := newHarness(t, 16)
	h.apply(t, events(2))

	store := persistence.NewMemoryStore()
	for _, out := range []core.Output{<-h.persist, <-h.persist} {
		row := persistence.EventRowFromEnvelope(out.Envelope)
		row.StateHash[0] ^= 0xff
		require.NoError(t, store.WriteBatch(context.Background(), []persistence.Record{{Event: row, Changes: out.Changes}}))
	}

	snaps := &fakeSnapshots{}
	s := pipeline.NewSnapshotter(pipeline.SnapshotterConfig{Source: h.ix, Store: snaps, Log: store})
	assert.Error(t, s.Take(context.Background()))
	assert.Equal(t, []int64{2}, snaps.saved)
	assert.Empty(t, snaps.verified)
}

func TestSnapshotter_SkipsHaltedIndexer(t *testing.T) {
	h := newHarness(t, 0)
	done := make(chan error, 1)
	go func() { done <- h.ix.ProcessEvent(context.Background(), events(1)[0]) }()
	time.Sleep(100 * time.Millisecond)
	h.ix.Close()
	require.ErrorIs(t, <-done, core.ErrIndexerHalted)

	snaps := &fakeSnapshots{}
	s := pipeline.NewSnapshotter(pipeline.SnapshotterConfig{
		Source: h.ix, Store: snaps, Log: persistence.NewMemoryStore(),
	})
	assert.ErrorIs(t, s.Take(context.Background()), pipeline.ErrSnapshotUnsafe)
	assert.Empty(t, snaps.saved)
}

func TestSnapshotter_RunTakesEveryInterval(t *testing.T) {
	h := newHarness(t, 16)
	store := persistence.NewMemoryStore()
	snaps := &fakeSnapshots{}
	s := pipeline.NewSnapshotter(pipeline.SnapshotterConfig{
		Source: h.ix, Store: snaps, Log: store, Interval: 3, Tick: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	h.apply(t, events(4))
	commit(t, store, h.persist)

	require.Eventually(t, func() bool {
		snaps.mu.Lock()
		defer snaps.mu.Unlock()
		return len(snaps.verified) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
