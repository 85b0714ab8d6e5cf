package projection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"VaultLedger/internal/projection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStats struct {
	mu        sync.Mutex
	refreshed [][]string
	rebuilt   int
	fail      bool
}

func (r *recordingStats) RefreshUserStats(_ context.Context, ids []string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("db down")
	}
	r.refreshed = append(r.refreshed, append([]string(nil), ids...))
	return nil
}

func (r *recordingStats) RebuildUserStats(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilt++
	return nil
}

func (r *recordingStats) calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.refreshed...)
}

func TestProjectionWorker_CoalescesQueuedUpdates(t *testing.T) {
	store := &recordingStats{}
	in := make(chan projection.Update, 8)
	in <- projection.Update{Sequence: 1, TouchedUsers: []string{"alice"}}
	in <- projection.Update{Sequence: 2, TouchedUsers: []string{"bob", "alice"}}
	in <- projection.Update{Sequence: 3}
	close(in)

	w := projection.NewProjectionWorker(store, in, nil)
	require.NoError(t, w.Run(context.Background()))

	calls := store.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"alice", "bob"}, calls[0])
	assert.Equal(t, int64(3), w.LastSequence())
}

func TestProjectionWorker_FailureDoesNotStopLoop(t *testing.T) {
	store := &recordingStats{fail: true}
	in := make(chan projection.Update)
	w := projection.NewProjectionWorker(store, in, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- projection.Update{Sequence: 1, TouchedUsers: []string{"alice"}}
	in <- projection.Update{Sequence: 2, TouchedUsers: []string{"alice"}}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Empty(t, store.calls())
	assert.Equal(t, int64(0), w.LastSequence())

	require.NoError(t, w.Rebuild(context.Background()))
	assert.Equal(t, 1, store.rebuilt)
}
