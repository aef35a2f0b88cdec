package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/durable/memstore"
	"github.com/INLOpen/nexussync/events"
	"github.com/INLOpen/nexussync/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushCoalescesWriteBurst(t *testing.T) {
	mock := clock.NewMock()
	e, store := newTestEngine(t, SyncEngineOptions{
		FlushDelay: 5 * time.Millisecond,
		Clock:      mock,
	})
	base := store.Commits()
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "a", "1"))
	require.NoError(t, e.Put(ctx, "b", "2"))
	require.NoError(t, e.Put(ctx, "c", "3"))

	require.Eventually(t, func() bool {
		mock.Advance(10 * time.Millisecond)
		return store.Commits() == base+1
	}, 2*time.Second, 5*time.Millisecond, "burst should land in a single transaction")

	snap := store.Snapshot()
	assert.Equal(t, "1", snap["a"])
	assert.Equal(t, "2", snap["b"])
	assert.Equal(t, "3", snap["c"])
	assert.Equal(t, "1", snap[durable.RevisionKey])
	assert.Equal(t, uint64(1), e.Revision())
	assert.Equal(t, int64(1), e.Metrics().FlushTotal.Value())
	assert.Equal(t, int64(3), e.Metrics().FlushEntriesTotal.Value())
}

func TestFlushConflictDropsBatchAndResyncs(t *testing.T) {
	store := memstore.New()
	a, _ := newTestEngine(t, SyncEngineOptions{Store: store})
	b, _ := newTestEngine(t, SyncEngineOptions{Store: store})
	ctx := context.Background()

	// A wins the race to revision 1.
	require.NoError(t, a.Put(ctx, "x", "1"))
	require.NoError(t, a.ForceFlush(ctx))
	require.Equal(t, uint64(1), a.Revision())

	// B still believes revision 0, so its flush must lose.
	require.NoError(t, b.Put(ctx, "y", "2"))
	err := b.ForceFlush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRevisionConflict)

	// By the time ForceFlush returns, B has already recovered.
	assert.Equal(t, uint64(1), b.Revision())
	v, ok := b.Get("x")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	// The losing batch is dropped, not retried.
	_, ok = b.Get("y")
	assert.False(t, ok)
	assert.Zero(t, b.PendingLen())
	_, inStore := store.Snapshot()["y"]
	assert.False(t, inStore)

	assert.Equal(t, int64(1), b.Metrics().ConflictTotal.Value())
	assert.Equal(t, int64(1), b.Metrics().ResyncTotal.Value())
	assert.Zero(t, a.Metrics().ConflictTotal.Value())
}

func TestFlushStoreErrorDropsBatchAndResyncs(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})
	ctx := context.Background()
	errDisk := errors.New("disk full")

	// The write itself succeeds; only the later flush sees the failure.
	require.NoError(t, e.Put(ctx, "k", "v"))

	store.FailNextUpdates(1, errDisk)
	err := e.ForceFlush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)

	// Same recovery as a conflict: batch dropped, mirror rebuilt.
	_, ok := e.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), e.Revision())
	assert.Equal(t, int64(1), e.Metrics().FlushErrorsTotal.Value())
	assert.Equal(t, int64(1), e.Metrics().ResyncTotal.Value())
	assert.Zero(t, e.Metrics().ConflictTotal.Value())

	// The engine keeps working once the store recovers.
	require.NoError(t, e.Put(ctx, "k2", "v2"))
	require.NoError(t, e.ForceFlush(ctx))
	assert.Equal(t, "v2", store.Snapshot()["k2"])
	assert.Equal(t, uint64(1), e.Revision())
}

func TestForceFlushWithNothingPending(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})
	base := store.UpdateCalls()

	require.NoError(t, e.ForceFlush(context.Background()))

	assert.Equal(t, base, store.UpdateCalls())
	assert.Equal(t, uint64(0), e.Revision())
}

func TestFlushVetoedByListenerRequeuesBatch(t *testing.T) {
	var vetoes atomic.Int32
	vetoes.Store(1)
	em := events.NewEventManager(nil)
	em.Register(events.EventPreFlush, events.ListenerFunc(func(ctx context.Context, ev events.Event) error {
		if vetoes.Add(-1) >= 0 {
			return errors.New("maintenance window")
		}
		return nil
	}))

	e, store := newTestEngine(t, SyncEngineOptions{Events: em})
	base := store.Commits()
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "k", "v"))

	// A vetoed flush is not a failure: the batch goes back to pending.
	require.NoError(t, e.ForceFlush(ctx))
	assert.Equal(t, base, store.Commits())
	assert.Equal(t, 1, e.PendingLen())
	v, ok := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	// The next attempt goes through.
	require.NoError(t, e.ForceFlush(ctx))
	assert.Equal(t, base+1, store.Commits())
	assert.Equal(t, "v", store.Snapshot()["k"])
	assert.Zero(t, e.PendingLen())
}

func TestFlushSequentialRevisions(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})
	ctx := context.Background()

	for i, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		require.NoError(t, e.Put(ctx, kv.k, kv.v))
		require.NoError(t, e.ForceFlush(ctx))
		require.Equal(t, uint64(i+1), e.Revision())
	}
	assert.Equal(t, "3", store.Snapshot()[durable.RevisionKey])
	assert.Equal(t, int64(3), e.Metrics().FlushTotal.Value())
}

func TestFlushStateString(t *testing.T) {
	cases := map[FlushState]string{
		StateIdle:      "idle",
		StateScheduled: "scheduled",
		StateFlushing:  "flushing",
		StateCommitted: "committed",
		StateConflict:  "conflict",
		StateResyncing: "resyncing",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "unknown(99)", FlushState(99).String())
}
