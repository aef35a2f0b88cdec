package engine

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/nexussync/channel"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/durable/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedStore writes entries plus a revision directly into the durable store,
// simulating another context having flushed.
func seedStore(t *testing.T, store *memstore.Store, rev uint64, entries map[string]string) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), func(tx durable.Tx) error {
		for k, v := range entries {
			if err := tx.Put(k, v); err != nil {
				return err
			}
		}
		return durable.WriteRevision(tx, rev)
	}))
}

func TestNewerBroadcastTriggersResync(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})
	seedStore(t, store, 2, map[string]string{"remote": "42"})

	e.onBroadcast(channel.Message{Rev: 2})

	require.Eventually(t, func() bool {
		return e.Revision() == 2
	}, 2*time.Second, 5*time.Millisecond)

	v, ok := e.Get("remote")
	require.True(t, ok)
	assert.Equal(t, "42", v)
	assert.Equal(t, int64(1), e.Metrics().BroadcastsReceivedTotal.Value())
	assert.Zero(t, e.Metrics().BroadcastsIgnoredTotal.Value())
	assert.Equal(t, int64(1), e.Metrics().ResyncTotal.Value())
}

func TestStaleBroadcastIgnored(t *testing.T) {
	e, _ := newTestEngine(t, SyncEngineOptions{})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "a", "1"))
	require.NoError(t, e.ForceFlush(ctx))
	require.Equal(t, uint64(1), e.Revision())

	// Our own announcement looping back, then an older one.
	e.onBroadcast(channel.Message{Rev: 1})
	e.onBroadcast(channel.Message{Rev: 0})

	assert.Equal(t, int64(2), e.Metrics().BroadcastsIgnoredTotal.Value())
	assert.Zero(t, e.Metrics().ResyncTotal.Value())
	assert.Equal(t, uint64(1), e.Revision())
}

func TestResyncOverlaysPendingWrites(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})
	ctx := context.Background()

	// A local write that no flush has picked up yet.
	require.NoError(t, e.Put(ctx, "local", "mine"))
	require.Equal(t, 1, e.PendingLen())

	seedStore(t, store, 3, map[string]string{"remote": "theirs"})
	e.onBroadcast(channel.Message{Rev: 3})

	// The resync adopts revision 3 and the surviving local write flushes on
	// top of it, landing at 4.
	require.Eventually(t, func() bool {
		return e.Revision() == 4
	}, 2*time.Second, 5*time.Millisecond)

	// Both survive: the reloaded state and the never-flushed local write.
	v, ok := e.Get("remote")
	require.True(t, ok)
	assert.Equal(t, "theirs", v)
	v, ok = e.Get("local")
	require.True(t, ok)
	assert.Equal(t, "mine", v)
	assert.Zero(t, e.PendingLen())
	assert.Equal(t, "mine", store.Snapshot()["local"])
	assert.Equal(t, "4", store.Snapshot()[durable.RevisionKey])
	assert.Equal(t, int64(1), e.Metrics().ResyncTotal.Value())
	assert.Zero(t, e.Metrics().ConflictTotal.Value())
}

func TestResyncPendingDeleteShadowsStoreValue(t *testing.T) {
	store := memstore.New()
	seedStore(t, store, 1, map[string]string{"doomed": "v"})
	e, _ := newTestEngine(t, SyncEngineOptions{Store: store})
	ctx := context.Background()

	require.NoError(t, e.Delete(ctx, "doomed"))
	seedStore(t, store, 2, map[string]string{"doomed": "v2", "other": "x"})
	e.onBroadcast(channel.Message{Rev: 2})

	require.Eventually(t, func() bool {
		return e.Revision() == 3
	}, 2*time.Second, 5*time.Millisecond)

	// The pending delete wins over the value reloaded at revision 2 and is
	// durable once its own flush lands.
	_, ok := e.Get("doomed")
	assert.False(t, ok)
	v, ok := e.Get("other")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	_, inStore := store.Snapshot()["doomed"]
	assert.False(t, inStore)
	assert.Equal(t, "x", store.Snapshot()["other"])
}

func TestResyncIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, SyncEngineOptions{})
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "a", "1"))
	require.NoError(t, e.ForceFlush(ctx))

	e.runResync(CauseBroadcast)
	e.runResync(CauseBroadcast)

	assert.Equal(t, uint64(1), e.Revision())
	v, ok := e.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, int64(2), e.Metrics().ResyncTotal.Value())
	assert.Equal(t, StateIdle, e.State())
}

func TestResyncNotifiesSubscribers(t *testing.T) {
	e, store := newTestEngine(t, SyncEngineOptions{})

	sub := e.Subscribe(SubscriptionFilter{})
	defer sub.Close()

	seedStore(t, store, 5, map[string]string{"k": "v"})
	e.onBroadcast(channel.Message{Rev: 5})

	select {
	case ev := <-sub.Updates:
		assert.Equal(t, uint64(5), ev.Revision)
		assert.Equal(t, CauseBroadcast, ev.Cause)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
