package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexussync/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestUpdate_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx durable.Tx) error {
		if err := tx.Put("a", "1"); err != nil {
			return err
		}
		return durable.WriteRevision(tx, 3)
	}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	err = s.View(ctx, func(tx durable.Tx) error {
		v, found, err := tx.Get("a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "1", v)

		rev, err := durable.ReadRevision(tx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), rev)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("abort")

	err := s.Update(ctx, func(tx durable.Tx) error {
		require.NoError(t, tx.Put("a", "1"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx durable.Tx) error {
		_, found, err := tx.Get("a")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestForEach_VisitsAllKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx durable.Tx) error {
		for _, kv := range [][2]string{{"b", "2"}, {"a", "1"}, {"c", "3"}} {
			if err := tx.Put(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	}))

	got := map[string]string{}
	require.NoError(t, s.View(ctx, func(tx durable.Tx) error {
		return tx.ForEach(func(k, v string) error {
			got[k] = v
			return nil
		})
	}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, got)
}

func TestDelete_RemovesKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx durable.Tx) error {
		return tx.Put("a", "1")
	}))
	require.NoError(t, s.Update(ctx, func(tx durable.Tx) error {
		return tx.Delete("a")
	}))

	require.NoError(t, s.View(ctx, func(tx durable.Tx) error {
		_, found, err := tx.Get("a")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))
}
