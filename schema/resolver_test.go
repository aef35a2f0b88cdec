package schema

import (
	"errors"
	"testing"

	"github.com/INLOpen/nexussync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity() Transform {
	return TransformFunc(func(v any) (any, error) { return v, nil })
}

func registerChain(t *testing.T, reg *Registry, key string, pairs ...[2]uint64) {
	t.Helper()
	for _, p := range pairs {
		require.NoError(t, reg.RegisterMigration(MigrationRule{
			Key: key, FromVersion: p[0], ToVersion: p[1], Transform: identity(),
		}))
	}
}

func TestMigrationPath_OrderedChain(t *testing.T) {
	reg := NewRegistry(nil)
	registerChain(t, reg, "player", [2]uint64{1, 2}, [2]uint64{2, 3})

	steps, ok := reg.MigrationPath("player", 1, 3)
	require.True(t, ok)
	require.Len(t, steps, 2)
	assert.Equal(t, uint64(1), steps[0].FromVersion)
	assert.Equal(t, uint64(2), steps[0].ToVersion)
	assert.Equal(t, uint64(2), steps[1].FromVersion)
	assert.Equal(t, uint64(3), steps[1].ToVersion)
}

func TestMigrationPath_Unreachable(t *testing.T) {
	reg := NewRegistry(nil)
	registerChain(t, reg, "player", [2]uint64{1, 2}, [2]uint64{2, 3})

	steps, ok := reg.MigrationPath("player", 1, 5)
	assert.False(t, ok)
	assert.Nil(t, steps)

	_, ok = reg.MigrationPath("unknown", 1, 2)
	assert.False(t, ok)
}

func TestMigrationPath_EmptyWhenAlreadyAtTarget(t *testing.T) {
	reg := NewRegistry(nil)

	steps, ok := reg.MigrationPath("player", 3, 3)
	require.True(t, ok)
	assert.Empty(t, steps)

	steps, ok = reg.MigrationPath("player", 5, 3)
	require.True(t, ok)
	assert.Empty(t, steps)
}

func TestMigrationPath_FirstRegisteredWinsTieBreak(t *testing.T) {
	reg := NewRegistry(nil)
	// Two rules leave v1; the earlier registration must win.
	registerChain(t, reg, "player", [2]uint64{1, 3}, [2]uint64{1, 2}, [2]uint64{2, 3})

	steps, ok := reg.MigrationPath("player", 1, 3)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(3), steps[0].ToVersion)
}

func TestMigrationPath_NormalizersNeverSelected(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 1, Transform: identity(),
	}))

	_, ok := reg.MigrationPath("player", 1, 2)
	assert.False(t, ok)
}

func TestMigrationPath_OvershootTerminates(t *testing.T) {
	reg := NewRegistry(nil)
	registerChain(t, reg, "player", [2]uint64{1, 4})

	steps, ok := reg.MigrationPath("player", 1, 3)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, uint64(4), steps[0].ToVersion)
}

func TestMigrate_AppliesTransformsInOrder(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 2,
		Transform: TransformFunc(func(v any) (any, error) {
			m := v.(map[string]any)
			m["level"] = 1
			return m, nil
		}),
	}))
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 2, ToVersion: 3,
		Transform: MustPatchTransform(`{guild: *"none" | string}`),
	}))

	out, err := reg.Migrate("player", `{"name":"Alice"}`, 1, 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alice","level":1,"guild":"none"}`, out)
}

func TestMigrate_UnreachableIsError(t *testing.T) {
	reg := NewRegistry(nil)
	registerChain(t, reg, "player", [2]uint64{1, 2})

	_, err := reg.Migrate("player", `{"name":"Alice"}`, 1, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMigrationUnreachable))

	var unreachable *core.UnreachableError
	require.True(t, errors.As(err, &unreachable))
	assert.Equal(t, uint64(1), unreachable.From)
	assert.Equal(t, uint64(5), unreachable.To)
}

func TestMigrate_TransformFailureSurfaces(t *testing.T) {
	reg := NewRegistry(nil)
	boom := errors.New("cannot rename field")
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 2,
		Transform: TransformFunc(func(v any) (any, error) { return nil, boom }),
	}))

	_, err := reg.Migrate("player", `{"name":"Alice"}`, 1, 2)
	require.ErrorIs(t, err, boom)
}
