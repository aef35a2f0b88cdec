package schema

import (
	"errors"
	"testing"

	"github.com/INLOpen/nexussync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintPtr(v uint64) *uint64 { return &v }

func TestPreflight_NoSchemaPassesThrough(t *testing.T) {
	reg := NewRegistry(nil)

	out, sch, err := reg.Preflight("player", `{"name":"Alice"}`, ModeDefault, nil)
	require.NoError(t, err)
	assert.Nil(t, sch)
	assert.Equal(t, `{"name":"Alice"}`, out)

	// Without a schema even non-JSON passes; the codec checked it upstream.
	out, _, err = reg.Preflight("blob", "plain text", ModeDefault, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestPreflight_StrictRequiresExplicitVersion(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: playerV1}))

	_, _, err := reg.Preflight("player", `{"name":"Alice","email":"a@b.c"}`, ModeStrict, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSchemaRequired))

	// With an explicit version strict mode proceeds.
	out, sch, err := reg.Preflight("player", `{"name":"Alice","email":"a@b.c"}`, ModeStrict, uintPtr(1))
	require.NoError(t, err)
	require.NotNil(t, sch)
	assert.Equal(t, uint64(1), sch.Version)
	assert.Equal(t, `{"name":"Alice","email":"a@b.c"}`, out)
}

func TestPreflight_MissingFieldEnumerated(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: playerV1}))

	_, _, err := reg.Preflight("player", `{"name":"Alice"}`, ModeDefault, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTypeMismatch))

	var schemaErr *core.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	fields := make([]string, 0, len(schemaErr.Violations))
	for _, v := range schemaErr.Violations {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "email")
	assert.Contains(t, err.Error(), "email")
}

func TestPreflight_AllViolationsReported(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: playerV1}))

	// name has the wrong type and email is missing entirely.
	_, _, err := reg.Preflight("player", `{"name":42}`, ModeDefault, nil)
	require.Error(t, err)

	var schemaErr *core.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	require.GreaterOrEqual(t, len(schemaErr.Violations), 2)

	msg := err.Error()
	assert.Contains(t, msg, "name")
	assert.Contains(t, msg, "email")
}

func TestPreflight_ExplicitVersionWins(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: `{name: string}`}))
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 2, Definition: playerV1}))

	// v2 (latest) would reject this value; explicitly writing at v1 passes.
	out, sch, err := reg.Preflight("player", `{"name":"Alice"}`, ModeDefault, uintPtr(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sch.Version)
	assert.Equal(t, `{"name":"Alice"}`, out)

	// An explicit version nobody registered resolves no schema.
	out, sch, err = reg.Preflight("player", `{"anything":true}`, ModeDefault, uintPtr(9))
	require.NoError(t, err)
	assert.Nil(t, sch)
	assert.Equal(t, `{"anything":true}`, out)
}

func TestPreflight_LatestFallback(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: `{name: string}`}))
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 2, Definition: playerV1}))

	for _, mode := range []Mode{ModeDefault, ModeAuto} {
		_, sch, err := reg.Preflight("player", `{"name":"Alice","email":"a@b.c"}`, mode, nil)
		require.NoError(t, err, "mode %s", mode)
		require.NotNil(t, sch)
		assert.Equal(t, uint64(2), sch.Version)
	}
}

func TestPreflight_NormalizerInjectsDefault(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: `{name: string}`}))
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 1,
		Transform: MustPatchTransform(`{score: *0 | int}`),
	}))

	out, _, err := reg.Preflight("player", `{"name":"Alice"}`, ModeDefault, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alice","score":0}`, out)

	// A value that already carries a score keeps it.
	out, _, err = reg.Preflight("player", `{"name":"Bob","score":7}`, ModeDefault, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Bob","score":7}`, out)
}

func TestPreflight_NormalizerConflictIsDistinctError(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: `{name: string, score?: string}`}))
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 1,
		Transform: MustPatchTransform(`{score: *0 | int}`),
	}))

	// The value validates, then the normalizer's int score collides with the
	// declared string type.
	_, _, err := reg.Preflight("player", `{"name":"Alice","score":"high"}`, ModeDefault, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNormalizerInvalid))
	assert.False(t, errors.Is(err, core.ErrTypeMismatch))
}

func TestPreflight_NormalizerOutputRevalidated(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: `{name: string, score: int & >=0}`}))
	require.NoError(t, reg.RegisterMigration(MigrationRule{
		Key: "player", FromVersion: 1, ToVersion: 1,
		Transform: TransformFunc(func(v any) (any, error) {
			m := v.(map[string]any)
			m["score"] = -5
			return m, nil
		}),
	}))

	_, _, err := reg.Preflight("player", `{"name":"Alice","score":3}`, ModeDefault, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNormalizerInvalid))

	var schemaErr *core.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, core.NormalizerInvalid, schemaErr.Kind)
	assert.NotEmpty(t, schemaErr.Violations)
}

func TestPreflight_UndecodableValueWithSchema(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(KeySchema{Key: "player", Version: 1, Definition: playerV1}))

	_, _, err := reg.Preflight("player", "{not json", ModeDefault, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCodec))
}

func TestParseMode(t *testing.T) {
	testCases := []struct {
		input    string
		expected Mode
		ok       bool
	}{
		{"default", ModeDefault, true},
		{"", ModeDefault, true},
		{"strict", ModeStrict, true},
		{"Strict", ModeStrict, true},
		{"auto", ModeAuto, true},
		{"autoschema", ModeAuto, true},
		{"paranoid", ModeDefault, false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			mode, ok := ParseMode(tc.input)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, mode)
		})
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "default", ModeDefault.String())
	assert.Equal(t, "strict", ModeStrict.String())
	assert.Equal(t, "autoschema", ModeAuto.String())
}
