package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaError_EnumeratesAllViolations(t *testing.T) {
	err := &SchemaError{
		Kind:    TypeMismatch,
		Key:     "player",
		Version: 1,
		Violations: []Violation{
			{Field: "email", Message: "incomplete value string"},
			{Field: "age", Message: "conflicting values \"x\" and int"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "email")
	assert.Contains(t, msg, "age")
	assert.True(t, errors.Is(err, ErrTypeMismatch))
	assert.False(t, errors.Is(err, ErrNormalizerInvalid))
}

func TestSchemaError_KindSentinels(t *testing.T) {
	required := &SchemaError{Kind: SchemaRequired, Key: "player"}
	assert.True(t, errors.Is(required, ErrSchemaRequired))

	norm := &SchemaError{Kind: NormalizerInvalid, Key: "player", Version: 2}
	assert.True(t, errors.Is(norm, ErrNormalizerInvalid))
	assert.False(t, errors.Is(norm, ErrTypeMismatch))
}

func TestDuplicateSchemaError_Is(t *testing.T) {
	err := fmt.Errorf("register: %w", &DuplicateSchemaError{Key: "player", Version: 1})
	require.True(t, errors.Is(err, ErrDuplicateSchema))

	var dup *DuplicateSchemaError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "player", dup.Key)
	assert.Equal(t, uint64(1), dup.Version)
}

func TestUnreachableError_Is(t *testing.T) {
	err := &UnreachableError{Key: "player", From: 1, To: 5}
	assert.True(t, errors.Is(err, ErrMigrationUnreachable))
	assert.Contains(t, err.Error(), "v1")
	assert.Contains(t, err.Error(), "v5")
}

func TestCodecError_WrapsCause(t *testing.T) {
	cause := errors.New("bad payload")
	err := &CodecError{Op: "decode", Err: cause}
	assert.True(t, errors.Is(err, ErrCodec))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsCodecError(fmt.Errorf("write: %w", err)))
}
