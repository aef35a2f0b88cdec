package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	codec := JSONCodec{}

	raw, err := codec.Encode(map[string]any{"name": "Alice", "score": 10})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, codec.Decode(raw, &out))
	assert.Equal(t, "Alice", out["name"])
	assert.Equal(t, float64(10), out["score"])
}

func TestJSONCodec_EncodeFailure(t *testing.T) {
	codec := JSONCodec{}

	_, err := codec.Encode(make(chan int))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodec))

	var codecErr *CodecError
	require.True(t, errors.As(err, &codecErr))
	assert.Equal(t, "encode", codecErr.Op)
}

func TestJSONCodec_DecodeFailure(t *testing.T) {
	codec := JSONCodec{}

	var out map[string]any
	err := codec.Decode("{not json", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodec))
}
