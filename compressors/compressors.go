// Package compressors provides stream compression for snapshot files.
// Every implementation wraps the destination or source stream; Close on a
// wrapped writer finalizes the compressed frame without closing the
// underlying stream, so callers can append trailers after the payload.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexussync/core"
)

// ForType returns the Compressor for a snapshot's compression byte.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}
