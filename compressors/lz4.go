package compressors

import (
	"io"

	"github.com/INLOpen/nexussync/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 frame
// format.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	// Close flushes the frame; the underlying writer stays open.
	return lz4.NewWriter(w), nil
}

func (c *LZ4Compressor) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
