package compressors

import (
	"io"

	"github.com/INLOpen/nexussync/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using the Snappy
// stream framing format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	// Close flushes the frame; the underlying writer stays open.
	return snappy.NewBufferedWriter(w), nil
}

func (c *SnappyCompressor) WrapReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(r)), nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
