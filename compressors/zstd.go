package compressors

import (
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/nexussync/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd. Encoders
// are pooled; Close finishes the frame and returns the encoder for reuse.
type ZstdCompressor struct {
	encoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				// The io.Writer is bound later via Reset.
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					return nil
				}
				return enc
			},
		},
	}
}

// zstdWriteCloser finalizes the frame on Close and returns the encoder to
// the pool. The underlying writer stays open.
type zstdWriteCloser struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (zwc *zstdWriteCloser) Close() error {
	err := zwc.Encoder.Close()
	zwc.pool.Put(zwc.Encoder)
	return err
}

func (c *ZstdCompressor) WrapWriter(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	enc.Reset(w)
	return &zstdWriteCloser{Encoder: enc, pool: &c.encoderPool}, nil
}

func (c *ZstdCompressor) WrapReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(100*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init error: %w", err)
	}
	return dec.IOReadCloser(), nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
