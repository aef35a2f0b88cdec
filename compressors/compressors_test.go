package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/nexussync/core"
)

func roundTrip(t *testing.T, c core.Compressor, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w, err := c.WrapWriter(&buf)
	if err != nil {
		t.Fatalf("WrapWriter() returned an unexpected error: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() returned an unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() returned an unexpected error: %v", err)
	}

	r, err := c.WrapReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("WrapReader() returned an unexpected error: %v", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading decompressed stream failed: %v", err)
	}
	return out
}

func TestCompressorRoundTrip(t *testing.T) {
	compressorCases := []struct {
		compressor core.Compressor
		wantType   core.CompressionType
	}{
		{&NoCompressionCompressor{}, core.CompressionNone},
		{NewSnappyCompressor(), core.CompressionSnappy},
		{NewLz4Compressor(), core.CompressionLZ4},
		{NewZstdCompressor(), core.CompressionZSTD},
	}

	dataCases := []struct {
		name string
		data []byte
	}{
		{
			name: "simple string",
			data: []byte("hello world, this is a test of the stream compressors"),
		},
		{
			name: "repetitive data",
			data: bytes.Repeat([]byte("a"), 4096),
		},
		{
			name: "empty data",
			data: []byte{},
		},
		{
			name: "random data (less compressible)",
			data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2"),
		},
	}

	for _, cc := range compressorCases {
		t.Run(cc.wantType.String(), func(t *testing.T) {
			if cc.compressor.Type() != cc.wantType {
				t.Errorf("Type() got = %v, want %v", cc.compressor.Type(), cc.wantType)
			}
			for _, dc := range dataCases {
				t.Run(dc.name, func(t *testing.T) {
					got := roundTrip(t, cc.compressor, dc.data)
					if !bytes.Equal(dc.data, got) {
						t.Errorf("round trip mismatch.\nOriginal: %q\nGot: %q", string(dc.data), string(got))
					}
				})
			}
		})
	}
}

func TestCompressorLeavesUnderlyingWriterOpen(t *testing.T) {
	// A trailer written after Close must land after the compressed frame.
	c := NewSnappyCompressor()
	var buf bytes.Buffer

	w, err := c.WrapWriter(&buf)
	if err != nil {
		t.Fatalf("WrapWriter() error: %v", err)
	}
	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	frameLen := buf.Len()

	if _, err := buf.WriteString("TRAILER"); err != nil {
		t.Fatalf("writing trailer: %v", err)
	}

	r, err := c.WrapReader(bytes.NewReader(buf.Bytes()[:frameLen]))
	if err != nil {
		t.Fatalf("WrapReader() error: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("frame payload got %q, want %q", got, "payload")
	}
	if string(buf.Bytes()[frameLen:]) != "TRAILER" {
		t.Errorf("trailer was not preserved after the frame")
	}
}

func TestZstdEncoderReuse(t *testing.T) {
	// The pool hands the same encoder back; each wrap must produce an
	// independent, valid frame.
	c := NewZstdCompressor()
	for i := 0; i < 3; i++ {
		got := roundTrip(t, c, bytes.Repeat([]byte("reuse"), 100))
		if !bytes.Equal(got, bytes.Repeat([]byte("reuse"), 100)) {
			t.Fatalf("round %d: frame corrupted after encoder reuse", i)
		}
	}
}

func TestForType(t *testing.T) {
	for _, ct := range []core.CompressionType{
		core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD,
	} {
		c, err := ForType(ct)
		if err != nil {
			t.Fatalf("ForType(%v) error: %v", ct, err)
		}
		if c.Type() != ct {
			t.Errorf("ForType(%v).Type() = %v", ct, c.Type())
		}
	}

	if _, err := ForType(core.CompressionType(99)); err == nil {
		t.Error("ForType(99) expected an error for unknown type")
	}
}

func BenchmarkCompressStream(b *testing.B) {
	data := []byte(`{"key":"user:profile","value":{"name":"test","tags":["a","b","c"],"score":42}}`)
	data = bytes.Repeat(data, 50)

	benches := []struct {
		name       string
		compressor core.Compressor
	}{
		{"snappy", NewSnappyCompressor()},
		{"lz4", NewLz4Compressor()},
		{"zstd", NewZstdCompressor()},
	}

	for _, bench := range benches {
		b.Run(bench.name, func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			var buf bytes.Buffer
			for i := 0; i < b.N; i++ {
				buf.Reset()
				w, err := bench.compressor.WrapWriter(&buf)
				if err != nil {
					b.Fatalf("WrapWriter() error: %v", err)
				}
				if _, err := w.Write(data); err != nil {
					b.Fatalf("Write() error: %v", err)
				}
				if err := w.Close(); err != nil {
					b.Fatalf("Close() error: %v", err)
				}
			}
		})
	}
}
