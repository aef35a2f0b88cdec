package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FormatVersion is the current on-disk format version for snapshot files.
const FormatVersion uint8 = 1

// SnapshotMagicNumber identifies a state snapshot file.
const SnapshotMagicNumber uint32 = 0x4E585353 // "NXSS"

// FileHeader is the uncompressed preamble of every snapshot file. Everything
// after it is compressed with CompressorType.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// WriteFileHeader serializes the header in little-endian order.
func WriteFileHeader(w io.Writer, h FileHeader) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write file header: %w", err)
	}
	return nil
}

// ReadFileHeader deserializes a header and checks it against the expected
// magic number and a known format version.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read file header: %w", err)
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("invalid magic number. Got: %x, want: %x", h.Magic, wantMagic)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return h, fmt.Errorf("unsupported format version %d", h.Version)
	}
	return h, nil
}
