// Package snapshot reads and writes portable state snapshot files.
//
// A snapshot file is an uncompressed FileHeader followed by one compressed
// section holding the revision, the entry count, and length-prefixed
// key/value records, terminated by a CRC32 of the uncompressed record
// stream. The compression algorithm is recorded in the header, so readers
// need no out-of-band knowledge.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexussync/compressors"
	"github.com/INLOpen/nexussync/core"
)

// ErrChecksumMismatch indicates the record stream did not match its trailer.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// maxRecordLen bounds a single key or value, guarding decoders against
// corrupt length prefixes.
const maxRecordLen = 64 << 20

// Data is the logical content of a snapshot.
type Data struct {
	Revision uint64
	Entries  map[string]string
}

// Write serializes data to w using the given compressor. Keys are written
// in sorted order, making the record stream deterministic for a given state.
func Write(w io.Writer, data Data, comp core.Compressor) error {
	if comp == nil {
		comp = &compressors.NoCompressionCompressor{}
	}
	header := core.NewFileHeader(core.SnapshotMagicNumber, comp.Type())
	if err := core.WriteFileHeader(w, header); err != nil {
		return err
	}

	cw, err := comp.WrapWriter(w)
	if err != nil {
		return fmt.Errorf("failed to wrap snapshot writer: %w", err)
	}
	hasher := crc32.NewIEEE()
	body := io.MultiWriter(cw, hasher)

	if err := writeUvarint(body, data.Revision); err != nil {
		return fmt.Errorf("failed to write revision: %w", err)
	}
	if err := writeUvarint(body, uint64(len(data.Entries))); err != nil {
		return fmt.Errorf("failed to write entry count: %w", err)
	}

	keys := make([]string, 0, len(data.Entries))
	for k := range data.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeRecord(body, k, data.Entries[k]); err != nil {
			return err
		}
	}

	if err := binary.Write(cw, binary.LittleEndian, hasher.Sum32()); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	return cw.Close()
}

// Info describes a snapshot file without loading its entries.
type Info struct {
	Header   core.FileHeader
	Revision uint64
	Count    uint64
}

// Inspect reads just the header, revision and entry count. The record
// stream is not consumed, so the checksum is not verified.
func Inspect(r io.Reader) (Info, error) {
	var info Info

	header, err := core.ReadFileHeader(r, core.SnapshotMagicNumber)
	if err != nil {
		return info, err
	}
	info.Header = header

	comp, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return info, err
	}
	cr, err := comp.WrapReader(r)
	if err != nil {
		return info, fmt.Errorf("failed to wrap snapshot reader: %w", err)
	}
	defer cr.Close()

	body := bufio.NewReader(cr)
	if info.Revision, err = binary.ReadUvarint(body); err != nil {
		return info, fmt.Errorf("failed to read revision: %w", err)
	}
	if info.Count, err = binary.ReadUvarint(body); err != nil {
		return info, fmt.Errorf("failed to read entry count: %w", err)
	}
	return info, nil
}

// InspectFile is Inspect over a file path.
func InspectFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()
	return Inspect(bufio.NewReader(f))
}

// Read deserializes a snapshot from r, picking the decompressor named in the
// header and verifying the checksum trailer.
func Read(r io.Reader) (Data, error) {
	var data Data

	header, err := core.ReadFileHeader(r, core.SnapshotMagicNumber)
	if err != nil {
		return data, err
	}
	comp, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return data, err
	}
	cr, err := comp.WrapReader(r)
	if err != nil {
		return data, fmt.Errorf("failed to wrap snapshot reader: %w", err)
	}
	defer cr.Close()

	body := newChecksumReader(cr)

	data.Revision, err = binary.ReadUvarint(body)
	if err != nil {
		return data, fmt.Errorf("failed to read revision: %w", err)
	}
	count, err := binary.ReadUvarint(body)
	if err != nil {
		return data, fmt.Errorf("failed to read entry count: %w", err)
	}

	data.Entries = make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		key, value, err := readRecord(body)
		if err != nil {
			return data, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		data.Entries[key] = value
	}

	var want uint32
	if err := binary.Read(body.raw(), binary.LittleEndian, &want); err != nil {
		return data, fmt.Errorf("failed to read checksum: %w", err)
	}
	if got := body.sum(); got != want {
		return data, fmt.Errorf("%w: got %x, want %x", ErrChecksumMismatch, got, want)
	}
	return data, nil
}

// WriteFile writes a snapshot atomically: the data lands in a temp file that
// is fsynced and renamed over the target path.
func WriteFile(path string, data Data, comp core.Compressor) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := Write(tmp, data, comp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// ReadFile reads a snapshot file written by WriteFile.
func ReadFile(path string) (Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return Data{}, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeRecord(w io.Writer, key, value string) error {
	if err := writeUvarint(w, uint64(len(key))); err != nil {
		return fmt.Errorf("failed to write key length: %w", err)
	}
	if _, err := io.WriteString(w, key); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := writeUvarint(w, uint64(len(value))); err != nil {
		return fmt.Errorf("failed to write value length: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	return nil
}

func readRecord(r *checksumReader) (string, string, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to read key length: %w", err)
	}
	if keyLen > maxRecordLen {
		return "", "", fmt.Errorf("key length %d exceeds limit", keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", "", fmt.Errorf("failed to read key: %w", err)
	}

	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to read value length: %w", err)
	}
	if valLen > maxRecordLen {
		return "", "", fmt.Errorf("value length %d exceeds limit", valLen)
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return "", "", fmt.Errorf("failed to read value: %w", err)
	}
	return string(key), string(value), nil
}

// checksumReader hashes every byte delivered to the decoder so the trailer
// can be verified without buffering the stream. The trailer itself is read
// via raw(), bypassing the hash.
type checksumReader struct {
	br *bufio.Reader
	h  hash.Hash32
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{br: bufio.NewReader(r), h: crc32.NewIEEE()}
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.br.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
	}
	return n, err
}

func (cr *checksumReader) ReadByte() (byte, error) {
	b, err := cr.br.ReadByte()
	if err != nil {
		return 0, err
	}
	cr.h.Write([]byte{b})
	return b, nil
}

func (cr *checksumReader) raw() io.Reader { return cr.br }

func (cr *checksumReader) sum() uint32 { return cr.h.Sum32() }
