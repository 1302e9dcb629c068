package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/wire"
)

// Reader reads envelopes from one segment file.
type Reader struct {
	path string
	file *os.File
	dec  *zstd.Decoder

	stats ReaderStats
}

// ReaderStats holds journal reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	PacketsRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != journalMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(journalMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != journalVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Reader{path: path, file: f, dec: dec}, nil
}

// ReadRecord reads the envelopes of the next record. It returns io.EOF at
// the end of the segment, io.ErrUnexpectedEOF for a torn trailing record
// and an error wrapping errors.ErrCorruptRecord for a record that fails its
// checksum or does not decode. A corrupt record is skipped; reading may
// continue.
func (r *Reader) ReadRecord() ([]packet.Packet, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expected := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, io.ErrUnexpectedEOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	r.stats.BytesRead += int64(recordHeaderSize) + int64(length)

	if actual := crc32.ChecksumIEEE(payload); actual != expected {
		r.stats.CorruptRecords++
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "crc mismatch: expected %x, got %x", expected, actual)
	}

	raw, err := r.dec.DecodeAll(payload, nil)
	if err != nil {
		r.stats.CorruptRecords++
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "decompress: %v", err)
	}

	pkts, err := wire.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		r.stats.CorruptRecords++
		return nil, errors.Wrapf(errors.ErrCorruptRecord, "decode envelopes: %v", err)
	}

	r.stats.RecordsRead++
	r.stats.PacketsRead += int64(len(pkts))
	return pkts, nil
}

// ReadAll reads every intact envelope of the segment. Corrupt records are
// skipped and a torn tail ends the segment.
func (r *Reader) ReadAll() ([]packet.Packet, error) {
	var out []packet.Packet
	for {
		pkts, err := r.ReadRecord()
		switch {
		case err == nil:
			out = append(out, pkts...)
		case err == io.EOF:
			return out, nil
		case err == io.ErrUnexpectedEOF:
			log.Warn("truncated journal record", "path", r.path)
			return out, nil
		case errors.Is(err, errors.ErrCorruptRecord):
			log.Warn("skipping corrupt journal record", "path", r.path, "error", err)
		default:
			return out, err
		}
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads every intact envelope of a segment file.
func ReadSegment(path string) ([]packet.Packet, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// Scan calls fn for every envelope of a journal directory in order. It
// stops at the first error fn returns.
func Scan(dir string, fn func(packet.Packet) error) error {
	paths, err := Segments(dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, path := range paths {
		pkts, err := ReadSegment(path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", path, err)
		}
		for _, p := range pkts {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}
