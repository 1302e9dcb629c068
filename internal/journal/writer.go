// Package journal records raw packet envelopes on disk and replays them.
//
// A journal directory holds numbered segment files. Each segment starts with
// a header and contains a sequence of records:
//
//	Header: 8 bytes magic + 4 bytes version
//	Record: [4 bytes length][4 bytes crc32][zstd payload]
//
// A record payload is a zstd frame of length-delimited envelopes as written
// by the wire package. Envelopes are grouped into records by a batch
// processor, so Record never blocks on disk I/O.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/wire"
)

var log = logging.Component("journal")

const (
	journalMagic     = 0x544C524A524E0001 // "TLRJRN" + version 1
	journalVersion   = 1
	headerSize       = 12
	recordHeaderSize = 8
	maxRecordSize    = 256 * 1024 * 1024
	segmentSuffix    = ".journal"
)

// Sync modes.
const (
	SyncAsync = "async"
	SyncSync  = "sync"
	SyncFsync = "fsync"
)

// Options configures the journal writer.
type Options struct {
	// MaxSegmentSize rotates the segment once it would grow beyond it.
	MaxSegmentSize int64

	// SyncMode controls durability.
	// "async" - buffered, flushed when a segment rotates or closes
	// "sync"  - flushed after every record
	// "fsync" - flushed and fsynced after every record
	SyncMode string

	// BufferSize is the size of the write buffer.
	BufferSize int

	// Batch groups envelopes into records.
	Batch batch.Options

	// Retention prunes old segments whenever a segment rotates.
	Retention Retention
}

// DefaultOptions returns default journal options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: config.DefaultJournalSegmentSize,
		SyncMode:       config.DefaultJournalSyncMode,
		BufferSize:     64 * 1024,
		Batch: batch.Options{
			Name:     "journal",
			MaxItems: config.DefaultJournalBatchSize,
			MaxWait:  config.DefaultJournalBatchWait,
		},
	}
}

// WriterStats holds journal writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	PacketsWritten  int64
	BytesWritten    int64
	SegmentsPruned  int64
	Syncs           int64
	Errors          int64
}

// Writer appends envelopes to a journal directory.
//
// Writer is safe for concurrent use.
type Writer struct {
	mu sync.Mutex

	dir     string
	segment *os.File
	path    string
	size    int64
	seq     int64
	buf     *bufio.Writer
	closed  bool

	opts    Options
	enc     *zstd.Encoder
	batcher *batch.Processor[packet.Packet]

	stats WriterStats
}

// NewWriter opens a journal directory for appending. A new segment is
// started after the highest existing one.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}
	if opts.Batch.Name == "" {
		opts.Batch.Name = def.Batch.Name
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	w := &Writer{dir: dir, opts: opts, enc: enc}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.seq = segments[len(segments)-1].seq + 1
	}
	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	w.batcher = batch.New(w.sink, opts.Batch)
	if err := w.batcher.Start(); err != nil {
		w.closeSegment()
		return nil, err
	}
	return w, nil
}

// Record queues one envelope. It implements the session tap.
func (w *Writer) Record(p packet.Packet) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return errors.Wrap(errors.ErrStoreClosed, "journal")
	}
	w.batcher.Add(p)
	return nil
}

func (w *Writer) sink(_ context.Context, pkts []packet.Packet) error {
	if err := w.Write(pkts); err != nil {
		log.Error("failed to write journal record", "packets", len(pkts), "error", err)
		return err
	}
	return nil
}

// Write appends envelopes as one record.
func (w *Writer) Write(pkts []packet.Packet) error {
	if len(pkts) == 0 {
		return nil
	}

	var raw []byte
	for _, p := range pkts {
		raw = wire.Append(raw, p)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.Wrap(errors.ErrStoreClosed, "journal")
	}
	payload := w.enc.EncodeAll(raw, nil)

	recordSize := int64(recordHeaderSize + len(payload))
	if w.size+recordSize > w.opts.MaxSegmentSize && w.size > headerSize {
		if err := w.rotate(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
		w.prune()
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.buf.Write(header[:]); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := w.buf.Write(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.size += recordSize
	w.stats.RecordsWritten++
	w.stats.PacketsWritten += int64(len(pkts))
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == SyncSync || w.opts.SyncMode == SyncFsync {
		if err := w.sync(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Flush writes queued envelopes and flushes the write buffer.
func (w *Writer) Flush() error {
	w.batcher.Flush()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.sync()
}

func (w *Writer) sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncFsync {
		if err := w.segment.Sync(); err != nil {
			return err
		}
	}
	w.stats.Syncs++
	return nil
}

func (w *Writer) rotate() error {
	w.closeSegment()

	path := filepath.Join(w.dir, fmt.Sprintf("%016d%s", w.seq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], journalMagic)
	binary.LittleEndian.PutUint32(header[8:12], journalVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.segment = f
	w.path = path
	w.size = headerSize
	w.buf = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.seq++
	w.stats.SegmentsCreated++
	return nil
}

// prune applies the retention bounds. Called with w.mu held.
func (w *Writer) prune() {
	if !w.opts.Retention.Enabled() {
		return
	}
	result := Prune(w.dir, w.opts.Retention, w.path, false)
	w.stats.SegmentsPruned += int64(result.FilesDeleted)
	for _, err := range result.Errors {
		w.stats.Errors++
		log.Warn("journal retention", "error", err)
	}
	if result.FilesDeleted > 0 {
		log.Info("journal segments pruned", "deleted", result.FilesDeleted, "bytes_freed", result.BytesFreed)
	}
}

func (w *Writer) closeSegment() {
	if w.segment == nil {
		return
	}
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			log.Warn("failed to flush journal segment", "path", w.path, "error", err)
		}
	}
	if err := w.segment.Close(); err != nil {
		log.Warn("failed to close journal segment", "path", w.path, "error", err)
	}
	w.segment = nil
}

// Close writes queued envelopes and closes the current segment.
func (w *Writer) Close() error {
	w.batcher.Flush()
	w.batcher.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.buf != nil {
		err = w.buf.Flush()
	}
	if w.segment != nil {
		if cerr := w.segment.Close(); err == nil {
			err = cerr
		}
		w.segment = nil
	}
	w.enc.Close()
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path of the segment being written.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

type segmentInfo struct {
	path string
	seq  int64
}

// listSegments returns the segment files of dir in order.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) != 16+len(segmentSuffix) || name[16:] != segmentSuffix {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%016d", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// Segments returns the segment paths of a journal directory in order.
func Segments(dir string) ([]string, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}
