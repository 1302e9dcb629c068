// Package archive writes closed sessions to Parquet files.
//
// Each archived session is a directory holding samples.parquet and
// summaries.parquet.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType

	// RowGroupSize is the maximum number of rows buffered per row group.
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string. Unknown names
// select zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is one stored sample.
type SampleRow struct {
	Session   string  `parquet:"session,dict,zstd"`
	Channel   int32   `parquet:"channel"`
	Timestamp int64   `parquet:"timestamp_ns"`
	Value     float64 `parquet:"value"`
}

// SummaryRow is the distribution of one channel.
type SummaryRow struct {
	Session string  `parquet:"session,dict,zstd"`
	Channel int32   `parquet:"channel"`
	Count   int64   `parquet:"count"`
	Min     float64 `parquet:"min"`
	Max     float64 `parquet:"max"`
	P50     float64 `parquet:"p50"`
	P99     float64 `parquet:"p99"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// Writer writes rows of type T to a Parquet file.
type Writer[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

// NewWriter creates the file at path, including parent directories.
func NewWriter[T any](path string, opts Options) (*Writer[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(codec(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}

	return &Writer[T]{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[T](f, writerOpts...),
	}, nil
}

// Write appends rows.
func (w *Writer[T]) Write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer[T]) Path() string {
	return w.path
}

// ReadAll reads every row of a Parquet file.
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n != len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}

// Paths of an archived session.
func SamplesPath(dir, sessionKey string) string {
	return filepath.Join(dir, sessionKey, "samples.parquet")
}

func SummariesPath(dir, sessionKey string) string {
	return filepath.Join(dir, sessionKey, "summaries.parquet")
}

// Export writes one session's samples and summaries under dir.
func Export(dir, sessionKey string, samples []SampleRow, summaries []SummaryRow, opts Options) error {
	sw, err := NewWriter[SampleRow](SamplesPath(dir, sessionKey), opts)
	if err != nil {
		return fmt.Errorf("archive samples: %w", err)
	}
	if err := sw.Write(samples); err != nil {
		sw.Close()
		return fmt.Errorf("archive samples: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("archive samples: %w", err)
	}

	aw, err := NewWriter[SummaryRow](SummariesPath(dir, sessionKey), opts)
	if err != nil {
		return fmt.Errorf("archive summaries: %w", err)
	}
	if err := aw.Write(summaries); err != nil {
		aw.Close()
		return fmt.Errorf("archive summaries: %w", err)
	}
	return aw.Close()
}
