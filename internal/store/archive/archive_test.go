package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriterReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "samples.parquet")

	w, err := NewWriter[SampleRow](path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rows := []SampleRow{
		{Session: "s1", Channel: 1, Timestamp: 1000, Value: 1.5},
		{Session: "s1", Channel: 2, Timestamp: 2000, Value: -3},
	}
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 2 {
		t.Errorf("expected 2 rows, got %d", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(rows); err != ErrWriterClosed {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}

	got, err := ReadAll[SampleRow](path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[1] != rows[1] {
		t.Errorf("row mismatch: got %+v, want %+v", got[1], rows[1])
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()

	samples := []SampleRow{{Session: "s1", Channel: 1, Timestamp: 5, Value: 10}}
	summaries := []SummaryRow{{Session: "s1", Channel: 1, Count: 1, Min: 10, Max: 10, P50: 10, P99: 10}}

	if err := Export(dir, "s1", samples, summaries, DefaultOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	for _, p := range []string{SamplesPath(dir, "s1"), SummariesPath(dir, "s1")} {
		if st, err := os.Stat(p); err != nil || st.Size() == 0 {
			t.Errorf("%s: missing or empty (%v)", p, err)
		}
	}

	got, err := ReadAll[SummaryRow](SummariesPath(dir, "s1"))
	if err != nil || len(got) != 1 || got[0].Count != 1 {
		t.Errorf("ReadAll summaries = %+v, %v", got, err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"", CompressionNone},
		{"none", CompressionNone},
		{"snappy", CompressionSnappy},
		{"gzip", CompressionGzip},
		{"lz4", CompressionLZ4},
		{"zstd", CompressionZstd},
		{"bogus", CompressionZstd},
	}
	for _, tt := range tests {
		if got := ParseCompressionType(tt.in); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
