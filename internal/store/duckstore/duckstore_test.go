package duckstore

import (
	"context"
	"testing"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/archive"
)

func openTest(t *testing.T, archiveDir string) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArchiveDir = archiveDir
	b, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func count(t *testing.T, b *Backend, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := b.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestCreateSession(t *testing.T) {
	b := openTest(t, "")
	ctx := context.Background()

	if _, err := b.CreateSession(ctx, store.SessionMeta{Key: "s1", Identifier: "Untitled"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := b.CreateSession(ctx, store.SessionMeta{Key: "s1"}); !errors.Is(err, errors.ErrSessionAlreadyExists) {
		t.Errorf("expected ErrSessionAlreadyExists, got %v", err)
	}
}

func TestCommit(t *testing.T) {
	b := openTest(t, "")
	ctx := context.Background()
	ss, err := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	unit := store.ConfigUnit{
		ID:          "u1",
		Category:    "row",
		Groups:      []store.Group{{Name: "app"}},
		Conversions: []store.Conversion{store.DefaultConversion},
		Channels: []store.Channel{
			{Handle: 1, Name: "a:app", DataType: store.DataTypeFloat64, Kind: store.ChannelRow},
			{Handle: 2, Name: "b:app", DataType: store.DataTypeFloat64, Kind: store.ChannelRow},
		},
		Parameters: []store.Parameter{
			{Identifier: "a:app", Name: "a", Group: "app", Channels: []sessionconfig.Handle{1}},
			{Identifier: "b:app", Name: "b", Group: "app", Channels: []sessionconfig.Handle{2}},
		},
	}

	if err := ss.Commit(ctx, unit); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := ss.Commit(ctx, unit); !errors.Is(err, errors.ErrConfigExists) {
		t.Errorf("expected ErrConfigExists, got %v", err)
	}
	if err := ss.Use(ctx, "u1"); err != nil {
		t.Errorf("Use: %v", err)
	}
	if err := ss.Use(ctx, "nope"); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	if n := count(t, b, `SELECT count(*) FROM channels WHERE session_key = 's1'`); n != 2 {
		t.Errorf("expected 2 channels, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM parameters WHERE session_key = 's1'`); n != 2 {
		t.Errorf("expected 2 parameters, got %d", n)
	}
}

func TestAppendSamples(t *testing.T) {
	b := openTest(t, "")
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})

	if err := ss.AppendPeriodic(ctx, store.PeriodicSamples{Channel: 1, Start: 100, Interval: 10, Values: []float64{1, 2, 3}}); err != nil {
		t.Fatalf("AppendPeriodic: %v", err)
	}
	if err := ss.AppendRow(ctx, store.RowSample{Channels: []sessionconfig.Handle{2, 3}, Timestamp: 5, Uint16s: []uint16{1, 0}}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := ss.AppendSynchro(ctx, store.SynchroSamples{Channel: 4, Start: 0, Scale: 1000, Values: []float64{1, 2}, Deltas: []uint32{1, 2}}); err != nil {
		t.Fatalf("AppendSynchro: %v", err)
	}

	if n := count(t, b, `SELECT count(*) FROM samples WHERE session_key = 's1'`); n != 7 {
		t.Errorf("expected 7 samples, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM samples WHERE channel = 1 AND timestamp_ns = 120`); n != 1 {
		t.Errorf("expected periodic sample at 120, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM samples WHERE channel = 4 AND timestamp_ns = 3000`); n != 1 {
		t.Errorf("expected synchro sample at 3000, got %d", n)
	}
}

func TestAppendRepeated(t *testing.T) {
	b := openTest(t, "")
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})

	periodic := store.PeriodicSamples{Channel: 1, Start: 100, Interval: 10, Values: []float64{1, 2, 3}}
	row := store.RowSample{Channels: []sessionconfig.Handle{2, 3}, Timestamp: 5, Doubles: []float64{1.5, 2.5}}
	event := store.Event{Timestamp: 7, DefinitionID: 4, Group: "app", Values: []float64{1, 2}}

	// A packet re-queued after a partial failure is written again.
	for i := 0; i < 2; i++ {
		if err := ss.AppendPeriodic(ctx, periodic); err != nil {
			t.Fatalf("AppendPeriodic #%d: %v", i, err)
		}
		if err := ss.AppendRow(ctx, row); err != nil {
			t.Fatalf("AppendRow #%d: %v", i, err)
		}
		if err := ss.AddEvent(ctx, event); err != nil {
			t.Fatalf("AddEvent #%d: %v", i, err)
		}
	}

	if n := count(t, b, `SELECT count(*) FROM samples WHERE session_key = 's1'`); n != 5 {
		t.Errorf("expected 5 samples, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM events WHERE session_key = 's1'`); n != 2 {
		t.Errorf("expected 2 event values, got %d", n)
	}
}

func TestLapsAndMetadata(t *testing.T) {
	b := openTest(t, "")
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})

	if err := ss.AddLap(ctx, store.Lap{Timestamp: 1, Number: 1, Name: "Out Lap"}); err != nil {
		t.Fatalf("AddLap: %v", err)
	}
	if err := ss.UpdateLap(ctx, store.Lap{Timestamp: 1, Number: 1, Name: "Out Lap", CountForFastestLap: true}); err != nil {
		t.Fatalf("UpdateLap: %v", err)
	}
	if err := ss.UpdateLap(ctx, store.Lap{Timestamp: 2}); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := ss.AddMarker(ctx, store.Marker{Timestamp: 3, Label: "m"}); err != nil {
		t.Fatalf("AddMarker: %v", err)
	}
	if err := ss.AddEvent(ctx, store.Event{Timestamp: 4, DefinitionID: 31, Values: []float64{1, 2}}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := ss.AppendCAN(ctx, store.CANFrame{Timestamp: 5, Bus: 1, ID: 0x100, Payload: []byte{1, 2}}); err != nil {
		t.Fatalf("AppendCAN: %v", err)
	}
	if err := ss.UpdateIdentifier(ctx, "Race 1"); err != nil {
		t.Fatalf("UpdateIdentifier: %v", err)
	}
	if err := ss.SetTimeBounds(ctx, 10, 20); err != nil {
		t.Fatalf("SetTimeBounds: %v", err)
	}
	if err := ss.SetCoverageCursor(ctx, 15); err != nil {
		t.Fatalf("SetCoverageCursor: %v", err)
	}

	if n := count(t, b, `SELECT count(*) FROM laps WHERE count_for_fastest_lap`); n != 1 {
		t.Errorf("expected 1 counted lap, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM events WHERE definition_id = 31`); n != 2 {
		t.Errorf("expected 2 event values, got %d", n)
	}
	if n := count(t, b, `SELECT count(*) FROM sessions WHERE identifier = 'Race 1' AND start_ns = 10 AND end_ns = 20 AND coverage_ns = 15`); n != 1 {
		t.Errorf("session metadata not updated")
	}
}

func TestCloseArchives(t *testing.T) {
	dir := t.TempDir()
	b := openTest(t, dir)
	ctx := context.Background()
	ss, _ := b.CreateSession(ctx, store.SessionMeta{Key: "s1"})

	ss.AppendPeriodic(ctx, store.PeriodicSamples{Channel: 1, Start: 0, Interval: 1, Values: []float64{1, 2}})
	ss.WriteSummaries(ctx, []store.ChannelSummary{{Channel: 1, Count: 2, Min: 1, Max: 2, P50: 1, P99: 2}})

	if err := ss.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ss.AddMarker(ctx, store.Marker{}); !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	samples, err := archive.ReadAll[archive.SampleRow](archive.SamplesPath(dir, "s1"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("expected 2 archived samples, got %d", len(samples))
	}
	summaries, err := archive.ReadAll[archive.SummaryRow](archive.SummariesPath(dir, "s1"))
	if err != nil || len(summaries) != 1 {
		t.Errorf("archived summaries = %v, %v", summaries, err)
	}
}
