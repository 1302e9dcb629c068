package handler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/configproc"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/memstore"
	testutil "github.com/xtxerr/telrec/internal/testing"
	"github.com/xtxerr/telrec/internal/writer"
)

// =============================================================================
// Fixtures
// =============================================================================

type recordingObserver struct {
	mu       sync.Mutex
	written  map[packet.Kind]int
	deferred map[packet.Kind]int
	dropped  map[string]int
	failed   map[packet.Kind]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		written:  make(map[packet.Kind]int),
		deferred: make(map[packet.Kind]int),
		dropped:  make(map[string]int),
		failed:   make(map[packet.Kind]int),
	}
}

func (o *recordingObserver) PacketWritten(k packet.Kind) {
	o.mu.Lock()
	o.written[k]++
	o.mu.Unlock()
}

func (o *recordingObserver) PacketDeferred(k packet.Kind) {
	o.mu.Lock()
	o.deferred[k]++
	o.mu.Unlock()
}

func (o *recordingObserver) PacketDropped(k packet.Kind, reason string) {
	o.mu.Lock()
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *recordingObserver) WriteFailed(k packet.Kind) {
	o.mu.Lock()
	o.failed[k]++
	o.mu.Unlock()
}

func (o *recordingObserver) droppedFor(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

// fakeSchema resolves numeric formats from a map and inline references as-is.
type fakeSchema struct {
	formats map[uint64][]string
	err     error
}

func (f *fakeSchema) Parameters(_ context.Context, df packet.DataFormat) ([]string, error) {
	if !df.NeedsLookup() {
		return df.Parameters, nil
	}
	if f.err != nil {
		return nil, fmt.Errorf("parameter list %d: %w: %w", df.FormatID, errors.ErrSchemaLookup, f.err)
	}
	list, ok := f.formats[df.FormatID]
	if !ok {
		return nil, fmt.Errorf("parameter list %d: %w", df.FormatID, errors.ErrSchemaLookup)
	}
	return list, nil
}

func (f *fakeSchema) Event(_ context.Context, df packet.DataFormat) (string, error) {
	if df.EventID == "" {
		return "", errors.NewMissingField("event_identifier")
	}
	return df.EventID, nil
}

type fixture struct {
	set   *Set
	disp  *Dispatcher
	ms    *memstore.Session
	cfg   *sessionconfig.Config
	procs Processors
	obs   *recordingObserver
}

type fixtureOptions struct {
	retryInterval time.Duration
	configWait    time.Duration
	commitRetry   retry.Policy
	schema        *fakeSchema
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()

	b := memstore.New()
	sess, err := b.CreateSession(context.Background(), store.SessionMeta{Key: "s1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ms, _ := b.Session("s1")
	cfg := sessionconfig.New("s1")

	if fo.commitRetry.MaxAttempts == 0 {
		fo.commitRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	}
	if fo.configWait == 0 {
		fo.configWait = 5 * time.Millisecond
	}
	popts := configproc.Options{
		Batch: batch.Options{MaxItems: 1000, MaxWait: fo.configWait},
		Retry: fo.commitRetry,
	}
	procs := Processors{
		Periodic: configproc.New(configproc.PeriodicSpec(), sess, cfg, popts),
		Row:      configproc.New(configproc.RowSpec(), sess, cfg, popts),
		Synchro:  configproc.New(configproc.SynchroSpec(), sess, cfg, popts),
		Event:    configproc.New(configproc.EventSpec(), sess, cfg, popts),
		Error:    configproc.New(configproc.ErrorSpec(), sess, cfg, popts),
	}
	for _, start := range []func() error{procs.Periodic.Start, procs.Row.Start, procs.Synchro.Start, procs.Event.Start, procs.Error.Start} {
		if err := start(); err != nil {
			t.Fatalf("start processor: %v", err)
		}
	}

	schema := fo.schema
	if schema == nil {
		schema = &fakeSchema{}
	}
	obs := newRecordingObserver()
	set := NewSet(Deps{
		Config:     cfg,
		Schema:     schema,
		Writer:     writer.New(sess, cfg, writer.Options{}),
		Processors: procs,
		Observer:   obs,
	}, Options{
		Batch:         batch.Options{MaxItems: 100, MaxWait: time.Millisecond},
		RetryInterval: fo.retryInterval,
	})
	if err := set.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Cleanup(func() {
		set.Stop()
		procs.Periodic.Stop()
		procs.Row.Stop()
		procs.Synchro.Stop()
		procs.Event.Stop()
		procs.Error.Stop()
	})

	return &fixture{set: set, disp: NewDispatcher(set, obs), ms: ms, cfg: cfg, procs: procs, obs: obs}
}

func (f *fixture) send(t *testing.T, payload packet.Payload) error {
	t.Helper()
	p, err := packet.NewPacket("s1", payload)
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	return f.disp.Handle(context.Background(), p)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if err := testutil.Eventually(5*time.Second, 5*time.Millisecond, cond); err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestPeriodic_DeferredUntilConfigured(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	pkt := &packet.PeriodicData{
		DataFormat: packet.DataFormat{Parameters: []string{"speed:chassis", "rpm:engine"}},
		StartTime:  1000,
		Interval:   10,
		Columns:    []packet.SampleList{packet.Doubles(1, 2, 3), packet.Int32s(4, 5, 6)},
	}
	if err := f.send(t, pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	eventually(t, "periodic samples written", func() bool {
		return len(f.ms.Snapshot().Periodic) == 2
	})

	h, ok := f.cfg.PeriodicHandle("speed:chassis", 10)
	if !ok {
		t.Fatal("speed not configured")
	}
	got := f.ms.Snapshot().Periodic
	if got[0].Channel != h || got[0].Interval != 10 || len(got[0].Values) != 3 {
		t.Errorf("unexpected periodic samples %+v", got[0])
	}
	if f.set.Periodic.Pending() != 0 {
		t.Errorf("pending queue not drained: %d", f.set.Periodic.Pending())
	}

	// A second packet with the same parameters is written without a commit.
	f.send(t, pkt)
	eventually(t, "second packet written", func() bool {
		return len(f.ms.Snapshot().Periodic) == 4
	})
	if commits := f.ms.Snapshot().Commits; commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}
}

func TestPeriodic_Drops(t *testing.T) {
	tests := []struct {
		name   string
		pkt    *packet.PeriodicData
		reason string
	}{
		{
			name: "zero interval",
			pkt: &packet.PeriodicData{
				DataFormat: packet.DataFormat{Parameters: []string{"a"}},
				Columns:    []packet.SampleList{packet.Doubles(1)},
			},
			reason: ReasonInvalidInterval,
		},
		{
			name: "column mismatch",
			pkt: &packet.PeriodicData{
				DataFormat: packet.DataFormat{Parameters: []string{"a", "b"}},
				Interval:   10,
				Columns:    []packet.SampleList{packet.Doubles(1)},
			},
			reason: ReasonColumnMismatch,
		},
		{
			name: "schema lookup",
			pkt: &packet.PeriodicData{
				DataFormat: packet.DataFormat{FormatID: 99},
				Interval:   10,
				Columns:    []packet.SampleList{packet.Doubles(1)},
			},
			reason: ReasonSchemaLookup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			if err := f.send(t, tt.pkt); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			eventually(t, "packet dropped", func() bool {
				return f.obs.droppedFor(tt.reason) == 1
			})
			if f.set.Periodic.Pending() != 0 {
				t.Error("dropped packet must not be pending")
			}
			if f.procs.Periodic.Stats().Submitted != 0 {
				t.Error("dropped packet must not submit identifiers")
			}
		})
	}
}

func TestRow_LookupAndWrite(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		schema: &fakeSchema{formats: map[uint64][]string{7: {"a:x", "b:x"}}},
	})

	f.send(t, &packet.RowData{
		DataFormat: packet.DataFormat{FormatID: 7},
		Timestamps: []uint64{10, 20},
		Rows:       []packet.SampleList{packet.Doubles(1, 2), packet.Bools(true, false)},
	})

	eventually(t, "rows written", func() bool {
		return len(f.ms.Snapshot().Rows) == 2
	})
	rows := f.ms.Snapshot().Rows
	if rows[1].Doubles[0] != 1 || rows[1].Doubles[1] != 0 {
		t.Errorf("bool row not widened: %+v", rows[1])
	}
}

func TestSynchro_Written(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.send(t, &packet.SynchroData{
		DataFormat: packet.DataFormat{Parameters: []string{"s"}},
		StartTime:  100,
		Intervals:  []uint32{10, 20, 30},
		Columns:    []packet.SampleList{packet.Doubles(1, 2, 3)},
	})

	eventually(t, "synchro written", func() bool {
		return len(f.ms.Snapshot().Synchro) == 1
	})
	s := f.ms.Snapshot().Synchro[0]
	if s.Scale != 10 || s.Deltas[2] != 3 {
		t.Errorf("unexpected synchro %+v", s)
	}
}

func TestEvent_InvalidIdentifierDropped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.send(t, &packet.Event{DataFormat: packet.DataFormat{EventID: "nothex:app"}, Timestamp: 5})
	f.send(t, &packet.Event{DataFormat: packet.DataFormat{EventID: "2a:app"}, Timestamp: 6, RawValues: []float64{1.5}})

	eventually(t, "event written", func() bool {
		return len(f.ms.Snapshot().Events) == 1
	})
	if got := f.obs.droppedFor(ReasonMalformed); got != 1 {
		t.Errorf("expected 1 malformed drop, got %d", got)
	}
	if ev := f.ms.Snapshot().Events[0]; ev.DefinitionID != 0x2a || ev.Group != "app" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestError_ConfiguresStatusChannels(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.send(t, &packet.Error{
		Timestamp:       50,
		Name:            "oil",
		ErrorIdentifier: "oilpressure",
		ApplicationName: "engine",
		Type:            packet.ErrorTypeCurrent,
		Status:          packet.ErrorStatusSet,
	})

	eventually(t, "error rows written", func() bool {
		return len(f.ms.Snapshot().Rows) == 2
	})
	def, _ := f.cfg.Error("oil")
	rows := f.ms.Snapshot().Rows
	if rows[0].Channels[0] != def.Logged || rows[1].Channels[0] != def.Current {
		t.Errorf("unexpected error rows %+v", rows)
	}
}

func TestWriteFailure_RetriedByTicker(t *testing.T) {
	f := newFixture(t, fixtureOptions{retryInterval: 10 * time.Millisecond})
	f.ms.FailNext(memstore.OpMarker, 1, nil)

	f.send(t, &packet.Marker{Timestamp: 10, Label: "flag"})

	eventually(t, "marker written after retry", func() bool {
		return len(f.ms.Snapshot().Markers) == 1
	})
	st := f.set.Marker.Stats()
	if st.Failed != 1 || st.Drains == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDeferred_NotRetriedBeforeCommit(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		retryInterval: 5 * time.Millisecond,
		configWait:    200 * time.Millisecond,
	})

	f.send(t, &packet.PeriodicData{
		DataFormat: packet.DataFormat{Parameters: []string{"speed:chassis"}},
		StartTime:  1000,
		Interval:   10,
		Columns:    []packet.SampleList{packet.Doubles(1, 2)},
	})

	eventually(t, "periodic samples written", func() bool {
		return len(f.ms.Snapshot().Periodic) == 1
	})

	// The retry ticker fired many times inside the config window.
	st := f.set.Periodic.Stats()
	if st.Deferred != 1 || st.Drains != 1 {
		t.Errorf("packet re-deferred while its commit was open: %+v", st)
	}
	if d := f.procs.Periodic.Stats().Duplicates; d != 0 {
		t.Errorf("identifier resubmitted %d times", d)
	}
}

func TestWriteFailure_KeptWithoutTicker(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.ms.FailNext(memstore.OpCAN, 1, nil)

	f.send(t, &packet.RawCANData{Timestamp: 10, Bus: 1, CANID: 0x100, Payload: []byte{1}})

	eventually(t, "frame parked", func() bool {
		return f.set.RawCAN.Pending() == 1
	})
	if len(f.ms.Snapshot().Frames) != 0 {
		t.Error("failed frame must not be stored")
	}
}

func TestConfigFailure_DoesNotDrain(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		commitRetry: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	f.ms.FailNext(memstore.OpCommit, 100, nil)

	pkt := &packet.RowData{
		DataFormat: packet.DataFormat{Parameters: []string{"a"}},
		Timestamps: []uint64{1},
		Rows:       []packet.SampleList{packet.Doubles(1)},
	}
	f.send(t, pkt)

	eventually(t, "dead letter", func() bool {
		return len(f.procs.Row.DeadLetters()) == 1
	})
	if f.set.Row.Pending() != 1 {
		t.Errorf("packet must stay pending after a failed commit, got %d", f.set.Row.Pending())
	}

	// A later packet for the same identifier is dropped instead of parked.
	f.send(t, pkt)
	eventually(t, "config failure drop", func() bool {
		return f.obs.droppedFor(ReasonConfigFailed) == 1
	})
	if f.procs.Row.Stats().Submitted != 1 {
		t.Error("identifier must be submitted once")
	}
}

func TestDispatcher_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	var activity atomic.Int32
	f.disp.OnActivity(func() { activity.Add(1) })

	err := f.disp.Handle(context.Background(), packet.Packet{Type: "Bogus", SessionKey: "s1"})
	if !errors.Is(err, errors.ErrUnknownPacketType) {
		t.Errorf("expected ErrUnknownPacketType, got %v", err)
	}
	err = f.disp.Handle(context.Background(), packet.Packet{Type: "Marker", SessionKey: "s1", Content: []byte{0xff, 0xff}})
	if !errors.IsPacketError(err) {
		t.Errorf("expected packet error, got %v", err)
	}
	if activity.Load() != 0 {
		t.Error("dropped packets must not count as activity")
	}
	if f.obs.droppedFor(ReasonUnknownType) != 1 || f.obs.droppedFor(ReasonMalformed) != 1 {
		t.Errorf("unexpected drops %v", f.obs.dropped)
	}

	if err := f.send(t, &packet.CoverageCursor{Timestamp: 42}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if activity.Load() != 1 {
		t.Errorf("expected 1 activity, got %d", activity.Load())
	}
	eventually(t, "cursor written", func() bool {
		return f.ms.Snapshot().Cursor == 42
	})

	dispatched, dropped := f.disp.Stats()
	if dispatched != 1 || dropped != 2 {
		t.Errorf("Stats() = %d, %d", dispatched, dropped)
	}
}

func TestDispatcher_StoppedHandler(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.set.Stop()

	err := f.send(t, &packet.Marker{Timestamp: 1, Label: "late"})
	if !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if f.obs.droppedFor(ReasonNotRunning) != 1 {
		t.Error("expected not_running drop")
	}
}

func TestDropReason(t *testing.T) {
	tests := []struct {
		err    error
		reason string
		drop   bool
	}{
		{nil, "", false},
		{errors.ErrWriteFailed, "", false},
		{errors.NewMalformed("Row", "bad"), ReasonMalformed, true},
		{fmt.Errorf("x: %w", errors.ErrSchemaLookup), ReasonSchemaLookup, true},
		{fmt.Errorf("%w: boom", errConfigFailed), ReasonConfigFailed, true},
		{errors.ErrUnsupportedEncoding, ReasonUnsupportedEncoding, true},
		{fmt.Errorf("write: %w", errors.ErrSessionClosed), ReasonNotRunning, true},
	}
	for _, tt := range tests {
		reason, drop := DropReason(tt.err)
		if reason != tt.reason || drop != tt.drop {
			t.Errorf("DropReason(%v) = %q, %v; want %q, %v", tt.err, reason, drop, tt.reason, tt.drop)
		}
	}
}
