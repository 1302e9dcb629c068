package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/memstore"
	"github.com/xtxerr/telrec/internal/streamapi"
	testutil "github.com/xtxerr/telrec/internal/testing"
)

const quiescence = 50 * time.Millisecond

type fixture struct {
	backend  *memstore.Backend
	source   *testutil.PacketSource
	sessions *testutil.SessionService
	schema   *testutil.SchemaService
}

func newFixture() *fixture {
	return &fixture{
		backend:  memstore.New(),
		source:   testutil.NewPacketSource(),
		sessions: testutil.NewSessionService(),
		schema:   testutil.NewSchemaService(),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Backend:  f.backend,
		Source:   f.source,
		Sessions: f.sessions,
		Schema:   f.schema,
	}
}

func (f *fixture) stored(t *testing.T, key string) *memstore.Session {
	t.Helper()
	s, ok := f.backend.Session(key)
	if !ok {
		t.Fatalf("store session %s not created", key)
	}
	return s
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Quiescence = quiescence
	opts.PollInterval = 5 * time.Millisecond
	opts.Handlers.RetryInterval = 10 * time.Millisecond
	opts.ConfigBatch.MaxWait = 5 * time.Millisecond
	opts.SynchroBatch.MaxWait = 5 * time.Millisecond
	opts.CommitRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return opts
}

func mustPacket(t *testing.T, key string, payload packet.Payload) packet.Packet {
	t.Helper()
	p, err := packet.NewPacket(key, payload)
	if err != nil {
		t.Fatalf("NewPacket() error = %v", err)
	}
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if err := testutil.Eventually(2*time.Second, 2*time.Millisecond, cond); err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

func TestStateMachine(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr bool
	}{
		{"full lifecycle", []State{StateStreaming, StateDraining, StateClosed}, false},
		{"close before start", []State{StateClosed}, false},
		{"skip draining", []State{StateStreaming, StateClosed}, true},
		{"restart", []State{StateStreaming, StateStreaming}, true},
		{"reopen", []State{StateClosed, StateStreaming}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStateMachine()
			var err error
			for _, next := range tt.path {
				if _, err = m.Transition(next); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestLiveness_TouchExtendsWait(t *testing.T) {
	l := NewLiveness(40 * time.Millisecond)

	var touched atomic.Int64
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Touch()
		touched.Store(time.Now().UnixNano())
	}()

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if since := time.Since(time.Unix(0, touched.Load())); since < 40*time.Millisecond {
		t.Errorf("Wait() returned %v after the last touch, want at least 40ms", since)
	}
}

func TestLiveness_WaitCancelled(t *testing.T) {
	l := NewLiveness(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestSession_StartOpensStreams(t *testing.T) {
	f := newFixture()
	f.sessions.SetInfo(streamapi.SessionInfo{
		Key:        "s1",
		Identifier: "FP1",
		DataSource: "Default",
		Streams:    []string{"Car1", "Car2"},
		Offsets:    map[string]int64{streamapi.OffsetKey("Default", "Car1"): 42},
		Complete:   true,
	})

	s := New("s1", f.deps(), testOptions())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.EndSession(context.Background())

	if s.State() != StateStreaming {
		t.Errorf("State() = %s, want streaming", s.State())
	}

	offsets := map[string]uint64{}
	for _, ref := range f.source.Opened() {
		offsets[ref.Stream] = ref.Offset
	}
	if len(offsets) != 2 || offsets["Car1"] != 42 || offsets["Car2"] != 0 {
		t.Errorf("opened streams = %v", offsets)
	}
	if got := f.stored(t, "s1").Snapshot().Identifier; got != "FP1" {
		t.Errorf("identifier = %q, want FP1", got)
	}
	if err := s.Start(context.Background()); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second Start() error = %v, want ErrInvalidTransition", err)
	}
}

func TestSession_StartWithoutMetadata(t *testing.T) {
	f := newFixture()
	f.sessions.SetError(errors.ErrConnectionFailed)

	opts := testOptions()
	opts.PollInterval = 0
	s := New("s1", f.deps(), opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.EndSession(context.Background())

	if n := len(f.source.Opened()); n != 0 {
		t.Errorf("opened %d streams, want 0", n)
	}
	if got := f.stored(t, "s1").Snapshot().Identifier; got != "Untitled" {
		t.Errorf("identifier = %q, want Untitled", got)
	}
}

func TestSession_EndSessionWaitsForQuiescence(t *testing.T) {
	f := newFixture()
	f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Streams: []string{"Car1"}, Complete: true})

	s := New("s1", f.deps(), testOptions())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := f.source.Push("Car1", mustPacket(t, "s1", &packet.CoverageCursor{Timestamp: 100})); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	// A packet arriving while draining pushes the deadline back.
	next := mustPacket(t, "s1", &packet.CoverageCursor{Timestamp: 200})
	var late atomic.Int64
	go func() {
		time.Sleep(quiescence / 2)
		late.Store(time.Now().UnixNano())
		f.source.Push("Car1", next)
	}()

	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if since := time.Since(time.Unix(0, late.Load())); since < quiescence {
		t.Errorf("EndSession() returned %v after the last packet, want at least %v", since, quiescence)
	}

	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
	snap := f.stored(t, "s1").Snapshot()
	if !snap.Closed {
		t.Error("store session not closed")
	}
	if snap.Cursor != 200 {
		t.Errorf("cursor = %d, want 200", snap.Cursor)
	}
	if r, _ := f.source.Reader("Car1"); !r.Stopped() {
		t.Error("reader not stopped")
	}
	if err := s.EndSession(context.Background()); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second EndSession() error = %v, want ErrInvalidTransition", err)
	}
}

func TestSession_EndSessionCancelled(t *testing.T) {
	f := newFixture()
	f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Complete: true})

	opts := testOptions()
	opts.Quiescence = time.Hour
	s := New("s1", f.deps(), opts)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.EndSession(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("EndSession() error = %v, want DeadlineExceeded", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
	if !f.stored(t, "s1").Snapshot().Closed {
		t.Error("store session not closed")
	}
}

func TestSession_EndBeforeStart(t *testing.T) {
	s := New("s1", newFixture().deps(), testOptions())
	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
}

// gatedSessions holds SessionInfo until release is closed.
type gatedSessions struct {
	*testutil.SessionService
	entered chan struct{}
	release chan struct{}
}

func newGatedSessions(inner *testutil.SessionService) *gatedSessions {
	return &gatedSessions{
		SessionService: inner,
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedSessions) SessionInfo(ctx context.Context, key string) (streamapi.SessionInfo, error) {
	close(g.entered)
	<-g.release
	return g.SessionService.SessionInfo(ctx, key)
}

type failingBackend struct{}

func (failingBackend) CreateSession(context.Context, store.SessionMeta) (store.Session, error) {
	return nil, errors.ErrWriteFailed
}

func (failingBackend) Close() error { return nil }

func TestSession_EndDuringStart(t *testing.T) {
	tests := []struct {
		name    string
		backend func(*fixture) store.Backend
		wantErr bool
	}{
		{"pipeline starts", func(f *fixture) store.Backend { return f.backend }, false},
		{"pipeline fails", func(*fixture) store.Backend { return failingBackend{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Streams: []string{"Car1"}, Complete: true})
			gate := newGatedSessions(f.sessions)

			deps := f.deps()
			deps.Sessions = gate
			deps.Backend = tt.backend(f)
			s := New("s1", deps, testOptions())

			startErr := make(chan error, 1)
			go func() { startErr <- s.Start(context.Background()) }()
			<-gate.entered

			endErr := make(chan error, 1)
			go func() { endErr <- s.EndSession(context.Background()) }()
			eventually(t, "draining", func() bool { return s.State() == StateDraining })

			close(gate.release)
			if err := <-startErr; (err != nil) != tt.wantErr {
				t.Errorf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := <-endErr; err != nil {
				t.Errorf("EndSession() error = %v", err)
			}
			if s.State() != StateClosed {
				t.Errorf("State() = %s, want closed", s.State())
			}
			if tt.wantErr {
				return
			}
			if !f.stored(t, "s1").Snapshot().Closed {
				t.Error("store session not closed")
			}
			if r, ok := f.source.Reader("Car1"); !ok || !r.Stopped() {
				t.Error("reader opened during start not stopped")
			}
		})
	}
}

func TestSession_PeriodicRecorded(t *testing.T) {
	f := newFixture()
	f.schema.SetParameters(9, "speed:chassis", "rpm:engine")
	f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Streams: []string{"Car1"}, Complete: true})

	s := New("s1", f.deps(), testOptions())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	p := mustPacket(t, "s1", &packet.PeriodicData{
		DataFormat: packet.DataFormat{FormatID: 9},
		StartTime:  1000,
		Interval:   100,
		Columns:    []packet.SampleList{packet.Doubles(1, 2, 3), packet.Doubles(4, 5, 6)},
	})
	if err := f.source.Push("Car1", p); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	snap := f.stored(t, "s1").Snapshot()
	if snap.Commits != 1 || len(snap.Used) != 1 {
		t.Errorf("commits = %d, used = %d, want 1 and 1", snap.Commits, len(snap.Used))
	}
	if len(snap.Periodic) != 2 {
		t.Errorf("periodic writes = %d, want 2", len(snap.Periodic))
	}
	if got := f.schema.Lookups(); got != 1 {
		t.Errorf("schema lookups = %d, want 1", got)
	}
	if st := s.Stats(); st.Dispatched != 1 || st.Dropped != 0 {
		t.Errorf("dispatched = %d, dropped = %d", st.Dispatched, st.Dropped)
	}
}

func TestSession_PollerOpensNewStreams(t *testing.T) {
	f := newFixture()
	f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Identifier: "FP1", Streams: []string{"Car1"}})

	s := New("s1", f.deps(), testOptions())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.EndSession(context.Background())

	f.sessions.SetInfo(streamapi.SessionInfo{
		Key:        "s1",
		Identifier: "FP2",
		Streams:    []string{"Car1", "Car2"},
		Complete:   true,
	})

	eventually(t, "second stream opened", func() bool { return len(f.source.Opened()) == 2 })
	eventually(t, "identifier updated", func() bool { return f.stored(t, "s1").Snapshot().Identifier == "FP2" })

	calls := f.sessions.Calls("s1")
	time.Sleep(30 * time.Millisecond)
	if got := f.sessions.Calls("s1"); got != calls {
		t.Errorf("metadata polled %d more times after completion", got-calls)
	}
}

func TestManager_CreateAndEnd(t *testing.T) {
	f := newFixture()
	f.sessions.SetInfo(streamapi.SessionInfo{Key: "s1", Complete: true})
	m := NewManager(f.deps(), testOptions())
	ctx := context.Background()

	if _, err := m.CreateAndStartSession(ctx, "s1"); err != nil {
		t.Fatalf("CreateAndStartSession() error = %v", err)
	}
	if _, err := m.CreateAndStartSession(ctx, "s1"); !errors.Is(err, errors.ErrSessionAlreadyExists) {
		t.Errorf("duplicate CreateAndStartSession() error = %v, want ErrSessionAlreadyExists", err)
	}
	if _, err := m.CreateAndStartSession(ctx, ""); !errors.IsValidation(err) {
		t.Errorf("CreateAndStartSession(\"\") error = %v, want validation error", err)
	}
	if err := m.EndSession(ctx, "nope"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("EndSession(unknown) error = %v, want ErrSessionNotFound", err)
	}

	if err := m.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("session still registered after EndSession")
	}
}

func TestManager_RunFollowsNotifications(t *testing.T) {
	f := newFixture()
	for _, key := range []string{"s1", "s2", "s3"} {
		f.sessions.SetInfo(streamapi.SessionInfo{Key: key, Complete: true})
	}
	f.sessions.SetLive("s1")

	m := NewManager(f.deps(), testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	eventually(t, "live session started", func() bool { _, ok := m.Get("s1"); return ok })

	f.sessions.Notify(streamapi.Notification{Kind: streamapi.SessionStarted, SessionKey: "s3", DataSource: "Other"})
	f.sessions.Notify(streamapi.Notification{Kind: streamapi.SessionStarted, SessionKey: "s2", DataSource: "Default"})
	eventually(t, "notified session started", func() bool { _, ok := m.Get("s2"); return ok })
	if _, ok := m.Get("s3"); ok {
		t.Error("session of another data source started")
	}

	f.sessions.Notify(streamapi.Notification{Kind: streamapi.SessionStopped, SessionKey: "s1"})
	eventually(t, "stopped session closed", func() bool { _, ok := m.Get("s1"); return !ok })
	if !f.stored(t, "s1").Snapshot().Closed {
		t.Error("s1 store session not closed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if keys := m.Sessions(); len(keys) != 0 {
		t.Errorf("sessions after CloseAll = %v", keys)
	}
	if !f.stored(t, "s2").Snapshot().Closed {
		t.Error("s2 store session not closed")
	}
}
