package configproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/store/memstore"
)

func testSession(t *testing.T) (*memstore.Session, *sessionconfig.Config) {
	t.Helper()
	b := memstore.New()
	if _, err := b.CreateSession(context.Background(), store.SessionMeta{Key: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ms, _ := b.Session("s1")
	return ms, sessionconfig.New("s1")
}

func testOptions() Options {
	return Options{
		Batch: batch.Options{MaxItems: 1000, MaxWait: time.Hour},
		Retry: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	}
}

func waitAll(t *testing.T, cs []*Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, c := range cs {
		if err := c.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func TestProcessor_RowCommitPublishes(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(RowSpec(), ms, cfg, testOptions())
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	cs := p.Submit("speed:chassis", "rpm:engine", "speed:chassis")
	if len(cs) != 1 {
		t.Fatalf("expected one completion for one window, got %d", len(cs))
	}
	if cs[0].Resolved() {
		t.Fatal("completion resolved before flush")
	}

	p.Flush()
	if err := waitAll(t, cs); err != nil {
		t.Fatalf("completion error: %v", err)
	}

	h1, ok1 := cfg.RowHandle("speed:chassis")
	h2, ok2 := cfg.RowHandle("rpm:engine")
	if !ok1 || !ok2 {
		t.Fatal("row channels not published")
	}
	if h1 == h2 || h1 == 0 || h2 == 0 {
		t.Errorf("handles must be distinct and non-zero: %d, %d", h1, h2)
	}

	snap := ms.Snapshot()
	if snap.Commits != 1 {
		t.Fatalf("expected 1 commit, got %d", snap.Commits)
	}
	unit := snap.Units[0]
	if len(unit.Channels) != 2 || len(unit.Parameters) != 2 {
		t.Errorf("unexpected unit %+v", unit)
	}
	if len(unit.Groups) != 2 || unit.Groups[0].Name != "chassis" || unit.Groups[1].Name != "engine" {
		t.Errorf("unexpected groups %+v", unit.Groups)
	}
	if len(snap.Used) != 1 || snap.Used[0] != unit.ID {
		t.Errorf("unit not used: %v", snap.Used)
	}

	st := p.Stats()
	if st.Submitted != 2 || st.Duplicates != 1 || st.Commits != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestProcessor_SubmitOncePerSession(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	first := p.Submit("a")
	p.Flush()
	if err := waitAll(t, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	again := p.Submit("a")
	if len(again) != 1 || again[0] != first[0] {
		t.Fatal("resubmission must return the existing completion")
	}
	if !again[0].Resolved() {
		t.Error("completion of a published identifier must be resolved")
	}
	p.Flush()
	if got := ms.Snapshot().Commits; got != 1 {
		t.Errorf("expected 1 commit, got %d", got)
	}
}

func TestProcessor_ConcurrentSubmit(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []*Completion
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cs := p.Submit("x", "y")
			mu.Lock()
			all = append(all, cs...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	p.Flush()

	if err := waitAll(t, all); err != nil {
		t.Fatalf("completion error: %v", err)
	}
	if st := p.Stats(); st.Submitted != 2 {
		t.Errorf("expected 2 submitted identifiers, got %d", st.Submitted)
	}
	snap := ms.Snapshot()
	if snap.Commits != 1 || len(snap.Units[0].Channels) != 2 {
		t.Errorf("expected one unit with two channels, got %d commits", snap.Commits)
	}
}

func TestProcessor_ConfigExistsIsSuccess(t *testing.T) {
	ms, cfg := testSession(t)
	ms.FailNext(memstore.OpCommit, 1, errors.Wrapf(errors.ErrConfigExists, "unit"))

	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit("a")
	p.Flush()

	// The injected conflict means the unit never reached the store, so Use
	// fails with not found and the commit is retried until it lands.
	if err := waitAll(t, cs); err != nil {
		t.Fatalf("completion error: %v", err)
	}
	if _, ok := cfg.RowHandle("a"); !ok {
		t.Error("row channel not published")
	}
}

func TestProcessor_RetryThenSucceed(t *testing.T) {
	ms, cfg := testSession(t)
	ms.FailNext(memstore.OpCommit, 2, nil)

	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit("a")
	p.Flush()
	if err := waitAll(t, cs); err != nil {
		t.Fatalf("completion error: %v", err)
	}
	if len(p.DeadLetters()) != 0 {
		t.Error("no dead letters expected")
	}
}

func TestProcessor_DeadLetter(t *testing.T) {
	ms, cfg := testSession(t)
	ms.FailNext(memstore.OpCommit, 10, nil)

	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit("a", "b")
	p.Flush()

	err := waitAll(t, cs)
	if !errors.Is(err, errors.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if _, ok := cfg.RowHandle("a"); ok {
		t.Error("failed identifiers must not be published")
	}

	dl := p.DeadLetters()
	if len(dl) != 2 {
		t.Fatalf("expected 2 dead letters, got %v", dl)
	}
	if !p.IsSubmitted("a") {
		t.Error("dead-lettered identifiers stay submitted")
	}
	if st := p.Stats(); st.Failures != 1 || st.DeadLettered != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestProcessor_NonRetriableNotRetried(t *testing.T) {
	ms, cfg := testSession(t)
	// A retry would succeed on the second attempt.
	ms.FailNext(memstore.OpCommit, 1, errors.ErrSessionClosed)

	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit("a")
	p.Flush()

	if err := waitAll(t, cs); !errors.Is(err, errors.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, ok := cfg.RowHandle("a"); ok {
		t.Error("identifier published after a failed commit")
	}
}

func TestProcessor_CompletionPerWindow(t *testing.T) {
	ms, cfg := testSession(t)
	ms.FailNext(memstore.OpCommit, 3, nil)

	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	first := p.Submit("a")

	// Hold the commit lock so the first window is cut but not committed.
	cfg.LockCommit()
	flushed := make(chan struct{})
	go func() {
		p.Flush()
		close(flushed)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for p.batcher.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("first window was not cut")
		}
		time.Sleep(time.Millisecond)
	}

	second := p.Submit("b")
	cfg.UnlockCommit()
	<-flushed

	if len(first) != 1 || len(second) != 1 || first[0] == second[0] {
		t.Fatalf("windows share a completion: %v %v", first, second)
	}
	if err := waitAll(t, first); !errors.Is(err, errors.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed for the first window, got %v", err)
	}
	if second[0].Resolved() {
		t.Fatal("second window resolved by the failed commit")
	}

	p.Flush()
	if err := waitAll(t, second); err != nil {
		t.Fatalf("second window: %v", err)
	}
	if _, ok := cfg.RowHandle("b"); !ok {
		t.Error("b not published")
	}
}

func TestProcessor_StopResolvesOpen(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(RowSpec(), ms, cfg, testOptions())
	p.Start()

	cs := p.Submit("a")
	p.Stop()

	if err := waitAll(t, cs); !errors.Is(err, errors.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestPeriodicSpec(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(PeriodicSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit(
		PeriodicItem{"speed:chassis", 10},
		PeriodicItem{"speed:chassis", 20},
		PeriodicItem{"rpm:engine", 0},
	)
	p.Flush()

	if len(cs) != 2 {
		t.Fatalf("expected a window completion and a rejection, got %d", len(cs))
	}
	waitAll(t, cs)

	h10, ok10 := cfg.PeriodicHandle("speed:chassis", 10)
	h20, ok20 := cfg.PeriodicHandle("speed:chassis", 20)
	if !ok10 || !ok20 || h10 == h20 {
		t.Fatalf("periodic channels not published: %d/%v %d/%v", h10, ok10, h20, ok20)
	}
	if _, ok := cfg.PeriodicHandle("rpm:engine", 0); ok {
		t.Error("zero interval must not be configured")
	}
	if _, ok := p.DeadLetters()["rpm:engine@0"]; !ok {
		t.Error("zero interval must be dead-lettered")
	}

	unit := ms.Snapshot().Units[0]
	if len(unit.Parameters) != 1 || len(unit.Parameters[0].Channels) != 2 {
		t.Errorf("expected one parameter with two channels, got %+v", unit.Parameters)
	}
	if unit.Parameters[0].Name != "speed" || unit.Parameters[0].Group != "chassis" {
		t.Errorf("unexpected parameter %+v", unit.Parameters[0])
	}
}

func TestEventSpec(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(EventSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit("1a:gearbox", "zz:gearbox")
	p.Flush()
	waitAll(t, cs)

	def, ok := cfg.Event("1a:gearbox")
	if !ok {
		t.Fatal("event definition not published")
	}
	if def.DefinitionID != 0x1a || def.Group != "gearbox" || def.Priority != sessionconfig.PriorityLow {
		t.Errorf("unexpected definition %+v", def)
	}
	if _, ok := cfg.Event("zz:gearbox"); ok {
		t.Error("invalid identifier must not be configured")
	}
	if err := p.DeadLetters()["zz:gearbox"]; !errors.IsPacketError(err) {
		t.Errorf("expected malformed packet error, got %v", err)
	}
}

func TestErrorSpec(t *testing.T) {
	ms, cfg := testSession(t)
	p := New(ErrorSpec(), ms, cfg, testOptions())
	p.Start()
	defer p.Stop()

	cs := p.Submit(ErrorItem{Name: "oil", Identifier: "oilpressure", Group: "engine", Description: "low oil"})
	p.Flush()
	if err := waitAll(t, cs); err != nil {
		t.Fatalf("completion error: %v", err)
	}

	def, ok := cfg.Error("oil")
	if !ok {
		t.Fatal("error definition not published")
	}
	if def.Current == def.Logged {
		t.Error("current and logged channels must differ")
	}
	if h, ok := cfg.RowHandle(sessionconfig.CurrentChannel("oilpressure")); !ok || h != def.Current {
		t.Errorf("current channel not published as row: %d %v", h, ok)
	}
	if h, ok := cfg.RowHandle(sessionconfig.LoggedChannel("oilpressure")); !ok || h != def.Logged {
		t.Errorf("logged channel not published as row: %d %v", h, ok)
	}

	unit := ms.Snapshot().Units[0]
	if len(unit.Channels) != 2 || unit.Channels[0].DataType != store.DataTypeUint16 {
		t.Errorf("unexpected channels %+v", unit.Channels)
	}
}

func TestParseEventIdentifier(t *testing.T) {
	tests := []struct {
		in      string
		id      int64
		group   string
		wantErr bool
	}{
		{"1f:app", 0x1f, "app", false},
		{"0xFF:app", 0xff, "app", false},
		{"10", 0x10, "10", false},
		{":app", 0, "", true},
		{"xyz:app", 0, "", true},
	}
	for _, tt := range tests {
		id, group, err := ParseEventIdentifier(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEventIdentifier(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && (id != tt.id || group != tt.group) {
			t.Errorf("ParseEventIdentifier(%q) = %d, %q; want %d, %q", tt.in, id, group, tt.id, tt.group)
		}
	}
}
