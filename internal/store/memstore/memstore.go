// Package memstore is an in-memory store backend.
//
// It keeps everything a session writes so that tests can inspect it, and can
// be told to fail commits or writes to exercise retry paths.
package memstore

import (
	"context"
	"sync"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/store"
)

// Op names a Session operation for failure injection.
type Op string

const (
	OpCommit   Op = "commit"
	OpUse      Op = "use"
	OpPeriodic Op = "periodic"
	OpRow      Op = "row"
	OpSynchro  Op = "synchro"
	OpCAN      Op = "can"
	OpMarker   Op = "marker"
	OpLap      Op = "lap"
	OpEvent    Op = "event"
)

// Backend is an in-memory store.Backend.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{sessions: make(map[string]*Session)}
}

// CreateSession implements store.Backend.
func (b *Backend) CreateSession(ctx context.Context, meta store.SessionMeta) (store.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.ErrStoreClosed
	}
	if _, ok := b.sessions[meta.Key]; ok {
		return nil, errors.Wrapf(errors.ErrSessionAlreadyExists, "session %s", meta.Key)
	}

	s := &Session{
		meta:     meta,
		units:    make(map[string]store.ConfigUnit),
		failures: make(map[Op]int),
		failErr:  make(map[Op]error),
	}
	s.identifier = meta.Identifier
	b.sessions[meta.Key] = s
	return s, nil
}

// Session returns a created session for inspection.
func (b *Backend) Session(key string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	return s, ok
}

// Close implements store.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Session records everything written to it.
type Session struct {
	meta store.SessionMeta

	mu         sync.Mutex
	closed     bool
	identifier string

	units    map[string]store.ConfigUnit
	order    []string
	used     []string
	commits  int
	periodic []store.PeriodicSamples
	rows     []store.RowSample
	synchro  []store.SynchroSamples
	frames   []store.CANFrame
	markers  []store.Marker
	laps     []store.Lap
	events   []store.Event
	cursor   int64
	start    int64
	end      int64
	bounds   bool

	summaries []store.ChannelSummary

	failures map[Op]int
	failErr  map[Op]error
}

// FailNext makes the next n calls of op fail with err. A nil err fails
// with errors.ErrWriteFailed.
func (s *Session) FailNext(op Op, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.ErrWriteFailed
	}
	s.failures[op] = n
	s.failErr[op] = err
}

// check reports an injected failure or a closed session. Caller holds mu.
func (s *Session) check(op Op) error {
	if s.closed {
		return errors.ErrSessionClosed
	}
	if n := s.failures[op]; n > 0 {
		s.failures[op] = n - 1
		return s.failErr[op]
	}
	return nil
}

// Key implements store.Session.
func (s *Session) Key() string { return s.meta.Key }

// Commit implements store.Session.
func (s *Session) Commit(ctx context.Context, unit store.ConfigUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCommit); err != nil {
		return err
	}
	if _, ok := s.units[unit.ID]; ok {
		return errors.Wrapf(errors.ErrConfigExists, "configuration %s", unit.ID)
	}
	s.units[unit.ID] = unit
	s.order = append(s.order, unit.ID)
	s.commits++
	return nil
}

// Use implements store.Session.
func (s *Session) Use(ctx context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpUse); err != nil {
		return err
	}
	if _, ok := s.units[unitID]; !ok {
		return errors.NewNotFound("configuration", unitID)
	}
	s.used = append(s.used, unitID)
	return nil
}

// AppendPeriodic implements store.Session.
func (s *Session) AppendPeriodic(ctx context.Context, p store.PeriodicSamples) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpPeriodic); err != nil {
		return err
	}
	s.periodic = append(s.periodic, p)
	return nil
}

// AppendRow implements store.Session.
func (s *Session) AppendRow(ctx context.Context, r store.RowSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpRow); err != nil {
		return err
	}
	s.rows = append(s.rows, r)
	return nil
}

// AppendSynchro implements store.Session.
func (s *Session) AppendSynchro(ctx context.Context, p store.SynchroSamples) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpSynchro); err != nil {
		return err
	}
	s.synchro = append(s.synchro, p)
	return nil
}

// AppendCAN implements store.Session.
func (s *Session) AppendCAN(ctx context.Context, f store.CANFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpCAN); err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

// AddMarker implements store.Session.
func (s *Session) AddMarker(ctx context.Context, m store.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpMarker); err != nil {
		return err
	}
	s.markers = append(s.markers, m)
	return nil
}

// AddLap implements store.Session.
func (s *Session) AddLap(ctx context.Context, l store.Lap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLap); err != nil {
		return err
	}
	s.laps = append(s.laps, l)
	return nil
}

// UpdateLap implements store.Session. Laps are matched by timestamp.
func (s *Session) UpdateLap(ctx context.Context, l store.Lap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpLap); err != nil {
		return err
	}
	for i := range s.laps {
		if s.laps[i].Timestamp == l.Timestamp {
			s.laps[i] = l
			return nil
		}
	}
	return errors.NewNotFound("lap", l.Name)
}

// AddEvent implements store.Session.
func (s *Session) AddEvent(ctx context.Context, e store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpEvent); err != nil {
		return err
	}
	s.events = append(s.events, e)
	return nil
}

// SetCoverageCursor implements store.Session.
func (s *Session) SetCoverageCursor(ctx context.Context, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSessionClosed
	}
	s.cursor = timestamp
	return nil
}

// UpdateIdentifier implements store.Session.
func (s *Session) UpdateIdentifier(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSessionClosed
	}
	s.identifier = identifier
	return nil
}

// SetTimeBounds implements store.Session.
func (s *Session) SetTimeBounds(ctx context.Context, start, end int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSessionClosed
	}
	s.start, s.end, s.bounds = start, end, true
	return nil
}

// WriteSummaries implements store.Session.
func (s *Session) WriteSummaries(ctx context.Context, summaries []store.ChannelSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSessionClosed
	}
	s.summaries = append(s.summaries, summaries...)
	return nil
}

// Close implements store.Session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// =============================================================================
// Inspection
// =============================================================================

// Snapshot is a copy of everything written to a session.
type Snapshot struct {
	Identifier string
	Units      []store.ConfigUnit
	Used       []string
	Commits    int
	Periodic   []store.PeriodicSamples
	Rows       []store.RowSample
	Synchro    []store.SynchroSamples
	Frames     []store.CANFrame
	Markers    []store.Marker
	Laps       []store.Lap
	Events     []store.Event
	Cursor     int64
	Start      int64
	End        int64
	HasBounds  bool
	Summaries  []store.ChannelSummary
	Closed     bool
}

// Snapshot returns a copy of the session contents.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := make([]store.ConfigUnit, 0, len(s.order))
	for _, id := range s.order {
		units = append(units, s.units[id])
	}

	return Snapshot{
		Identifier: s.identifier,
		Units:      units,
		Used:       append([]string(nil), s.used...),
		Commits:    s.commits,
		Periodic:   append([]store.PeriodicSamples(nil), s.periodic...),
		Rows:       append([]store.RowSample(nil), s.rows...),
		Synchro:    append([]store.SynchroSamples(nil), s.synchro...),
		Frames:     append([]store.CANFrame(nil), s.frames...),
		Markers:    append([]store.Marker(nil), s.markers...),
		Laps:       append([]store.Lap(nil), s.laps...),
		Events:     append([]store.Event(nil), s.events...),
		Cursor:     s.cursor,
		Start:      s.start,
		End:        s.end,
		HasBounds:  s.bounds,
		Summaries:  append([]store.ChannelSummary(nil), s.summaries...),
		Closed:     s.closed,
	}
}
