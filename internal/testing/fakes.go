package testing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/streamapi"
)

// SchemaService is an in-memory streamapi.SchemaService.
type SchemaService struct {
	mu         sync.Mutex
	parameters map[uint64][]string
	events     map[uint64]string
	err        error

	lookups atomic.Int64
}

// NewSchemaService creates an empty schema service.
func NewSchemaService() *SchemaService {
	return &SchemaService{
		parameters: make(map[uint64][]string),
		events:     make(map[uint64]string),
	}
}

// SetParameters registers the parameter list of a format.
func (s *SchemaService) SetParameters(formatID uint64, params ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parameters[formatID] = params
}

// SetEvent registers the event identifier of a format.
func (s *SchemaService) SetEvent(formatID uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[formatID] = id
}

// SetError makes every lookup fail with err. A nil err clears it.
func (s *SchemaService) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Lookups returns the number of lookups served.
func (s *SchemaService) Lookups() int64 { return s.lookups.Load() }

func (s *SchemaService) ParameterList(_ context.Context, formatID uint64) ([]string, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	params, ok := s.parameters[formatID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrSchemaNotFound, "format %d", formatID)
	}
	return append([]string(nil), params...), nil
}

func (s *SchemaService) EventIdentifier(_ context.Context, formatID uint64) (string, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.events[formatID]
	if !ok {
		return "", errors.Wrapf(errors.ErrSchemaNotFound, "format %d", formatID)
	}
	return id, nil
}

// PacketSource is a streamapi.PacketSource whose readers are fed by Push.
type PacketSource struct {
	mu      sync.Mutex
	readers map[string]*Reader
	opened  []streamapi.StreamRef
	openErr error
}

// NewPacketSource creates an empty packet source.
func NewPacketSource() *PacketSource {
	return &PacketSource{readers: make(map[string]*Reader)}
}

// FailOpen makes OpenReader fail with err. A nil err clears it.
func (s *PacketSource) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

func (s *PacketSource) OpenReader(ref streamapi.StreamRef, h streamapi.Handler) (streamapi.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	r := &Reader{ref: ref, h: h}
	s.readers[ref.Stream] = r
	s.opened = append(s.opened, ref)
	return r, nil
}

// Opened returns the references of every reader opened so far.
func (s *PacketSource) Opened() []streamapi.StreamRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streamapi.StreamRef(nil), s.opened...)
}

// Reader returns the reader of a stream.
func (s *PacketSource) Reader(stream string) (*Reader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readers[stream]
	return r, ok
}

// Push delivers p on a stream synchronously.
func (s *PacketSource) Push(stream string, p packet.Packet) error {
	r, ok := s.Reader(stream)
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "stream %s", stream)
	}
	return r.Deliver(p)
}

// Reader is a streamapi.Reader fed by its PacketSource.
type Reader struct {
	ref streamapi.StreamRef
	h   streamapi.Handler

	mu      sync.Mutex
	ctx     context.Context
	running bool
	stopped bool
}

// Ref returns the stream reference the reader was opened with.
func (r *Reader) Ref() streamapi.StreamRef { return r.ref }

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.ErrAlreadyRunning
	}
	r.ctx = ctx
	r.running = true
	return nil
}

func (r *Reader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stopped = true
	return nil
}

// Stopped reports whether Stop was called.
func (r *Reader) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Deliver hands p to the reader's handler.
func (r *Reader) Deliver(p packet.Packet) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return errors.ErrNotRunning
	}
	ctx := r.ctx
	r.mu.Unlock()
	return r.h.Handle(ctx, p)
}

// SessionService is an in-memory streamapi.SessionService.
type SessionService struct {
	mu    sync.Mutex
	infos map[string]streamapi.SessionInfo
	live  []string
	err   error
	calls map[string]int

	notes chan streamapi.Notification
}

// NewSessionService creates an empty session service.
func NewSessionService() *SessionService {
	return &SessionService{
		infos: make(map[string]streamapi.SessionInfo),
		calls: make(map[string]int),
		notes: make(chan streamapi.Notification, 64),
	}
}

// SetInfo stores the metadata of a session.
func (s *SessionService) SetInfo(info streamapi.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[info.Key] = info
}

// SetLive sets the keys reported by LiveSessions.
func (s *SessionService) SetLive(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = keys
}

// SetError makes SessionInfo fail with err. A nil err clears it.
func (s *SessionService) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how often SessionInfo was asked for key.
func (s *SessionService) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Notify queues a notification.
func (s *SessionService) Notify(n streamapi.Notification) {
	s.notes <- n
}

func (s *SessionService) SessionInfo(_ context.Context, key string) (streamapi.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if s.err != nil {
		return streamapi.SessionInfo{}, s.err
	}
	info, ok := s.infos[key]
	if !ok {
		return streamapi.SessionInfo{}, errors.NewNotFound("session", key)
	}
	info.Streams = append([]string(nil), info.Streams...)
	return info, nil
}

func (s *SessionService) LiveSessions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.live...), nil
}

// Notifications returns the notification channel. It is shared by every
// caller and never closed.
func (s *SessionService) Notifications(context.Context) (<-chan streamapi.Notification, error) {
	return s.notes, nil
}
