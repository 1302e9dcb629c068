package journal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/streamapi"
)

// ReplayStream is the stream name of every replayed session.
const ReplayStream = "journal"

// Source serves a journal directory as both the packet source and the
// session service of a recorder, so recorded envelopes go through the same
// dispatch path as live ones. Every session found in the journal is
// reported live and complete.
type Source struct {
	dir        string
	dataSource string

	keys   []string
	counts map[string]int

	wg       sync.WaitGroup
	replayed atomic.Int64
	failed   atomic.Int64
}

// OpenSource indexes the sessions of a journal directory.
func OpenSource(dir, dataSource string) (*Source, error) {
	s := &Source{dir: dir, dataSource: dataSource, counts: make(map[string]int)}
	err := Scan(dir, func(p packet.Packet) error {
		if _, ok := s.counts[p.SessionKey]; !ok {
			s.keys = append(s.keys, p.SessionKey)
		}
		s.counts[p.SessionKey]++
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "index journal %s", dir)
	}
	return s, nil
}

// Packets returns the number of envelopes recorded for a session.
func (s *Source) Packets(key string) int {
	return s.counts[key]
}

func (s *Source) SessionInfo(_ context.Context, key string) (streamapi.SessionInfo, error) {
	if _, ok := s.counts[key]; !ok {
		return streamapi.SessionInfo{}, errors.NewNotFound("session", key)
	}
	return streamapi.SessionInfo{
		Key:        key,
		DataSource: s.dataSource,
		Streams:    []string{ReplayStream},
		Complete:   true,
	}, nil
}

func (s *Source) LiveSessions(context.Context) ([]string, error) {
	return append([]string(nil), s.keys...), nil
}

// Notifications returns a closed channel: a journal has no lifecycle
// events beyond its contents.
func (s *Source) Notifications(context.Context) (<-chan streamapi.Notification, error) {
	ch := make(chan streamapi.Notification)
	close(ch)
	return ch, nil
}

func (s *Source) OpenReader(ref streamapi.StreamRef, h streamapi.Handler) (streamapi.Reader, error) {
	if ref.Stream != ReplayStream {
		return nil, errors.NewNotFound("stream", ref.Stream)
	}
	return &replayReader{src: s, key: ref.SessionKey, h: h, done: make(chan struct{})}, nil
}

// Wait blocks until every started replay finished or ctx ends.
func (s *Source) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of replayed envelopes and of envelopes the
// handler rejected.
func (s *Source) Stats() (replayed, failed int64) {
	return s.replayed.Load(), s.failed.Load()
}

type replayReader struct {
	src *Source
	key string
	h   streamapi.Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func (r *replayReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.ErrAlreadyRunning
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.src.wg.Add(1)
	go func() {
		defer r.src.wg.Done()
		defer close(r.done)
		r.run(ctx)
	}()
	return nil
}

func (r *replayReader) run(ctx context.Context) {
	err := Scan(r.src.dir, func(p packet.Packet) error {
		if p.SessionKey != r.key {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.src.replayed.Add(1)
		if err := r.h.Handle(ctx, p); err != nil {
			r.src.failed.Add(1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("journal replay failed", "session", r.key, "error", err)
		return
	}
	log.Info("journal replay finished", "session", r.key, "packets", r.src.counts[r.key])
}

func (r *replayReader) Stop() error {
	r.mu.Lock()
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-r.done
	return nil
}

// InlineSchema is the schema service of an offline replay. Only packets
// carrying their parameter list inline can be mapped.
type InlineSchema struct{}

func (InlineSchema) ParameterList(_ context.Context, formatID uint64) ([]string, error) {
	return nil, errors.Wrapf(errors.ErrSchemaNotFound, "format %d: offline replay", formatID)
}

func (InlineSchema) EventIdentifier(_ context.Context, formatID uint64) (string, error) {
	return "", errors.Wrapf(errors.ErrSchemaNotFound, "format %d: offline replay", formatID)
}
