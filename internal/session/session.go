// Package session orchestrates the recording of one telemetry session.
//
// A Session owns every per-session component: the configuration registry,
// the schema cache, the configuration processors, the category handlers,
// the writer and the stream readers. It moves through
//
//	Created -> Streaming -> Draining -> Closed
//
// and never leaves Closed. EndSession drains by silence: the upstream
// stream has no end-of-data marker while a session is live, so the session
// waits until no packet was dispatched for the quiescence window before it
// finalizes the writer and closes the store.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/configproc"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/handler"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/mapper"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/schema"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
	"github.com/xtxerr/telrec/internal/streamapi"
	"github.com/xtxerr/telrec/internal/validation"
	"github.com/xtxerr/telrec/internal/writer"
)

var log = logging.Component("session")

// Tap receives every envelope before it is dispatched.
type Tap interface {
	Record(p packet.Packet) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Backend  store.Backend
	Source   streamapi.PacketSource
	Sessions streamapi.SessionService
	Schema   streamapi.SchemaService

	// Optional.
	Tap            Tap
	Observer       handler.Observer
	CommitObserver configproc.Observer
}

// Options configures a session.
type Options struct {
	DataSource      string
	Quiescence      time.Duration
	PollInterval    time.Duration
	SummaryAccuracy float64

	Handlers     handler.Options
	ConfigBatch  batch.Options
	SynchroBatch batch.Options
	CommitRetry  retry.Policy
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		DataSource:      config.DefaultDataSource,
		Quiescence:      config.DefaultQuiescence,
		PollInterval:    config.DefaultPollInterval,
		SummaryAccuracy: config.DefaultSummaryAccuracy,
		Handlers:        handler.DefaultOptions(),
		ConfigBatch: batch.Options{
			MaxItems: config.DefaultConfigBatchSize,
			MaxWait:  config.DefaultConfigBatchWait,
		},
		SynchroBatch: batch.Options{
			MaxItems: config.DefaultSynchroConfigBatchSize,
			MaxWait:  config.DefaultSynchroConfigBatchWait,
		},
		CommitRetry: retry.CommitPolicy(),
	}
}

// Session records one telemetry session.
type Session struct {
	key  string
	deps Deps
	opts Options

	state    *stateMachine
	liveness *Liveness

	cfg        *sessionconfig.Config
	schema     *schema.Cache
	store      store.Session
	writer     *writer.Writer
	procs      handler.Processors
	handlers   *handler.Set
	dispatcher *handler.Dispatcher

	mu         sync.Mutex
	readers    map[string]streamapi.Reader
	identifier string

	// started is closed when Start returns after entering Streaming.
	// The pipeline fields below are not read by EndSession before that.
	started chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a session. Call Start to begin recording.
func New(key string, deps Deps, opts Options) *Session {
	return &Session{
		key:      key,
		deps:     deps,
		opts:     opts,
		state:    newStateMachine(),
		liveness: NewLiveness(opts.Quiescence),
		cfg:      sessionconfig.New(key),
		schema:   schema.New(deps.Schema),
		readers:  make(map[string]streamapi.Reader),
		started:  make(chan struct{}),
	}
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.Get() }

// Dispatcher returns the packet dispatcher. Nil before Start.
func (s *Session) Dispatcher() *handler.Dispatcher { return s.dispatcher }

// Config returns the session configuration registry.
func (s *Session) Config() *sessionconfig.Config { return s.cfg }

// Liveness returns the activity tracker.
func (s *Session) Liveness() *Liveness { return s.liveness }

// Start opens the store session, starts the processing pipeline and opens
// a reader for every stream the session metadata lists. Live sessions are
// polled for new streams until their metadata reports completion.
func (s *Session) Start(ctx context.Context) error {
	if _, err := s.state.Transition(StateStreaming); err != nil {
		return err
	}
	defer close(s.started)

	info, err := s.deps.Sessions.SessionInfo(ctx, s.key)
	if err != nil {
		log.Warn("session metadata unavailable, starting without streams", "session", s.key, "error", err)
		info = streamapi.SessionInfo{Key: s.key, DataSource: s.opts.DataSource}
	}
	if info.DataSource == "" {
		info.DataSource = s.opts.DataSource
	}

	if err := s.startPipeline(ctx, info); err != nil {
		// EndSession may already have moved the session to Draining.
		s.state.Transition(StateDraining)
		s.state.Transition(StateClosed)
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ctx = logging.ContextWithSessionKey(s.ctx, s.key)
	s.group = &errgroup.Group{}

	if err := s.apply(ctx, info); err != nil {
		log.Warn("failed to apply session metadata", "session", s.key, "error", err)
	}
	if !info.Complete && s.opts.PollInterval > 0 {
		s.group.Go(func() error { return s.pollMetadata(s.ctx) })
	}

	log.Info("session started", "session", s.key, "identifier", info.Identifier,
		"streams", len(info.Streams), "live", !info.Complete)
	return nil
}

func (s *Session) startPipeline(ctx context.Context, info streamapi.SessionInfo) error {
	sess, err := s.deps.Backend.CreateSession(ctx, store.SessionMeta{
		Key:        s.key,
		Identifier: identifierOrUntitled(info.Identifier),
		DataSource: info.DataSource,
		Type:       info.Type,
		Version:    info.Version,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrapf(err, "create store session %s", s.key)
	}
	s.store = sess
	s.writer = writer.New(sess, s.cfg, writer.Options{SummaryAccuracy: s.opts.SummaryAccuracy})

	popts := configproc.Options{Batch: s.opts.ConfigBatch, Retry: s.opts.CommitRetry}
	sopts := configproc.Options{Batch: s.opts.SynchroBatch, Retry: s.opts.CommitRetry}
	s.procs = handler.Processors{
		Periodic: configproc.New(configproc.PeriodicSpec(), sess, s.cfg, popts),
		Row:      configproc.New(configproc.RowSpec(), sess, s.cfg, popts),
		Synchro:  configproc.New(configproc.SynchroSpec(), sess, s.cfg, sopts),
		Event:    configproc.New(configproc.EventSpec(), sess, s.cfg, popts),
		Error:    configproc.New(configproc.ErrorSpec(), sess, s.cfg, popts),
	}
	if s.deps.CommitObserver != nil {
		s.procs.Periodic.SetObserver(s.deps.CommitObserver)
		s.procs.Row.SetObserver(s.deps.CommitObserver)
		s.procs.Synchro.SetObserver(s.deps.CommitObserver)
		s.procs.Event.SetObserver(s.deps.CommitObserver)
		s.procs.Error.SetObserver(s.deps.CommitObserver)
	}

	for _, start := range s.processorStarts() {
		if err := start(); err != nil {
			s.stopProcessors()
			sess.Close(ctx)
			return errors.Wrapf(err, "start configuration processor")
		}
	}

	s.handlers = handler.NewSet(handler.Deps{
		Config:     s.cfg,
		Schema:     s.schema,
		Writer:     s.writer,
		Processors: s.procs,
		Observer:   s.deps.Observer,
	}, s.opts.Handlers)
	if err := s.handlers.Start(); err != nil {
		s.stopProcessors()
		sess.Close(ctx)
		return err
	}

	s.dispatcher = handler.NewDispatcher(s.handlers, s.deps.Observer)
	s.dispatcher.OnActivity(s.liveness.Touch)
	s.liveness.Touch()
	return nil
}

func (s *Session) processorStarts() []func() error {
	return []func() error{
		s.procs.Periodic.Start,
		s.procs.Row.Start,
		s.procs.Synchro.Start,
		s.procs.Event.Start,
		s.procs.Error.Start,
	}
}

func (s *Session) flushProcessors() {
	s.procs.Periodic.Flush()
	s.procs.Row.Flush()
	s.procs.Synchro.Flush()
	s.procs.Event.Flush()
	s.procs.Error.Flush()
}

func (s *Session) stopProcessors() {
	s.procs.Periodic.Stop()
	s.procs.Row.Stop()
	s.procs.Synchro.Stop()
	s.procs.Event.Stop()
	s.procs.Error.Stop()
}

// Handle is the entry point of every stream reader of the session.
func (s *Session) Handle(ctx context.Context, p packet.Packet) error {
	if p.SessionKey == "" {
		p.SessionKey = s.key
	}
	if s.deps.Tap != nil {
		if err := s.deps.Tap.Record(p); err != nil {
			log.Warn("journal tap failed", "session", s.key, "error", err)
		}
	}
	return s.dispatcher.Handle(ctx, p)
}

// apply writes the session identifier and opens readers for new streams.
func (s *Session) apply(ctx context.Context, info streamapi.SessionInfo) error {
	identifier := identifierOrUntitled(info.Identifier)

	s.mu.Lock()
	changed := identifier != s.identifier
	s.mu.Unlock()

	if changed {
		if err := s.writer.Write(ctx, mapper.MapSessionInfo(info.Identifier)); err != nil {
			return errors.Wrapf(err, "update identifier")
		}
		s.mu.Lock()
		s.identifier = identifier
		s.mu.Unlock()
	}

	var errs []error
	for _, stream := range info.Streams {
		if err := s.openStream(info, stream); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) openStream(info streamapi.SessionInfo, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readers[stream]; ok {
		return nil
	}
	if err := validation.ValidateStreamName(stream); err != nil {
		return err
	}

	ref := streamapi.StreamRef{
		SessionKey: s.key,
		DataSource: info.DataSource,
		Stream:     stream,
		Offset:     info.StreamOffset(stream),
	}
	r, err := s.deps.Source.OpenReader(ref, streamapi.HandlerFunc(s.Handle))
	if err != nil {
		return errors.Wrapf(err, "open reader for stream %s", stream)
	}
	if err := r.Start(logging.ContextWithStream(s.ctx, stream)); err != nil {
		return errors.Wrapf(err, "start reader for stream %s", stream)
	}
	s.readers[stream] = r

	log.Info("stream reader started", "session", s.key, "stream", stream, "offset", ref.Offset)
	return nil
}

// Streams returns the streams with an open reader.
func (s *Session) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.readers))
	for name := range s.readers {
		out = append(out, name)
	}
	return out
}

// EndSession waits until no packet was dispatched for the quiescence
// window, then stops the readers and the pipeline, finalizes the writer
// and closes the store session. If ctx ends before the session became
// quiescent the session is closed anyway and ctx's error is returned.
func (s *Session) EndSession(ctx context.Context) error {
	prev, err := s.state.Transition(StateDraining)
	if err != nil {
		if prev == StateCreated {
			_, err = s.state.Transition(StateClosed)
			return err
		}
		return err
	}

	// A stop can arrive while Start is still building the pipeline.
	<-s.started
	if s.cancel == nil {
		s.state.Transition(StateClosed)
		log.Info("session closed before it started", "session", s.key)
		return nil
	}

	log.Info("session draining", "session", s.key, "quiescence", s.opts.Quiescence)
	waitErr := s.liveness.Wait(ctx)
	if waitErr != nil {
		log.Warn("session closed before quiescence", "session", s.key, "error", waitErr)
	}

	teardown := context.WithoutCancel(ctx)

	s.cancel()
	if err := s.group.Wait(); err != nil {
		log.Warn("metadata poller failed", "session", s.key, "error", err)
	}

	s.mu.Lock()
	readers := s.readers
	s.readers = make(map[string]streamapi.Reader)
	s.mu.Unlock()

	var errs []error
	for name, r := range readers {
		if err := r.Stop(); err != nil {
			errs = append(errs, errors.Wrapf(err, "stop reader %s", name))
		}
	}

	// Buffered packets may submit identifiers. Once the commits are done
	// the parked packets can be mapped.
	s.handlers.Flush()
	s.flushProcessors()
	s.handlers.Settle()

	pending := s.handlers.Pending()
	s.handlers.Stop()
	s.stopProcessors()

	if err := s.writer.Finalize(teardown); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(teardown); err != nil {
		errs = append(errs, errors.Wrapf(err, "close store session"))
	}
	s.cfg.Clear()

	s.state.Transition(StateClosed)

	dispatched, dropped := s.dispatcher.Stats()
	log.Info("session closed", "session", s.key, "dispatched", dispatched, "dropped", dropped,
		"pending_discarded", sumPending(pending), "schema_cache", s.schema.Len())

	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	return errors.Join(errs...)
}

// Stats summarizes the session.
type Stats struct {
	Key        string                                        `json:"key"`
	State      string                                        `json:"state"`
	Streams    int                                           `json:"streams"`
	Dispatched int64                                         `json:"dispatched"`
	Dropped    int64                                         `json:"dropped"`
	Config     sessionconfig.Stats                           `json:"config"`
	Handlers   map[packet.Kind]handler.CategoryStatsSnapshot `json:"-"`
	Writer     writer.StatsSnapshot                          `json:"writer"`
	Schema     schema.StatsSnapshot                          `json:"schema"`
	LastActive time.Time                                     `json:"last_active"`
}

// Stats returns a snapshot of the session.
func (s *Session) Stats() Stats {
	st := Stats{
		Key:        s.key,
		State:      s.State().String(),
		Streams:    len(s.Streams()),
		Config:     s.cfg.Stats(),
		Schema:     s.schema.Stats(),
		LastActive: s.liveness.LastActivity(),
	}
	if s.isStarted() && s.dispatcher != nil {
		st.Dispatched, st.Dropped = s.dispatcher.Stats()
		st.Handlers = s.handlers.Stats()
		st.Writer = s.writer.Stats()
	}
	return st
}

func (s *Session) isStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

func identifierOrUntitled(identifier string) string {
	if identifier == "" {
		return config.DefaultUntitledSession
	}
	return identifier
}

func sumPending(m map[packet.Kind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
