// Package handler routes decoded packets to per-category handlers.
//
// Every packet kind has one Category handler. It resolves the packet's
// schema, makes sure every identifier the packet references is configured
// in the session, maps the packet to canonical samples and writes them.
// Packets that cannot be handled yet are parked in the category's pending
// queue; packets that can never be handled are dropped and counted.
package handler

import (
	"context"
	"time"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/configproc"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/mapper"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/sessionconfig"
)

var log = logging.Component("handler")

// =============================================================================
// Dependencies
// =============================================================================

// SchemaResolver resolves schema references. Implemented by schema.Cache.
type SchemaResolver interface {
	Parameters(ctx context.Context, df packet.DataFormat) ([]string, error)
	Event(ctx context.Context, df packet.DataFormat) (string, error)
}

// SampleWriter persists canonical samples. Implemented by writer.Writer.
type SampleWriter interface {
	Write(ctx context.Context, s mapper.Sample) error
}

// Processors are the configuration processors of one session.
type Processors struct {
	Periodic *configproc.Processor[configproc.PeriodicItem]
	Row      *configproc.Processor[string]
	Synchro  *configproc.Processor[string]
	Event    *configproc.Processor[string]
	Error    *configproc.Processor[configproc.ErrorItem]
}

// Deps are the session components the handlers work with.
type Deps struct {
	Config     *sessionconfig.Config
	Schema     SchemaResolver
	Writer     SampleWriter
	Processors Processors
	Observer   Observer
}

// Options configures the category handlers.
type Options struct {
	// Batch is the packet window of every category.
	Batch batch.Options

	// RetryInterval drains pending queues periodically. Zero disables it.
	RetryInterval time.Duration
}

// DefaultOptions returns the default handler options.
func DefaultOptions() Options {
	return Options{
		Batch: batch.Options{
			MaxItems: config.DefaultHandlerBatchSize,
			MaxWait:  config.DefaultHandlerBatchWait,
		},
		RetryInterval: config.DefaultHandlerRetryInterval,
	}
}

// =============================================================================
// Observation
// =============================================================================

// Drop reasons reported to the Observer.
const (
	ReasonUnknownType         = "unknown_type"
	ReasonMalformed           = "malformed"
	ReasonSchemaLookup        = "schema_lookup"
	ReasonInvalidInterval     = "invalid_interval"
	ReasonColumnMismatch      = "column_mismatch"
	ReasonUnsupportedEncoding = "unsupported_encoding"
	ReasonConfigFailed        = "config_failed"
	ReasonNotRunning          = "not_running"
)

// Observer is notified of packet outcomes.
type Observer interface {
	PacketWritten(kind packet.Kind)
	PacketDeferred(kind packet.Kind)
	PacketDropped(kind packet.Kind, reason string)
	WriteFailed(kind packet.Kind)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) PacketWritten(packet.Kind)         {}
func (NopObserver) PacketDeferred(packet.Kind)        {}
func (NopObserver) PacketDropped(packet.Kind, string) {}
func (NopObserver) WriteFailed(packet.Kind)           {}

// DropReason classifies err. drop is false for errors that may succeed when
// the packet is retried.
func DropReason(err error) (reason string, drop bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, errors.ErrUnknownPacketType):
		return ReasonUnknownType, true
	case errors.Is(err, errors.ErrInvalidInterval):
		return ReasonInvalidInterval, true
	case errors.Is(err, errors.ErrColumnMismatch):
		return ReasonColumnMismatch, true
	case errors.Is(err, errors.ErrUnsupportedEncoding):
		return ReasonUnsupportedEncoding, true
	case errors.Is(err, errors.ErrMalformedPacket):
		return ReasonMalformed, true
	case errors.Is(err, errConfigFailed):
		return ReasonConfigFailed, true
	case errors.Is(err, errors.ErrSchemaLookup),
		errors.Is(err, errors.ErrSchemaNotFound),
		errors.Is(err, errors.ErrMissingField):
		return ReasonSchemaLookup, true
	case errors.IsStateError(err):
		return ReasonNotRunning, true
	default:
		return "", false
	}
}

// =============================================================================
// Handler set
// =============================================================================

// Set holds the category handlers of one session.
type Set struct {
	deps   Deps
	mapper *mapper.Mapper

	Periodic *Category[*packet.PeriodicData]
	Row      *Category[*packet.RowData]
	Synchro  *Category[*packet.SynchroData]
	Event    *Category[*packet.Event]
	Error    *Category[*packet.Error]
	Marker   *Category[*packet.Marker]
	RawCAN   *Category[*packet.RawCANData]
	Coverage *Category[*packet.CoverageCursor]

	all []lifecycle
}

type lifecycle interface {
	Kind() packet.Kind
	Start() error
	Stop()
	Flush()
	Settle()
	Pending() int
	Stats() CategoryStatsSnapshot
}

// NewSet creates the category handlers of one session.
func NewSet(deps Deps, opts Options) *Set {
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	s := &Set{
		deps:   deps,
		mapper: mapper.New(deps.Config),
	}
	obs := deps.Observer

	s.Periodic = newCategory(packet.KindPeriodicData, s.processPeriodic, obs, opts)
	s.Row = newCategory(packet.KindRowData, s.processRow, obs, opts)
	s.Synchro = newCategory(packet.KindSynchroData, s.processSynchro, obs, opts)
	s.Event = newCategory(packet.KindEvent, s.processEvent, obs, opts)
	s.Error = newCategory(packet.KindError, s.processError, obs, opts)
	s.Marker = newCategory(packet.KindMarker, s.processMarker, obs, opts)
	s.RawCAN = newCategory(packet.KindRawCANData, s.processRawCAN, obs, opts)
	s.Coverage = newCategory(packet.KindCoverageCursor, s.processCoverage, obs, opts)

	s.all = []lifecycle{s.Periodic, s.Row, s.Synchro, s.Event, s.Error, s.Marker, s.RawCAN, s.Coverage}
	return s
}

// Start starts every category. On failure the started ones are stopped.
func (s *Set) Start() error {
	for i, c := range s.all {
		if err := c.Start(); err != nil {
			for _, started := range s.all[:i] {
				started.Stop()
			}
			return errors.Wrapf(err, "start %s handler", c.Kind())
		}
	}
	return nil
}

// Stop stops every category.
func (s *Set) Stop() {
	for _, c := range s.all {
		c.Stop()
	}
}

// Flush processes the current window of every category.
func (s *Set) Flush() {
	for _, c := range s.all {
		c.Flush()
	}
}

// Settle resubmits and processes the pending queue of every category.
func (s *Set) Settle() {
	for _, c := range s.all {
		c.Settle()
	}
}

// Pending returns the number of parked packets per kind.
func (s *Set) Pending() map[packet.Kind]int {
	out := make(map[packet.Kind]int, len(s.all))
	for _, c := range s.all {
		out[c.Kind()] = c.Pending()
	}
	return out
}

// Stats returns the statistics of every category.
func (s *Set) Stats() map[packet.Kind]CategoryStatsSnapshot {
	out := make(map[packet.Kind]CategoryStatsSnapshot, len(s.all))
	for _, c := range s.all {
		out[c.Kind()] = c.Stats()
	}
	return out
}

// =============================================================================
// Category processing
// =============================================================================

func (s *Set) write(ctx context.Context, samples ...mapper.Sample) error {
	for _, sample := range samples {
		if err := s.deps.Writer.Write(ctx, sample); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) processPeriodic(ctx context.Context, p *packet.PeriodicData) error {
	if p.Interval == 0 {
		return errors.Wrapf(errors.ErrInvalidInterval, "periodic packet at %d", p.StartTime)
	}
	params, err := s.deps.Schema.Parameters(ctx, p.DataFormat)
	if err != nil {
		return err
	}
	if len(params) != len(p.Columns) {
		return errors.Wrapf(errors.ErrColumnMismatch, "%d columns for %d parameters", len(p.Columns), len(params))
	}

	if missing := s.deps.Config.MissingPeriodic(params, p.Interval); len(missing) > 0 {
		items := make([]configproc.PeriodicItem, len(missing))
		for i, m := range missing {
			items[i] = configproc.PeriodicItem{Parameter: m, Interval: p.Interval}
		}
		return deferOn(s.deps.Processors.Periodic.Submit(items...))
	}

	samples, err := s.mapper.Periodic(p, params)
	if err != nil {
		return err
	}
	return s.write(ctx, samples...)
}

func (s *Set) processRow(ctx context.Context, p *packet.RowData) error {
	params, err := s.deps.Schema.Parameters(ctx, p.DataFormat)
	if err != nil {
		return err
	}

	if missing := s.deps.Config.MissingRows(params); len(missing) > 0 {
		return deferOn(s.deps.Processors.Row.Submit(missing...))
	}

	samples, err := s.mapper.Row(p, params)
	if err != nil {
		return err
	}
	return s.write(ctx, samples...)
}

func (s *Set) processSynchro(ctx context.Context, p *packet.SynchroData) error {
	params, err := s.deps.Schema.Parameters(ctx, p.DataFormat)
	if err != nil {
		return err
	}
	if len(params) != len(p.Columns) {
		return errors.Wrapf(errors.ErrColumnMismatch, "%d columns for %d parameters", len(p.Columns), len(params))
	}

	if missing := s.deps.Config.MissingSynchro(params); len(missing) > 0 {
		return deferOn(s.deps.Processors.Synchro.Submit(missing...))
	}

	samples, err := s.mapper.Synchro(p, params)
	if err != nil {
		return err
	}
	return s.write(ctx, samples...)
}

func (s *Set) processEvent(ctx context.Context, p *packet.Event) error {
	id, err := s.deps.Schema.Event(ctx, p.DataFormat)
	if err != nil {
		return err
	}
	if _, _, err := configproc.ParseEventIdentifier(id); err != nil {
		return err
	}

	if _, ok := s.deps.Config.Event(id); !ok {
		return deferOn(s.deps.Processors.Event.Submit(id))
	}

	sample, err := s.mapper.Event(p, id)
	if err != nil {
		return err
	}
	return s.write(ctx, sample)
}

func (s *Set) processError(ctx context.Context, p *packet.Error) error {
	if p.Name == "" || p.ErrorIdentifier == "" {
		return errors.NewMalformed("Error", "missing name or identifier")
	}

	if _, ok := s.deps.Config.Error(p.Name); !ok {
		return deferOn(s.deps.Processors.Error.Submit(configproc.ErrorItem{
			Name:        p.Name,
			Identifier:  p.ErrorIdentifier,
			Group:       p.ApplicationName,
			Description: p.Description,
		}))
	}

	sample, err := s.mapper.Error(p)
	if err != nil {
		return err
	}
	return s.write(ctx, sample)
}

func (s *Set) processMarker(ctx context.Context, p *packet.Marker) error {
	return s.write(ctx, mapper.MapMarker(p))
}

func (s *Set) processRawCAN(ctx context.Context, p *packet.RawCANData) error {
	return s.write(ctx, mapper.MapRawCAN(p))
}

func (s *Set) processCoverage(ctx context.Context, p *packet.CoverageCursor) error {
	return s.write(ctx, mapper.MapCoverageCursor(p))
}
