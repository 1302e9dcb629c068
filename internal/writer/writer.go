// Package writer persists canonical samples to a store session.
//
// Writer is the single write boundary of a session. It wraps raw stream
// timestamps into nanoseconds of the day, routes every sample to its
// category writer, and tracks the session time extent over the
// data-bearing categories (periodic, row, synchro and raw CAN).
package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/mapper"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
)

var log = logging.Component("writer")

// Wrap converts a raw stream timestamp to nanoseconds since midnight.
func Wrap(ts uint64) int64 {
	return int64(ts % uint64(packet.NanosecondsPerDay))
}

// Options configures a Writer.
type Options struct {
	// SummaryAccuracy is the relative accuracy of channel percentiles.
	// Zero disables summaries.
	SummaryAccuracy float64
}

// Stats holds writer statistics.
type Stats struct {
	Writes   atomic.Int64
	Failures atomic.Int64
	Skipped  atomic.Int64
}

// StatsSnapshot is a copy of writer statistics.
type StatsSnapshot struct {
	Writes   int64
	Failures int64
	Skipped  int64
}

// Writer routes samples to the store session.
//
// Writer is safe for concurrent use.
type Writer struct {
	sess store.Session
	cfg  *sessionconfig.Config

	laps      *lapWriter
	summaries *Summaries

	markerMu sync.Mutex
	markers  map[markerKey]struct{}

	boundsMu  sync.Mutex
	start     int64
	end       int64
	hasBounds bool

	stats Stats
}

type markerKey struct {
	timestamp int64
	label     string
}

// New creates a writer for one session.
func New(sess store.Session, cfg *sessionconfig.Config, opts Options) *Writer {
	w := &Writer{
		sess:    sess,
		cfg:     cfg,
		markers: make(map[markerKey]struct{}),
	}
	if opts.SummaryAccuracy > 0 {
		w.summaries = NewSummaries(opts.SummaryAccuracy)
	}
	w.laps = newLapWriter(sess, w.sessionStart)
	return w
}

// Write persists one sample. A non-nil error means the sample was not
// written and may be retried, unless errors.IsPacketError reports it can
// never be written.
func (w *Writer) Write(ctx context.Context, s mapper.Sample) error {
	err := w.write(ctx, s)
	if err != nil {
		w.stats.Failures.Add(1)
		return err
	}
	w.stats.Writes.Add(1)
	return nil
}

func (w *Writer) write(ctx context.Context, s mapper.Sample) error {
	switch v := s.(type) {
	case *mapper.Periodic:
		return w.writePeriodic(ctx, v)
	case *mapper.Row:
		return w.writeRow(ctx, v)
	case *mapper.Synchro:
		return w.writeSynchro(ctx, v)
	case *mapper.RawCAN:
		return w.writeCAN(ctx, v)
	case *mapper.Marker:
		return w.writeMarker(ctx, v)
	case *mapper.Lap:
		return w.laps.write(ctx, v)
	case *mapper.Event:
		return w.sess.AddEvent(ctx, store.Event{
			Timestamp:    Wrap(v.Timestamp),
			DefinitionID: v.DefinitionID,
			Group:        v.Group,
			Values:       v.Values,
		})
	case *mapper.Error:
		return w.writeError(ctx, v)
	case *mapper.CoverageCursor:
		return w.sess.SetCoverageCursor(ctx, Wrap(v.Timestamp))
	case *mapper.SessionInfo:
		return w.sess.UpdateIdentifier(ctx, v.Identifier)
	default:
		return fmt.Errorf("sample %T: %w", s, errors.ErrUnknownPacketType)
	}
}

func (w *Writer) writePeriodic(ctx context.Context, p *mapper.Periodic) error {
	start := Wrap(p.Start)
	interval := int64(p.Interval)

	w.cfg.LockWrite()
	err := w.sess.AppendPeriodic(ctx, store.PeriodicSamples{
		Channel:  p.Channel,
		Start:    start,
		Interval: interval,
		Values:   p.Values,
	})
	w.cfg.UnlockWrite()
	if err != nil {
		return err
	}

	end := start
	if n := len(p.Values); n > 0 {
		end = start + interval*int64(n-1)
	}
	w.extend(start, end)
	w.summarize(p.Channel, p.Values...)
	return nil
}

func (w *Writer) writeRow(ctx context.Context, r *mapper.Row) error {
	ts := Wrap(r.Timestamp)

	w.cfg.LockWrite()
	err := w.sess.AppendRow(ctx, store.RowSample{
		Channels:  r.Channels,
		Timestamp: ts,
		Doubles:   r.Values,
	})
	w.cfg.UnlockWrite()
	if err != nil {
		return err
	}

	w.extend(ts, ts)
	for i, ch := range r.Channels {
		if i < len(r.Values) {
			w.summarize(ch, r.Values[i])
		}
	}
	return nil
}

func (w *Writer) writeSynchro(ctx context.Context, s *mapper.Synchro) error {
	start := Wrap(s.Start)

	w.cfg.LockWrite()
	err := w.sess.AppendSynchro(ctx, store.SynchroSamples{
		Channel: s.Channel,
		Start:   start,
		Scale:   s.Scale,
		Values:  s.Values,
		Deltas:  s.Deltas,
	})
	w.cfg.UnlockWrite()
	if err != nil {
		return err
	}

	end := start
	for _, d := range s.Deltas {
		end += int64(d) * int64(s.Scale)
	}
	w.extend(start, end)
	w.summarize(s.Channel, s.Values...)
	return nil
}

func (w *Writer) writeCAN(ctx context.Context, c *mapper.RawCAN) error {
	ts := Wrap(c.Timestamp)
	if err := w.sess.AppendCAN(ctx, store.CANFrame{
		Timestamp: ts,
		Bus:       c.Bus,
		ID:        c.ID,
		Payload:   c.Payload,
		Direction: c.Direction,
	}); err != nil {
		return err
	}
	w.extend(ts, ts)
	return nil
}

func (w *Writer) writeMarker(ctx context.Context, m *mapper.Marker) error {
	key := markerKey{timestamp: Wrap(m.Timestamp), label: m.Label}

	w.markerMu.Lock()
	defer w.markerMu.Unlock()

	if _, dup := w.markers[key]; dup {
		w.stats.Skipped.Add(1)
		return nil
	}
	if err := w.sess.AddMarker(ctx, store.Marker{
		Timestamp:   key.timestamp,
		Label:       m.Label,
		Type:        m.Type,
		Description: m.Description,
		Value:       m.Value,
	}); err != nil {
		return err
	}
	w.markers[key] = struct{}{}
	return nil
}

// writeError applies the status/type matrix:
//
//	set, current      logged=1 current=1
//	cleared, current  logged=1 current=0
//	set, logged       logged=1
//	cleared, logged   current=0 logged=0
func (w *Writer) writeError(ctx context.Context, e *mapper.Error) error {
	ts := Wrap(e.Timestamp)

	type write struct {
		ch    sessionconfig.Handle
		value uint16
	}
	var writes []write

	switch {
	case e.Status == packet.ErrorStatusSet && e.Type == packet.ErrorTypeCurrent:
		writes = []write{{e.Logged, 1}, {e.Current, 1}}
	case e.Status == packet.ErrorStatusCleared && e.Type == packet.ErrorTypeCurrent:
		writes = []write{{e.Logged, 1}, {e.Current, 0}}
	case e.Status == packet.ErrorStatusSet && e.Type == packet.ErrorTypeLogged:
		writes = []write{{e.Logged, 1}}
	case e.Status == packet.ErrorStatusCleared && e.Type == packet.ErrorTypeLogged:
		writes = []write{{e.Current, 0}, {e.Logged, 0}}
	default:
		return errors.NewMalformed("Error", fmt.Sprintf("error %s has status %d and type %d", e.Identifier, e.Status, e.Type))
	}

	w.cfg.LockWrite()
	defer w.cfg.UnlockWrite()

	for _, wr := range writes {
		if err := w.sess.AppendRow(ctx, store.RowSample{
			Channels:  []sessionconfig.Handle{wr.ch},
			Timestamp: ts,
			Uint16s:   []uint16{wr.value},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) extend(start, end int64) {
	w.boundsMu.Lock()
	defer w.boundsMu.Unlock()

	if !w.hasBounds {
		w.start, w.end, w.hasBounds = start, end, true
		return
	}
	if start < w.start {
		w.start = start
	}
	if end > w.end {
		w.end = end
	}
}

func (w *Writer) summarize(ch sessionconfig.Handle, values ...float64) {
	if w.summaries != nil {
		w.summaries.Add(ch, values...)
	}
}

func (w *Writer) sessionStart() (int64, bool) {
	w.boundsMu.Lock()
	defer w.boundsMu.Unlock()
	return w.start, w.hasBounds
}

// Bounds returns the session time extent, if any data was written.
func (w *Writer) Bounds() (start, end int64, ok bool) {
	w.boundsMu.Lock()
	defer w.boundsMu.Unlock()
	return w.start, w.end, w.hasBounds
}

// Finalize persists the time extent and channel summaries.
func (w *Writer) Finalize(ctx context.Context) error {
	var errs []error

	if start, end, ok := w.Bounds(); ok {
		if err := w.sess.SetTimeBounds(ctx, start, end); err != nil {
			errs = append(errs, fmt.Errorf("set time bounds: %w", err))
		}
	}

	if w.summaries != nil {
		if results := w.summaries.Results(); len(results) > 0 {
			if err := w.sess.WriteSummaries(ctx, results); err != nil {
				errs = append(errs, fmt.Errorf("write summaries: %w", err))
			}
		}
	}

	start, end, _ := w.Bounds()
	log.Info("writer finalized", "session", w.sess.Key(), "start", start, "end", end,
		"writes", w.stats.Writes.Load(), "failures", w.stats.Failures.Load())

	return errors.Join(errs...)
}

// Stats returns a snapshot of writer statistics.
func (w *Writer) Stats() StatsSnapshot {
	return StatsSnapshot{
		Writes:   w.stats.Writes.Load(),
		Failures: w.stats.Failures.Load(),
		Skipped:  w.stats.Skipped.Load(),
	}
}
