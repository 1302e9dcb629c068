package writer

import (
	"context"
	"sync"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/mapper"
	"github.com/xtxerr/telrec/internal/store"
)

// Lap names assigned by the lap writer.
const (
	OutLap  = "Out Lap"
	InLap   = "In Lap"
	PitLane = "Pit Lane"
)

// lapWriter classifies lap triggers and keeps the previous lap up to date.
//
// The first lap is an out lap. A pit lane trigger opens a pit lane lap and
// turns a preceding main lap into an in lap. A main trigger after the pit
// lane turns the pit lane lap into an out lap and opens another out lap.
// A lap only counts for the fastest lap once the next lap closes it, and
// out, in and pit lane laps never count.
type lapWriter struct {
	sess store.Session

	// sessionStart returns the session start, if known.
	sessionStart func() (int64, bool)

	mu       sync.Mutex
	previous *store.Lap
	seen     map[int64]struct{}
}

func newLapWriter(sess store.Session, sessionStart func() (int64, bool)) *lapWriter {
	return &lapWriter{
		sess:         sess,
		sessionStart: sessionStart,
		seen:         make(map[int64]struct{}),
	}
}

func (w *lapWriter) write(ctx context.Context, l *mapper.Lap) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := Wrap(l.Timestamp)
	guard := int64(config.LapGuardTime)

	if w.previous != nil && ts-w.previous.Timestamp < guard {
		log.Debug("rejecting lap inside guard time", "lap", l.Name, "timestamp", ts)
		return nil
	}

	lap := store.Lap{
		Timestamp:     ts,
		Number:        l.Number,
		TriggerSource: l.TriggerSource,
		Name:          l.Name,
	}

	var prev store.Lap
	if w.previous != nil {
		prev = *w.previous
	}

	switch {
	case w.previous == nil:
		lap.Name = OutLap
	case l.TriggerSource == mapper.TriggerPitLane:
		lap.Name = PitLane
		if prev.TriggerSource == mapper.TriggerMain {
			prev.Name = InLap
			prev.CountForFastestLap = false
		}
	case prev.Name == PitLane && l.TriggerSource == mapper.TriggerMain:
		prev.Name = OutLap
		prev.CountForFastestLap = false
		lap.Name = OutLap
	}

	if _, dup := w.seen[ts]; dup {
		log.Debug("rejecting duplicate lap", "lap", l.Name, "timestamp", ts)
		return nil
	}
	if start, ok := w.sessionStart(); ok && w.previous != nil && ts < start {
		log.Debug("rejecting lap before session start", "lap", l.Name, "timestamp", ts)
		return nil
	}

	if err := w.sess.AddLap(ctx, lap); err != nil {
		return err
	}
	w.seen[ts] = struct{}{}

	if w.previous != nil {
		if prev.Name != OutLap && prev.Name != InLap && prev.Name != PitLane {
			prev.CountForFastestLap = true
		}
		if err := w.sess.UpdateLap(ctx, prev); err != nil {
			log.Warn("failed to update previous lap", "lap", prev.Name, "error", err)
		}
	}
	w.previous = &lap
	return nil
}
