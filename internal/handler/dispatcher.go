package handler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
)

// DispatcherStats holds dispatcher statistics.
type DispatcherStats struct {
	Dispatched atomic.Int64
	Dropped    atomic.Int64
}

// Dispatcher decodes raw packets and routes them to the category handlers.
//
// Dispatcher is safe for concurrent use by several stream readers.
type Dispatcher struct {
	set *Set
	obs Observer

	onActivity atomic.Pointer[func()]

	stats DispatcherStats
}

// NewDispatcher creates a dispatcher over a handler set.
func NewDispatcher(set *Set, obs Observer) *Dispatcher {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Dispatcher{set: set, obs: obs}
}

// OnActivity installs the callback invoked after every packet that was
// routed to a handler.
func (d *Dispatcher) OnActivity(fn func()) {
	d.onActivity.Store(&fn)
}

// Handle decodes p and routes it to its category handler. Packets that can
// never be decoded are counted, dropped and reported as an error; they must
// not be retried.
func (d *Dispatcher) Handle(ctx context.Context, p packet.Packet) error {
	payload, err := packet.Parse(p)
	if err != nil {
		kind := packet.ParseKind(p.Type)
		reason, _ := DropReason(err)
		if reason == "" {
			reason = ReasonMalformed
		}
		d.drop(kind, reason)
		log.Warn("dropping undecodable packet", "type", p.Type, "session", p.SessionKey, "reason", reason, "error", err)
		return err
	}

	if err := d.route(ctx, payload); err != nil {
		reason, _ := DropReason(err)
		if reason == "" {
			reason = ReasonNotRunning
		}
		d.drop(payload.Kind(), reason)
		return err
	}

	d.stats.Dispatched.Add(1)
	if fn := d.onActivity.Load(); fn != nil && *fn != nil {
		(*fn)()
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, payload packet.Payload) error {
	switch v := payload.(type) {
	case *packet.PeriodicData:
		return d.set.Periodic.Handle(ctx, v)
	case *packet.RowData:
		return d.set.Row.Handle(ctx, v)
	case *packet.SynchroData:
		return d.set.Synchro.Handle(ctx, v)
	case *packet.Event:
		return d.set.Event.Handle(ctx, v)
	case *packet.Error:
		return d.set.Error.Handle(ctx, v)
	case *packet.Marker:
		return d.set.Marker.Handle(ctx, v)
	case *packet.RawCANData:
		return d.set.RawCAN.Handle(ctx, v)
	case *packet.CoverageCursor:
		return d.set.Coverage.Handle(ctx, v)
	default:
		return fmt.Errorf("payload %T: %w", payload, errors.ErrUnknownPacketType)
	}
}

func (d *Dispatcher) drop(kind packet.Kind, reason string) {
	d.stats.Dropped.Add(1)
	d.obs.PacketDropped(kind, reason)
}

// Stats returns dispatched and dropped packet counts.
func (d *Dispatcher) Stats() (dispatched, dropped int64) {
	return d.stats.Dispatched.Load(), d.stats.Dropped.Load()
}
