package handler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/configproc"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
)

// deferral is returned by a process function when the packet references
// identifiers that are still being configured.
type deferral struct {
	wait []*configproc.Completion
}

func (d *deferral) Error() string {
	return fmt.Sprintf("waiting for %d configuration commits", len(d.wait))
}

// deferOn returns a deferral for the completions of a submit. A completion
// that already failed means the packet can never be mapped.
func deferOn(cs []*configproc.Completion) error {
	for _, c := range cs {
		if c.Resolved() && c.Err() != nil {
			return fmt.Errorf("%w: %w", errConfigFailed, c.Err())
		}
	}
	return &deferral{wait: cs}
}

var errConfigFailed = errors.New("configuration failed")

// CategoryStats holds category handler statistics.
type CategoryStats struct {
	// Received counts packets queued, including resubmitted ones.
	Received atomic.Int64
	Written  atomic.Int64
	Deferred atomic.Int64
	Dropped  atomic.Int64
	Failed   atomic.Int64
	Drains   atomic.Int64
}

// CategoryStatsSnapshot is a copy of category handler statistics.
type CategoryStatsSnapshot struct {
	Received int64
	Written  int64
	Deferred int64
	Dropped  int64
	Failed   int64
	Drains   int64
	Pending  int
}

// Category batches and processes the packets of one kind.
//
// Packets whose identifiers are not configured yet, and packets whose
// write failed, are parked in the pending queue. The queue is drained when
// a configuration commit the category waits for completes, and
// periodically when a retry interval is set. A drain only resubmits
// packets whose commits have all resolved.
type Category[P packet.Payload] struct {
	kind    packet.Kind
	process func(ctx context.Context, p P) error
	obs     Observer

	batcher       *batch.Processor[P]
	retryInterval time.Duration

	mu      sync.Mutex
	pending []parked[P]
	waiting map[*configproc.Completion]struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats CategoryStats
}

func newCategory[P packet.Payload](kind packet.Kind, process func(context.Context, P) error, obs Observer, opts Options) *Category[P] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Category[P]{
		kind:          kind,
		process:       process,
		obs:           obs,
		retryInterval: opts.RetryInterval,
		waiting:       make(map[*configproc.Completion]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	bopts := opts.Batch
	bopts.Name = "handler-" + kind.String()
	c.batcher = batch.New(c.sink, bopts)
	return c
}

// Kind returns the packet kind handled by the category.
func (c *Category[P]) Kind() packet.Kind {
	return c.kind
}

// Start launches the batching loop and the retry ticker.
func (c *Category[P]) Start() error {
	if err := c.batcher.Start(); err != nil {
		return err
	}
	c.running.Store(true)

	if c.retryInterval > 0 {
		c.wg.Add(1)
		go c.retryLoop()
	}
	return nil
}

// Stop ends the batching loop and every waiter. Pending packets are
// discarded.
func (c *Category[P]) Stop() {
	c.running.Store(false)
	c.cancel()
	c.batcher.Stop()
	c.wg.Wait()

	c.mu.Lock()
	n := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	if n > 0 {
		log.Warn("discarding pending packets", "kind", c.kind, "packets", n)
	}
}

// Handle queues a packet for processing.
func (c *Category[P]) Handle(_ context.Context, p P) error {
	if !c.running.Load() {
		return errors.Wrapf(errors.ErrNotRunning, "%s handler", c.kind)
	}
	c.stats.Received.Add(1)
	c.batcher.Add(p)
	return nil
}

// Flush processes the current window immediately.
func (c *Category[P]) Flush() {
	c.batcher.Flush()
}

// Settle resubmits the whole pending queue and processes it immediately.
func (c *Category[P]) Settle() {
	c.drain(true)
	c.batcher.Flush()
}

// Pending returns the number of parked packets.
func (c *Category[P]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of category statistics.
func (c *Category[P]) Stats() CategoryStatsSnapshot {
	return CategoryStatsSnapshot{
		Received: c.stats.Received.Load(),
		Written:  c.stats.Written.Load(),
		Deferred: c.stats.Deferred.Load(),
		Dropped:  c.stats.Dropped.Load(),
		Failed:   c.stats.Failed.Load(),
		Drains:   c.stats.Drains.Load(),
		Pending:  c.Pending(),
	}
}

func (c *Category[P]) sink(ctx context.Context, items []P) error {
	for _, p := range items {
		c.processOne(ctx, p)
	}
	return nil
}

func (c *Category[P]) processOne(ctx context.Context, p P) {
	err := c.process(ctx, p)
	if err == nil {
		c.stats.Written.Add(1)
		c.obs.PacketWritten(c.kind)
		return
	}

	var d *deferral
	if errors.As(err, &d) {
		c.stats.Deferred.Add(1)
		c.obs.PacketDeferred(c.kind)
		c.park(p, d.wait)
		for _, done := range d.wait {
			c.await(done)
		}
		return
	}

	if reason, drop := DropReason(err); drop {
		c.stats.Dropped.Add(1)
		c.obs.PacketDropped(c.kind, reason)
		log.Warn("dropping packet", "kind", c.kind, "reason", reason, "error", err)
		return
	}

	c.stats.Failed.Add(1)
	c.obs.WriteFailed(c.kind)
	log.Warn("write failed, packet pending", "kind", c.kind, "error", err)
	c.park(p, nil)
}

// parked is a pending packet and the commits it waits for.
type parked[P packet.Payload] struct {
	p    P
	wait []*configproc.Completion
}

func (e parked[P]) ready() bool {
	for _, done := range e.wait {
		if !done.Resolved() {
			return false
		}
	}
	return true
}

func (c *Category[P]) park(p P, wait []*configproc.Completion) {
	c.mu.Lock()
	c.pending = append(c.pending, parked[P]{p: p, wait: wait})
	c.mu.Unlock()
}

// await registers one waiter per distinct completion. A completion that
// resolves successfully drains the pending queue once.
func (c *Category[P]) await(done *configproc.Completion) {
	c.mu.Lock()
	if _, ok := c.waiting[done]; ok || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.waiting[done] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		select {
		case <-done.Done():
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		delete(c.waiting, done)
		c.mu.Unlock()

		if err := done.Err(); err != nil {
			log.Warn("configuration failed, pending packets kept", "kind", c.kind, "error", err)
			return
		}
		c.drain(false)
	}()
}

func (c *Category[P]) retryLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.Pending() > 0 {
				c.drain(false)
			}
		}
	}
}

// drain resubmits the parked packets that are ready, or all of them.
// Packets still waiting for a commit keep their order in the queue.
func (c *Category[P]) drain(all bool) {
	c.mu.Lock()
	var items []P
	var kept []parked[P]
	for _, e := range c.pending {
		if all || e.ready() {
			items = append(items, e.p)
		} else {
			kept = append(kept, e)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	if len(items) == 0 {
		return
	}
	c.stats.Drains.Add(1)
	log.Debug("draining pending queue", "kind", c.kind, "packets", len(items))

	for i, p := range items {
		if err := c.Handle(c.ctx, p); err != nil {
			c.mu.Lock()
			for _, rest := range items[i:] {
				c.pending = append(c.pending, parked[P]{p: rest})
			}
			c.mu.Unlock()
			return
		}
	}
}
