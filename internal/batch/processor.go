// Package batch provides a generic time and size windowed batch processor.
//
// A Processor buffers items handed to Add and delivers them to a sink in
// FIFO order once either the size threshold is reached or the time window
// since the first buffered item has elapsed. Add never blocks the producer.
//
// Sink failures are logged and counted. The processor never retries a batch;
// callers that need retry keep their own pending queue.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/telrec/internal/logging"
)

var log = logging.Component("batch")

// Sink receives one flushed batch. The slice is owned by the sink.
type Sink[T any] func(ctx context.Context, items []T) error

// Options configures a Processor.
type Options struct {
	// Name identifies the processor in logs.
	Name string

	// MaxItems flushes the buffer once it holds this many items.
	// Default: 1000
	MaxItems int

	// MaxWait flushes the buffer once the oldest item has waited this long.
	// Default: 1s
	MaxWait time.Duration
}

// DefaultOptions returns default batch options.
func DefaultOptions() Options {
	return Options{
		Name:     "batch",
		MaxItems: 1000,
		MaxWait:  time.Second,
	}
}

// Stats holds processor statistics.
type Stats struct {
	ItemsAdded     atomic.Int64
	BatchesFlushed atomic.Int64
	ItemsFlushed   atomic.Int64
	SinkErrors     atomic.Int64
	SinkPanics     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ItemsAdded     int64
	BatchesFlushed int64
	ItemsFlushed   int64
	SinkErrors     int64
	SinkPanics     int64
	Buffered       int
}

// Processor is a time and size windowed batching primitive.
//
// Processor is safe for concurrent use. One consumer goroutine per
// instance calls the sink, so batches of one processor never overlap.
type Processor[T any] struct {
	mu    sync.Mutex
	buf   []T
	first time.Time

	// window advances every time the buffer is cut.
	window uint64

	opts Options
	sink Sink[T]

	wake     chan struct{}
	flushReq chan chan struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// sinkMu serialises sink calls between the loop and inline flushes.
	sinkMu sync.Mutex

	stats Stats
}

// New creates a processor. Call Start to launch the consumer loop.
func New[T any](sink Sink[T], opts Options) *Processor[T] {
	defaults := DefaultOptions()
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaults.MaxItems
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaults.MaxWait
	}
	if opts.Name == "" {
		opts.Name = defaults.Name
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Processor[T]{
		opts:     opts,
		sink:     sink,
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consumer loop.
func (p *Processor[T]) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("batch processor %s already running", p.opts.Name)
	}
	if p.ctx.Err() != nil {
		p.running.Store(false)
		return fmt.Errorf("batch processor %s stopped", p.opts.Name)
	}

	p.wg.Add(1)
	go p.loop()

	return nil
}

// Stop cancels the consumer loop and waits for it to exit.
// Items still buffered are discarded.
func (p *Processor[T]) Stop() {
	p.cancel()
	p.wg.Wait()
	p.running.Store(false)

	p.mu.Lock()
	dropped := len(p.buf)
	p.buf = nil
	p.window++
	p.mu.Unlock()

	if dropped > 0 {
		log.Debug("discarded unflushed items", "processor", p.opts.Name, "items", dropped)
	}
}

// Add appends an item to the current window. It never blocks.
func (p *Processor[T]) Add(item T) {
	p.AddFunc(func(uint64) T { return item })
}

// AddFunc appends the item built by fn to the current window. fn runs
// under the buffer lock and receives the window number, which changes each
// time the buffer is handed to the sink or discarded. Items built with the
// same number are delivered in the same batch. fn must not call back into
// the processor.
func (p *Processor[T]) AddFunc(fn func(window uint64) T) {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.first = time.Now()
	}
	p.buf = append(p.buf, fn(p.window))
	p.mu.Unlock()

	p.stats.ItemsAdded.Add(1)

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush delivers the current buffer to the sink and returns once the sink
// has been called. If the loop is not running the sink is called inline.
func (p *Processor[T]) Flush() {
	if p.running.Load() {
		done := make(chan struct{})
		select {
		case p.flushReq <- done:
			<-done
			return
		case <-p.ctx.Done():
		}
	}
	p.flush()
}

// Len returns the number of buffered items.
func (p *Processor[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Name returns the processor name.
func (p *Processor[T]) Name() string {
	return p.opts.Name
}

// Stats returns a snapshot of processor statistics.
func (p *Processor[T]) Stats() StatsSnapshot {
	return StatsSnapshot{
		ItemsAdded:     p.stats.ItemsAdded.Load(),
		BatchesFlushed: p.stats.BatchesFlushed.Load(),
		ItemsFlushed:   p.stats.ItemsFlushed.Load(),
		SinkErrors:     p.stats.SinkErrors.Load(),
		SinkPanics:     p.stats.SinkPanics.Load(),
		Buffered:       p.Len(),
	}
}

func (p *Processor[T]) loop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		n := len(p.buf)
		first := p.first
		p.mu.Unlock()

		if n >= p.opts.MaxItems {
			p.flush()
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if n > 0 {
			remaining := p.opts.MaxWait - time.Since(first)
			if remaining <= 0 {
				p.flush()
				continue
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		select {
		case <-p.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.wake:
		case <-timeout:
			p.flush()
		case done := <-p.flushReq:
			p.flush()
			close(done)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// flush takes the whole buffer and hands it to the sink.
func (p *Processor[T]) flush() {
	p.mu.Lock()
	items := p.buf
	p.buf = nil
	if len(items) > 0 {
		p.window++
	}
	p.mu.Unlock()

	if len(items) == 0 {
		return
	}

	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()

	p.stats.BatchesFlushed.Add(1)
	p.stats.ItemsFlushed.Add(int64(len(items)))

	if err := p.callSink(items); err != nil {
		p.stats.SinkErrors.Add(1)
		log.Error("batch sink failed", "processor", p.opts.Name, "items", len(items), "error", err)
	}
}

func (p *Processor[T]) callSink(items []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.SinkPanics.Add(1)
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return p.sink(p.ctx, items)
}
