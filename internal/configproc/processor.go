// Package configproc registers new identifiers with the store.
//
// Each packet category owns one Processor. Identifiers are submitted at
// most once per session; new ones are collected in a time and size window
// and committed together as one configuration unit under the session
// configuration lock. Once a unit is committed its channel handles are
// published into the session registry and the Completion returned by
// Submit resolves.
package configproc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/telrec/internal/batch"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/retry"
	"github.com/xtxerr/telrec/internal/sessionconfig"
	"github.com/xtxerr/telrec/internal/store"
)

var log = logging.Component("configproc")

// Spec describes how a category turns identifiers into configuration.
type Spec[T any] struct {
	// Category names the processor in logs, metrics and units.
	Category string

	// Key returns the deduplication key of an item.
	Key func(T) string

	// Validate rejects items that can never be configured. Optional.
	Validate func(T) error

	// Build allocates handles and returns the unit to commit together with
	// the function that publishes the new mappings once it is committed.
	Build func(items []T, handles *sessionconfig.HandleAllocator) (store.ConfigUnit, func(*sessionconfig.Config))
}

// Options configures a Processor.
type Options struct {
	Batch batch.Options
	Retry retry.Policy
}

// Stats holds processor statistics.
type Stats struct {
	Submitted    atomic.Int64
	Duplicates   atomic.Int64
	Commits      atomic.Int64
	Failures     atomic.Int64
	DeadLettered atomic.Int64
}

// StatsSnapshot is a copy of processor statistics.
type StatsSnapshot struct {
	Submitted    int64
	Duplicates   int64
	Commits      int64
	Failures     int64
	DeadLettered int64
}

// Observer is notified of commit outcomes. Optional.
type Observer interface {
	CommitDone(category string, items int, d time.Duration, err error)
}

type entry[T any] struct {
	item T
	key  string
	done *Completion
}

// Processor deduplicates, batches and commits identifiers of one category.
type Processor[T any] struct {
	spec    Spec[T]
	sess    store.Session
	cfg     *sessionconfig.Config
	policy  retry.Policy
	batcher *batch.Processor[entry[T]]
	obs     Observer

	mu          sync.Mutex
	submitted   map[string]*Completion
	open        map[*Completion]struct{}
	deadLetters map[string]error

	// current is shared by the items of batch window currentWindow.
	current       *Completion
	currentWindow uint64

	stats Stats
}

// New creates a processor. Call Start before submitting.
func New[T any](spec Spec[T], sess store.Session, cfg *sessionconfig.Config, opts Options) *Processor[T] {
	if opts.Batch.Name == "" {
		opts.Batch.Name = "config-" + spec.Category
	}
	p := &Processor[T]{
		spec:        spec,
		sess:        sess,
		cfg:         cfg,
		policy:      opts.Retry,
		submitted:   make(map[string]*Completion),
		open:        make(map[*Completion]struct{}),
		deadLetters: make(map[string]error),
	}
	p.batcher = batch.New(p.commit, opts.Batch)
	return p
}

// SetObserver installs a commit observer. Must be called before Start.
func (p *Processor[T]) SetObserver(o Observer) {
	p.obs = o
}

// Category returns the processor category.
func (p *Processor[T]) Category() string {
	return p.spec.Category
}

// Start launches the batching loop.
func (p *Processor[T]) Start() error {
	return p.batcher.Start()
}

// Stop ends the batching loop. Items still waiting for their window are
// discarded and their completions resolve with errors.ErrNotRunning.
func (p *Processor[T]) Stop() {
	p.batcher.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.open {
		c.resolve(errors.ErrNotRunning)
		delete(p.open, c)
	}
	p.current = nil
}

// Flush commits the current window immediately.
func (p *Processor[T]) Flush() {
	p.batcher.Flush()
}

// Submit queues items for configuration and returns the distinct
// completions that resolve once all of them are committed. Items already
// submitted are not queued again; their existing completion is returned.
func (p *Processor[T]) Submit(items ...T) []*Completion {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Completion
	seen := make(map[*Completion]struct{})
	add := func(c *Completion) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}

	for _, it := range items {
		key := p.spec.Key(it)

		if c, ok := p.submitted[key]; ok {
			p.stats.Duplicates.Add(1)
			add(c)
			continue
		}

		if p.spec.Validate != nil {
			if err := p.spec.Validate(it); err != nil {
				c := Resolved(err)
				p.submitted[key] = c
				p.deadLetters[key] = err
				p.stats.DeadLettered.Add(1)
				log.Warn("rejected identifier", "category", p.spec.Category, "key", key, "error", err)
				add(c)
				continue
			}
		}

		p.batcher.AddFunc(func(window uint64) entry[T] {
			c := p.windowCompletion(window)
			c.pending++
			p.submitted[key] = c
			add(c)
			return entry[T]{item: it, key: key, done: c}
		})
		p.stats.Submitted.Add(1)
	}
	return out
}

// windowCompletion returns the completion of the given batch window, so a
// completion never spans two commits. Caller holds mu.
func (p *Processor[T]) windowCompletion(window uint64) *Completion {
	if p.current == nil || p.currentWindow != window {
		p.current = newCompletion()
		p.currentWindow = window
		p.open[p.current] = struct{}{}
	}
	return p.current
}

// IsSubmitted reports whether an item has been submitted.
func (p *Processor[T]) IsSubmitted(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.submitted[p.spec.Key(item)]
	return ok
}

// DeadLetters returns the keys that could not be configured and why.
func (p *Processor[T]) DeadLetters() map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]error, len(p.deadLetters))
	for k, v := range p.deadLetters {
		out[k] = v
	}
	return out
}

// Stats returns a snapshot of processor statistics.
func (p *Processor[T]) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted:    p.stats.Submitted.Load(),
		Duplicates:   p.stats.Duplicates.Load(),
		Commits:      p.stats.Commits.Load(),
		Failures:     p.stats.Failures.Load(),
		DeadLettered: p.stats.DeadLettered.Load(),
	}
}

// commit is the batch sink.
func (p *Processor[T]) commit(ctx context.Context, entries []entry[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("commit panic: %v", r)
			p.settle(entries, err)
			panic(r)
		}
	}()

	items := make([]T, len(entries))
	for i, e := range entries {
		items[i] = e.item
	}

	start := time.Now()
	unit, publish := p.spec.Build(items, p.cfg.Handles())
	unit.ID = uuid.NewString()
	unit.Category = p.spec.Category

	policy := p.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("configuration commit failed, retrying",
			"category", p.spec.Category, "unit", unit.ID, "attempt", attempt, "delay", delay, "error", err)
	}

	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		p.cfg.LockCommit()
		defer p.cfg.UnlockCommit()

		err := p.sess.Commit(ctx, unit)
		if err == nil || errors.Is(err, errors.ErrConfigExists) {
			err = p.sess.Use(ctx, unit.ID)
		}
		if err != nil && !errors.IsRetriable(err) {
			return retry.Permanent(err)
		}
		return err
	})

	if p.obs != nil {
		p.obs.CommitDone(p.spec.Category, len(entries), time.Since(start), err)
	}

	if err != nil {
		p.stats.Failures.Add(1)
		p.mu.Lock()
		for _, e := range entries {
			p.deadLetters[e.key] = err
		}
		p.mu.Unlock()
		p.stats.DeadLettered.Add(int64(len(entries)))

		log.Error("configuration commit abandoned",
			"category", p.spec.Category, "unit", unit.ID, "identifiers", keys(entries), "error", err)
		p.settle(entries, err)
		return err
	}

	publish(p.cfg)
	p.stats.Commits.Add(1)
	log.Debug("configuration committed",
		"category", p.spec.Category, "unit", unit.ID, "identifiers", len(entries), "duration", time.Since(start))

	p.settle(entries, nil)
	return nil
}

// settle counts entries off their completions and resolves every
// completion whose items are all settled. A failed batch resolves its
// completions immediately with the error.
func (p *Processor[T]) settle(entries []entry[T], err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		c := e.done
		c.pending--
		if err != nil {
			c.err = err
		}
		if c.pending <= 0 || err != nil {
			if _, ok := p.open[c]; ok {
				delete(p.open, c)
				if c == p.current {
					p.current = nil
				}
				c.resolve(err)
			}
		}
	}
}

func keys[T any](entries []entry[T]) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	sort.Strings(out)
	return out
}
