// Package sessionconfig holds the per-session registry of configured
// identifiers and the channel handles allocated for them.
//
// A Config is created when a session starts, mutated by the configuration
// processors as commits succeed and read by the category handlers when they
// check whether a packet can be mapped. It also owns the session-wide
// configuration lock: commits hold it exclusively, sample writes share it.
package sessionconfig

import (
	"sort"
	"sync"

	"github.com/xtxerr/telrec/config"
)

// Handle is a backend channel handle.
type Handle uint32

// Priority of an event definition.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "low"
	}
}

// EventDefinition describes a configured event.
type EventDefinition struct {
	Identifier   string
	DefinitionID int64
	Group        string
	Priority     Priority
	Description  string
}

// ErrorDefinition describes a configured error and its two status channels.
type ErrorDefinition struct {
	Name        string
	Identifier  string
	Group       string
	Description string
	Current     Handle
	Logged      Handle
}

// PeriodicKey identifies a periodic channel.
type PeriodicKey struct {
	Parameter string
	Interval  uint32
}

// Config is the registry of one session.
type Config struct {
	sessionKey string

	// lock is the configuration lock.
	lock sync.RWMutex

	mu       sync.RWMutex
	rows     map[string]Handle
	periodic map[PeriodicKey]Handle
	synchro  map[string]Handle
	events   map[string]EventDefinition
	errors   map[string]ErrorDefinition

	handles *HandleAllocator
}

// New creates an empty registry for a session.
func New(sessionKey string) *Config {
	return &Config{
		sessionKey: sessionKey,
		rows:       make(map[string]Handle),
		periodic:   make(map[PeriodicKey]Handle),
		synchro:    make(map[string]Handle),
		events:     make(map[string]EventDefinition),
		errors:     make(map[string]ErrorDefinition),
		handles:    NewHandleAllocator(),
	}
}

// SessionKey returns the owning session key.
func (c *Config) SessionKey() string { return c.sessionKey }

// Handles returns the session handle allocator.
func (c *Config) Handles() *HandleAllocator { return c.handles }

// LockCommit acquires the configuration lock for a commit.
func (c *Config) LockCommit() { c.lock.Lock() }

// UnlockCommit releases the configuration lock after a commit.
func (c *Config) UnlockCommit() { c.lock.Unlock() }

// LockWrite acquires the configuration lock for a sample write.
func (c *Config) LockWrite() { c.lock.RLock() }

// UnlockWrite releases the configuration lock after a sample write.
func (c *Config) UnlockWrite() { c.lock.RUnlock() }

// =============================================================================
// Lookups
// =============================================================================

// RowHandle returns the row channel of a parameter.
func (c *Config) RowHandle(parameter string) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.rows[parameter]
	return h, ok
}

// RowHandles returns the row channels of parameters in order. ok is false
// if any parameter is not configured.
func (c *Config) RowHandles(parameters []string) ([]Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Handle, len(parameters))
	for i, p := range parameters {
		h, ok := c.rows[p]
		if !ok {
			return nil, false
		}
		out[i] = h
	}
	return out, true
}

// PeriodicHandle returns the periodic channel of a parameter at an interval.
func (c *Config) PeriodicHandle(parameter string, interval uint32) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.periodic[PeriodicKey{parameter, interval}]
	return h, ok
}

// SynchroHandle returns the synchro channel of a parameter.
func (c *Config) SynchroHandle(parameter string) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.synchro[parameter]
	return h, ok
}

// Event returns the definition of an event identifier.
func (c *Config) Event(identifier string) (EventDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.events[identifier]
	return d, ok
}

// Error returns the definition of an error name.
func (c *Config) Error(name string) (ErrorDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.errors[name]
	return d, ok
}

// MissingRows returns the parameters without a row channel, deduplicated
// and in first-seen order.
func (c *Config) MissingRows(parameters []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return missing(parameters, func(p string) bool {
		_, ok := c.rows[p]
		return ok
	})
}

// MissingPeriodic returns the parameters without a channel at interval.
func (c *Config) MissingPeriodic(parameters []string, interval uint32) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return missing(parameters, func(p string) bool {
		_, ok := c.periodic[PeriodicKey{p, interval}]
		return ok
	})
}

// MissingSynchro returns the parameters without a synchro channel.
func (c *Config) MissingSynchro(parameters []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return missing(parameters, func(p string) bool {
		_, ok := c.synchro[p]
		return ok
	})
}

func missing(items []string, known func(string) bool) []string {
	var out []string
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		if !known(it) {
			out = append(out, it)
		}
	}
	return out
}

// =============================================================================
// Publication
// =============================================================================

// AddRows publishes row channels.
func (c *Config) AddRows(m map[string]Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.rows[k] = v
	}
}

// AddPeriodic publishes periodic channels.
func (c *Config) AddPeriodic(m map[PeriodicKey]Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.periodic[k] = v
	}
}

// AddSynchro publishes synchro channels.
func (c *Config) AddSynchro(m map[string]Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.synchro[k] = v
	}
}

// AddEvents publishes event definitions.
func (c *Config) AddEvents(defs ...EventDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range defs {
		c.events[d.Identifier] = d
	}
}

// AddErrors publishes error definitions. The status channels are also
// published as row channels.
func (c *Config) AddErrors(defs ...ErrorDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range defs {
		c.errors[d.Name] = d
		c.rows[CurrentChannel(d.Identifier)] = d.Current
		c.rows[LoggedChannel(d.Identifier)] = d.Logged
	}
}

// CurrentChannel is the row parameter holding the current state of an error.
func CurrentChannel(errorIdentifier string) string { return "Current" + errorIdentifier }

// LoggedChannel is the row parameter holding the logged state of an error.
func LoggedChannel(errorIdentifier string) string { return "Logged" + errorIdentifier }

// =============================================================================
// Snapshot
// =============================================================================

// Stats summarizes the registry.
type Stats struct {
	Rows     int `json:"rows"`
	Periodic int `json:"periodic"`
	Synchro  int `json:"synchro"`
	Events   int `json:"events"`
	Errors   int `json:"errors"`
}

// Stats returns the number of entries per category.
func (c *Config) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Rows:     len(c.rows),
		Periodic: len(c.periodic),
		Synchro:  len(c.synchro),
		Events:   len(c.events),
		Errors:   len(c.errors),
	}
}

// Channel is one configured channel, used for summaries and archives.
type Channel struct {
	Handle    Handle
	Parameter string
	Interval  uint32
	Kind      string
}

// Channels returns every configured channel sorted by handle.
func (c *Config) Channels() []Channel {
	c.mu.RLock()
	out := make([]Channel, 0, len(c.rows)+len(c.periodic)+len(c.synchro))
	for p, h := range c.rows {
		out = append(out, Channel{Handle: h, Parameter: p, Kind: "row"})
	}
	for k, h := range c.periodic {
		out = append(out, Channel{Handle: h, Parameter: k.Parameter, Interval: k.Interval, Kind: "periodic"})
	}
	for p, h := range c.synchro {
		out = append(out, Channel{Handle: h, Parameter: p, Kind: "synchro"})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Clear drops every entry. Called when the session is disposed.
func (c *Config) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = make(map[string]Handle)
	c.periodic = make(map[PeriodicKey]Handle)
	c.synchro = make(map[string]Handle)
	c.events = make(map[string]EventDefinition)
	c.errors = make(map[string]ErrorDefinition)
}

// =============================================================================
// Handle allocation
// =============================================================================

// HandleAllocator hands out unique channel handles for one session.
// Handles wrap within [1, MaxChannelHandle).
type HandleAllocator struct {
	mu   sync.Mutex
	last uint32
}

// NewHandleAllocator creates an allocator starting at 1.
func NewHandleAllocator() *HandleAllocator {
	return &HandleAllocator{}
}

// Next returns the next handle.
func (a *HandleAllocator) Next() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextLocked()
}

// NextN returns n consecutive handles.
func (a *HandleAllocator) NextN(n int) []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Handle, n)
	for i := range out {
		out[i] = a.nextLocked()
	}
	return out
}

func (a *HandleAllocator) nextLocked() Handle {
	a.last = (a.last + 1) % config.MaxChannelHandle
	if a.last == 0 {
		a.last = 1
	}
	return Handle(a.last)
}
