// Package schema memoizes numeric data format lookups against the schema
// service.
//
// Entries are populated once per data format identifier and never
// invalidated for the lifetime of the cache. Concurrent misses for the same
// identifier share one remote call.
package schema

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/streamapi"
)

var log = logging.Component("schema")

// Cache resolves schema references. One Cache belongs to one session.
type Cache struct {
	svc streamapi.SchemaService

	mu         sync.RWMutex
	parameters map[uint64][]string
	events     map[uint64]string

	group singleflight.Group

	stats Stats
}

// Stats holds cache statistics.
type Stats struct {
	mu      sync.Mutex
	Hits    int64
	Misses  int64
	Lookups int64
	Errors  int64
}

// New creates a cache backed by svc.
func New(svc streamapi.SchemaService) *Cache {
	return &Cache{
		svc:        svc,
		parameters: make(map[uint64][]string),
		events:     make(map[uint64]string),
	}
}

// Parameters resolves the ordered parameter list of a data format reference.
// Inline lists are returned as-is.
func (c *Cache) Parameters(ctx context.Context, df packet.DataFormat) ([]string, error) {
	if !df.NeedsLookup() {
		return df.Parameters, nil
	}
	return c.ParameterList(ctx, df.FormatID)
}

// Event resolves the event identifier of a data format reference.
func (c *Cache) Event(ctx context.Context, df packet.DataFormat) (string, error) {
	if !df.NeedsLookup() {
		if df.EventID == "" {
			return "", errors.NewMissingField("event_identifier")
		}
		return df.EventID, nil
	}
	return c.EventIdentifier(ctx, df.FormatID)
}

// ParameterList returns the parameter list of a numeric data format.
func (c *Cache) ParameterList(ctx context.Context, formatID uint64) ([]string, error) {
	c.mu.RLock()
	list, ok := c.parameters[formatID]
	c.mu.RUnlock()
	if ok {
		c.hit()
		return list, nil
	}
	c.miss()

	v, err, _ := c.group.Do("p:"+strconv.FormatUint(formatID, 10), func() (interface{}, error) {
		c.mu.RLock()
		list, ok := c.parameters[formatID]
		c.mu.RUnlock()
		if ok {
			return list, nil
		}

		c.lookup()
		list, err := c.svc.ParameterList(ctx, formatID)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, errors.NewNotFound("data format", strconv.FormatUint(formatID, 10))
		}

		c.mu.Lock()
		c.parameters[formatID] = list
		c.mu.Unlock()

		log.Debug("cached parameter list", "format_id", formatID, "parameters", len(list))
		return list, nil
	})
	if err != nil {
		c.failed()
		return nil, fmt.Errorf("parameter list %d: %w: %w", formatID, errors.ErrSchemaLookup, err)
	}
	return v.([]string), nil
}

// EventIdentifier returns the event identifier of a numeric data format.
func (c *Cache) EventIdentifier(ctx context.Context, formatID uint64) (string, error) {
	c.mu.RLock()
	id, ok := c.events[formatID]
	c.mu.RUnlock()
	if ok {
		c.hit()
		return id, nil
	}
	c.miss()

	v, err, _ := c.group.Do("e:"+strconv.FormatUint(formatID, 10), func() (interface{}, error) {
		c.mu.RLock()
		id, ok := c.events[formatID]
		c.mu.RUnlock()
		if ok {
			return id, nil
		}

		c.lookup()
		id, err := c.svc.EventIdentifier(ctx, formatID)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, errors.NewNotFound("event format", strconv.FormatUint(formatID, 10))
		}

		c.mu.Lock()
		c.events[formatID] = id
		c.mu.Unlock()

		return id, nil
	})
	if err != nil {
		c.failed()
		return "", fmt.Errorf("event identifier %d: %w: %w", formatID, errors.ErrSchemaLookup, err)
	}
	return v.(string), nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.parameters) + len(c.events)
}

// StatsSnapshot is a copy of cache statistics.
type StatsSnapshot struct {
	Hits    int64
	Misses  int64
	Lookups int64
	Errors  int64
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() StatsSnapshot {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return StatsSnapshot{
		Hits:    c.stats.Hits,
		Misses:  c.stats.Misses,
		Lookups: c.stats.Lookups,
		Errors:  c.stats.Errors,
	}
}

func (c *Cache) hit()    { c.bump(&c.stats.Hits) }
func (c *Cache) miss()   { c.bump(&c.stats.Misses) }
func (c *Cache) lookup() { c.bump(&c.stats.Lookups) }
func (c *Cache) failed() { c.bump(&c.stats.Errors) }

func (c *Cache) bump(v *int64) {
	c.stats.mu.Lock()
	*v++
	c.stats.mu.Unlock()
}
