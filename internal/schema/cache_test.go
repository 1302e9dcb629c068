package schema

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/packet"
)

type fakeService struct {
	calls  atomic.Int64
	delay  time.Duration
	params map[uint64][]string
	events map[uint64]string
	err    error
}

func (f *fakeService) ParameterList(ctx context.Context, id uint64) ([]string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.params[id], nil
}

func (f *fakeService) EventIdentifier(ctx context.Context, id uint64) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.events[id], nil
}

func TestCache_InlineReference(t *testing.T) {
	svc := &fakeService{}
	c := New(svc)

	list, err := c.Parameters(context.Background(), packet.DataFormat{Parameters: []string{"a:app", "b:app"}})
	if err != nil {
		t.Fatalf("Parameters: %v", err)
	}
	if len(list) != 2 || list[0] != "a:app" {
		t.Errorf("unexpected list %v", list)
	}

	id, err := c.Event(context.Background(), packet.DataFormat{EventID: "1f:app"})
	if err != nil || id != "1f:app" {
		t.Errorf("Event = %q, %v", id, err)
	}

	if svc.calls.Load() != 0 {
		t.Errorf("inline references must not call the service, got %d calls", svc.calls.Load())
	}
}

func TestCache_LookupOnce(t *testing.T) {
	svc := &fakeService{
		params: map[uint64][]string{7: {"x:app", "y:app"}},
		events: map[uint64]string{9: "a0:app"},
	}
	c := New(svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		list, err := c.Parameters(ctx, packet.DataFormat{FormatID: 7})
		if err != nil {
			t.Fatalf("Parameters: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 parameters, got %d", len(list))
		}
		id, err := c.Event(ctx, packet.DataFormat{FormatID: 9})
		if err != nil || id != "a0:app" {
			t.Fatalf("Event = %q, %v", id, err)
		}
	}

	if got := svc.calls.Load(); got != 2 {
		t.Errorf("expected 2 remote calls, got %d", got)
	}

	stats := c.Stats()
	if stats.Hits != 4 {
		t.Errorf("expected 4 hits, got %d", stats.Hits)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestCache_ConcurrentMissesShareLookup(t *testing.T) {
	svc := &fakeService{
		params: map[uint64][]string{1: {"p:app"}},
		delay:  50 * time.Millisecond,
	}
	c := New(svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ParameterList(context.Background(), 1); err != nil {
				t.Errorf("ParameterList: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := svc.calls.Load(); got != 1 {
		t.Errorf("expected 1 remote call, got %d", got)
	}
}

func TestCache_LookupFailure(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
	}{
		{"service error", &fakeService{err: fmt.Errorf("unavailable")}},
		{"unknown format", &fakeService{params: map[uint64][]string{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.svc)
			_, err := c.ParameterList(context.Background(), 42)
			if !errors.Is(err, errors.ErrSchemaLookup) {
				t.Errorf("expected ErrSchemaLookup, got %v", err)
			}
			if c.Len() != 0 {
				t.Error("failed lookups must not be cached")
			}
		})
	}
}
