package configproc

import (
	"context"
	"sync"
)

// Completion is resolved once every identifier queued with it has been
// committed, or with the error that made the commit give up.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error

	// pending counts the queued items not yet settled. Guarded by the
	// owning processor's mutex.
	pending int
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a completion that is already resolved with err.
func Resolved(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the resolution error. It is only meaningful after Done is
// closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Resolved reports whether the completion has resolved.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
