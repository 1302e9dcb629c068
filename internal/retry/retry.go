// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/errors"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy configures the backoff.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`

	// OnRetry is called after every failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`
}

// CommitPolicy is the policy used for configuration commits.
func CommitPolicy() Policy {
	return Policy{
		MaxAttempts:  config.DefaultCommitAttempts,
		InitialDelay: config.DefaultCommitInitialDelay,
		MaxDelay:     config.DefaultCommitMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts cannot be negative"))
	}
	if p.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("initial_delay cannot be negative"))
	}
	if p.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("max_delay cannot be negative"))
	}
	if p.Multiplier < 0 {
		errs = append(errs, fmt.Errorf("multiplier cannot be negative"))
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		errs = append(errs, fmt.Errorf("max_delay must be >= initial_delay"))
	}
	return errors.Join(errs...)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	if p.Multiplier > 1000 {
		p.Multiplier = 1000
	}
	return p
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	p = p.withDefaults()

	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.Jitter && delay >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay / 4)))
			randMu.Unlock()
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, sleep, err)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * p.Multiplier
		if next > float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}
