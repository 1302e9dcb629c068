package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xtxerr/telrec/internal/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retries []int
	p := fastPolicy(5)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		retries = append(retries, attempt)
	}

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("attempt %d", calls)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(retries) != 2 {
		t.Errorf("expected 2 retry callbacks, got %v", retries)
	}
}

func TestDo_Exhausted(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0

	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return Permanent(errors.ErrInvalidConfig)
	})
	if !IsPermanent(err) || !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected permanent ErrInvalidConfig, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, p, func(ctx context.Context) error {
		return fmt.Errorf("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("backoff did not observe cancellation")
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"defaults", CommitPolicy(), false},
		{"zero", Policy{}, false},
		{"negative attempts", Policy{MaxAttempts: -1}, true},
		{"negative delay", Policy{InitialDelay: -time.Second}, true},
		{"max below initial", Policy{InitialDelay: time.Second, MaxDelay: time.Millisecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDoWithResult(t *testing.T) {
	v, err := DoWithResult(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("DoWithResult = %d, %v", v, err)
	}
}
