package session

import (
	"context"
	"sync/atomic"
	"time"
)

// Liveness tracks the time of the last dispatched packet.
type Liveness struct {
	window time.Duration
	last   atomic.Int64
}

// NewLiveness creates a tracker whose quiescence window starts now.
func NewLiveness(window time.Duration) *Liveness {
	l := &Liveness{window: window}
	l.Touch()
	return l
}

// Touch records activity and pushes the quiescence deadline back.
func (l *Liveness) Touch() {
	l.last.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last recorded activity.
func (l *Liveness) LastActivity() time.Time {
	return time.Unix(0, l.last.Load())
}

// Deadline returns when the session becomes quiescent if nothing happens.
func (l *Liveness) Deadline() time.Time {
	return l.LastActivity().Add(l.window)
}

// Wait blocks until no activity was recorded for the whole window. The
// timer is re-armed to the new deadline whenever activity moved it.
func (l *Liveness) Wait(ctx context.Context) error {
	timer := time.NewTimer(time.Until(l.Deadline()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			remaining := time.Until(l.Deadline())
			if remaining <= 0 {
				return nil
			}
			timer.Reset(remaining)
		}
	}
}
