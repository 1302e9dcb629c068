package session

import (
	"context"
	"time"
)

// pollMetadata refreshes the session metadata until the session is
// complete or ctx ends. New streams get a reader at their start offset.
func (s *Session) pollMetadata(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		complete, err := s.refresh(ctx)
		if err != nil {
			failures++
			if failures == 1 || failures%10 == 0 {
				log.Warn("session metadata poll failed", "session", s.key, "failures", failures, "error", err)
			}
			continue
		}
		failures = 0

		if complete {
			log.Info("session metadata complete, polling stopped", "session", s.key, "streams", len(s.Streams()))
			return nil
		}
	}
}

func (s *Session) refresh(ctx context.Context) (bool, error) {
	info, err := s.deps.Sessions.SessionInfo(ctx, s.key)
	if err != nil {
		return false, err
	}
	if info.DataSource == "" {
		info.DataSource = s.opts.DataSource
	}
	if err := s.apply(ctx, info); err != nil {
		return false, err
	}
	return info.Complete, nil
}
