package streamproxy

import (
	"context"
	"sync/atomic"
	"time"
)

// Subscription iterates over a session's frames by polling the latest one.
type Subscription struct {
	session  *session
	interval time.Duration
	lastSeq  uint64
	closed   atomic.Bool
}

// Next blocks until a frame newer than the last delivered one is available.
// It returns ErrStreamUnavailable once the session stopped or failed.
func (s *Subscription) Next(ctx context.Context) (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrStreamUnavailable
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if !s.session.currentStatus().Active() {
			return nil, ErrStreamUnavailable
		}
		if frame := s.session.frame.Load(); frame != nil && frame.Seq > s.lastSeq {
			s.lastSeq = frame.Seq
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the subscription. It is idempotent.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.session.subscribers.Add(-1)
	}
}
