package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ThrottleExpirer is the slice of the throttle service the sweeper
// drives: rejecting intents that sat throttled past their wait limit.
type ThrottleExpirer interface {
	ExpireOverdue(ctx context.Context, at time.Time) (int, error)
}

// Sweeper periodically expires overdue relay messages, retries pending
// refunds and rejects stale throttled intents. Refund retries are the
// one operation that must never be abandoned, which is why they live
// on a timer rather than only in request paths.
type Sweeper struct {
	relay    *Service
	throttle ThrottleExpirer
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(relay *Service, throttle ThrottleExpirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		relay:    relay,
		throttle: throttle,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run blocks until the context is cancelled, sweeping on every tick.
// Call it in its own goroutine; Wait returns once the loop has fully
// stopped.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			now := s.relay.Now()
			s.relay.Sweep(ctx, now)
			if expired, err := s.throttle.ExpireOverdue(ctx, now); err != nil {
				s.logger.Warn("failed to expire throttled intents", zap.Error(err))
			} else if expired > 0 {
				s.logger.Info("expired stale throttled intents", zap.Int("count", expired))
			}
		}
	}
}

// Wait blocks until Run has returned.
func (s *Sweeper) Wait() {
	<-s.done
}
