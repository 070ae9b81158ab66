package workspace

import (
	"context"
	"time"

	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Sweeper runs Cleanup periodically until its context is cancelled.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	observe  func(ctx context.Context, removed int)
}

// NewSweeper creates a periodic sweeper. A non-positive interval disables it.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	return &Sweeper{manager: manager, interval: interval}
}

// OnSweep registers fn to be called with the result of every periodic sweep.
func (s *Sweeper) OnSweep(fn func(ctx context.Context, removed int)) *Sweeper {
	s.observe = fn
	return s
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.manager.Cleanup(ctx)
			if s.observe != nil {
				s.observe(ctx, removed)
			}
			if removed > 0 {
				logger.Info(ctx, "workspace sweep finished", zap.Int("removed", removed))
			}
		}
	}
}
