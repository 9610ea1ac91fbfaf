package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often inactive sessions are pruned.
const DefaultSweepInterval = 10 * time.Minute

// SessionSweeper periodically prunes inactive sessions past their grace
// window. It only touches the inactive pool and goes through the registry's
// own lock, so it may run alongside Connect and Disconnect.
//
// Lifecycle:
//
//	sweeper := NewSessionSweeper(registry, 10*time.Minute, logger)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop()
type SessionSweeper struct {
	registry *SessionRegistry
	logger   *zap.Logger
	now      func() time.Time
	onSweep  func(removed int)
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	wg       sync.WaitGroup
}

// NewSessionSweeper creates a sweeper; a non-positive interval uses
// DefaultSweepInterval.
func NewSessionSweeper(registry *SessionRegistry, interval time.Duration, logger *zap.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &SessionSweeper{
		registry: registry,
		logger:   logger,
		now:      registry.now,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnSweep registers a callback run after every pass. Set before Start.
func (s *SessionSweeper) SetOnSweep(fn func(removed int)) {
	s.onSweep = fn
}

// Start blocks, sweeping every interval until ctx is cancelled or Stop is
// called.
func (s *SessionSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if ctx == nil {
		ctx = s.ctx
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			s.logger.Info("session sweeper stopping", zap.String("reason", "context cancelled"))
			return
		case <-s.ctx.Done():
			s.logger.Info("session sweeper stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Sweep runs one pass now.
func (s *SessionSweeper) Sweep() int {
	removed := s.registry.SweepExpired(s.now())
	if removed > 0 {
		s.logger.Info("expired sessions swept", zap.Int("removed", removed))
	}
	if s.onSweep != nil {
		s.onSweep(removed)
	}
	return removed
}

// Stop ends Start and waits for it to return.
func (s *SessionSweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}
