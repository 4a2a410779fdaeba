/*
scheduler.go - Automated coin expiry scheduler

PURPOSE:
  Periodically sweeps every customer wallet and appends EXPIRY rows for
  earned coins past their expires_at.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A failure for one customer is logged and the sweep continues
  - Sweeps never overlap; a tick that arrives mid-sweep waits

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunExpiry endpoint (manual sweep)
  - loyalty/expiry.go: ExpireCoins, ExpireAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// Expirer is the part of the engine the scheduler drives.
type Expirer interface {
	ExpireAll(ctx context.Context) (map[loyalty.CustomerID]loyalty.Coins, error)
}

// ExpiryScheduler runs the coin expiry sweep on an interval.
type ExpiryScheduler struct {
	Engine   Expirer
	Interval time.Duration
	Enabled  bool
	Logger   *slog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(engine Expirer, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryScheduler{
		Engine:   engine,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   logger.With("component", "expiry-scheduler"),
	}
}

// Start begins the scheduler.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Logger.Info("scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("scheduler stopped")
}

func (s *ExpiryScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single sweep and returns the total coins expired.
func (s *ExpiryScheduler) RunOnce(ctx context.Context) loyalty.Coins {
	start := time.Now()
	expired, err := s.Engine.ExpireAll(ctx)

	var total loyalty.Coins
	for _, coins := range expired {
		total += coins
	}

	if err != nil {
		s.Logger.Error("expiry sweep finished with errors",
			"customers", len(expired), "coins", total, "error", err)
		return total
	}
	s.Logger.Info("expiry sweep complete",
		"customers", len(expired), "coins", total, "duration", time.Since(start))
	return total
}
