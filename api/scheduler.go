/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweep so that lots past their expires_at
  get their forfeiture posted to the ledger even for users who never come
  back. Balances never depend on this: expiration is evaluated logically on
  every read, the sweep only materializes it as transactions.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps immediately on start, then on every tick
  - Each user's expirations commit independently, so one bad user does not
    block the rest of the run

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - ledger/sweep.go: The sweep itself
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/metrics"
)

// SweepScheduler runs the expiration sweep on a timer.
type SweepScheduler struct {
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(engine *ledger.Engine) *SweepScheduler {
	return &SweepScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Sweeper] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()
	now := time.Now()

	swept, err := ss.Engine.Sweep(ctx, now)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		log.Printf("[Sweeper] Sweep error: %v", err)
		return
	}
	metrics.SweepRuns.WithLabelValues("ok").Inc()

	if len(swept) == 0 {
		return
	}

	var points int64
	for _, lot := range swept {
		points += lot.RemainingAmount
	}
	metrics.PointsExpired.Add(float64(points))

	log.Printf("[Sweeper] Expired %d lots, %d points forfeited", len(swept), points)
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweep()
}
