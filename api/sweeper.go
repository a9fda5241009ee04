/*
sweeper.go - Background expiration sweeper

PURPOSE:
  Periodically finds accounts holding expired, unprocessed entries and
  sweeps them. EnsureMonthlyRefresh sweeps on account touch; this loop
  covers accounts that never get touched, so balances converge anyway.

DESIGN:
  - Ticker goroutine with a configurable interval
  - Each pass sweeps at most BatchSize accounts; the next pass picks up
    the remainder
  - Per-account sweeps are independent transactions; one failure does
    not stop the pass

USAGE:
  sweeper := api.NewSweeper(ledger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - credit/ledger.go: SweepDueAccounts, SweepExpired
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/credit-ledger/credit"
)

// Sweeper runs periodic expiration sweeps across all accounts.
type Sweeper struct {
	Ledger    *credit.Ledger
	Interval  time.Duration
	BatchSize int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with default cadence.
func NewSweeper(ledger *credit.Ledger) *Sweeper {
	return &Sweeper{
		Ledger:    ledger,
		Interval:  10 * time.Minute,
		BatchSize: 100,
		stop:      make(chan struct{}),
	}
}

// Start begins the background loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	log.Info().Dur("interval", s.Interval).Msg("expiration sweeper started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	log.Info().Msg("expiration sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start.
	s.sweepOnce()

	for {
		select {
		case <-s.ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx := context.Background()
	swept, err := s.Ledger.SweepDueAccounts(ctx, time.Now().UTC(), s.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("sweep pass failed")
		return
	}
	if swept > 0 {
		log.Info().Int("accounts", swept).Msg("sweep pass completed")
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (s *Sweeper) RunNow() {
	s.sweepOnce()
}
