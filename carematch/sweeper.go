// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package carematch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// Sweeper runs the proposal TTL sweep on a fixed cadence. Expiry is
// idempotent, so a sweep racing a concurrent accept or reject is safe:
// whichever transition lands first wins and the loser is a no-op.
type Sweeper struct {
	logger   hclog.Logger
	manager  *ProposalManager
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper constructs a sweeper; Run starts it.
func NewSweeper(logger hclog.Logger, manager *ProposalManager, interval time.Duration) *Sweeper {
	return &Sweeper{
		logger:   logger.Named("sweeper"),
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run loops until Stop is called. Call it from its own goroutine.
func (s *Sweeper) Run() {
	s.started.Store(true)
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("proposal expiry sweep started", "interval", s.interval)
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now().UTC())
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish. It is
// safe to call more than once, and before Run has ever started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

func (s *Sweeper) sweep(now time.Time) {
	defer metrics.MeasureSince([]string{"carematch", "sweeper", "sweep"}, time.Now())
	metrics.IncrCounter([]string{"carematch", "sweeper", "runs"}, 1)

	expired, err := s.manager.ExpireStale(now)
	if err != nil {
		s.logger.Error("proposal expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale proposals", "count", expired)
	}
}
