// SPDX-License-Identifier: Apache-2.0

package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/stagegate/internal/metrics"
)

type SweeperDeps struct {
	Gate     *Gate
	Interval time.Duration
	// Reconcile runs after every expiry pass when set.
	Reconcile func(ctx context.Context) error
	Logger    *slog.Logger
}

// Sweeper expires stale reviews on a fixed interval, independent of request
// traffic.
type Sweeper struct {
	gate      *Gate
	interval  time.Duration
	reconcile func(ctx context.Context) error
	logger    *slog.Logger
}

func NewSweeper(deps SweeperDeps) *Sweeper {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Sweeper{
		gate:      deps.Gate,
		interval:  interval,
		reconcile: deps.Reconcile,
		logger:    l,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("review sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("review sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("review sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { metrics.ObserveReviewSweep(time.Since(started)) }()

	expired, err := s.gate.ExpireStale(ctx, s.gate.now())
	if err != nil {
		return expired, err
	}
	if s.reconcile != nil {
		if err := s.reconcile(ctx); err != nil {
			return expired, err
		}
	}
	return expired, nil
}
