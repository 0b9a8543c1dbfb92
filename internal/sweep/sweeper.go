// Package sweep runs the recurring reconciliation jobs: basket expiry,
// stale pending payments, and abandoned reservations.
//
// Each job ticks independently and shares the live path's invariants
// (single conditional updates, no cross-row logic), so the sweeps are
// safe to run concurrently with user traffic. Individual row failures
// are logged and never abort a sweep.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/payments"
	"github.com/rvasily/streetmarket/internal/storage"
)

// Config carries the sweep intervals and age thresholds.
type Config struct {
	BasketTTL        time.Duration // hold age before release
	BasketInterval   time.Duration
	PendingMaxAge    time.Duration // pending payment age before expiry
	PendingInterval  time.Duration
	AbandonedMaxAge  time.Duration // hold age before the abandoned check applies
	AbandonedInterval time.Duration
}

// Sweeper drives the three background jobs.
type Sweeper struct {
	cfg       Config
	store     storage.Store
	inventory *inventory.Engine
	orch      *payments.Orchestrator
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// New creates a sweeper.
func New(cfg Config, store storage.Store, inv *inventory.Engine, orch *payments.Orchestrator, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		inventory: inv,
		orch:      orch,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loops are active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the three jobs from one ticker loop until ctx is done or Stop
// is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	basket := time.NewTicker(s.cfg.BasketInterval)
	pending := time.NewTicker(s.cfg.PendingInterval)
	abandoned := time.NewTicker(s.cfg.AbandonedInterval)
	defer basket.Stop()
	defer pending.Stop()
	defer abandoned.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-basket.C:
			s.safeTick(ctx, "basket", s.sweepBaskets)
		case <-pending.C:
			s.safeTick(ctx, "pending", s.sweepPending)
		case <-abandoned.C:
			s.safeTick(ctx, "abandoned", s.sweepAbandoned)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweep", "sweep", name, "panic", fmt.Sprint(r))
		}
	}()
	tick(ctx)
}

func (s *Sweeper) sweepBaskets(ctx context.Context) {
	released, err := s.inventory.SweepExpired(ctx, time.Now().UTC(), s.cfg.BasketTTL)
	if err != nil {
		s.logger.Warn("basket sweep failed", "error", err)
		return
	}
	if released > 0 {
		metrics.SweepReleasedTotal.WithLabelValues("basket").Add(float64(released))
		s.logger.Info("basket sweep released expired holds", "released", released)
	}
}

func (s *Sweeper) sweepPending(ctx context.Context) {
	expired, err := s.orch.ExpirePending(ctx, time.Now().UTC(), s.cfg.PendingMaxAge)
	if err != nil {
		s.logger.Warn("pending payment sweep failed", "error", err)
		return
	}
	if expired > 0 {
		metrics.SweepReleasedTotal.WithLabelValues("pending").Add(float64(expired))
		s.logger.Info("pending payment sweep expired stale records", "expired", expired)
	}
}

// sweepAbandoned guards against the "added to basket, never paid, never
// cleared" leak: holds older than AbandonedMaxAge whose user has no
// pending purchase payment are released.
func (s *Sweeper) sweepAbandoned(ctx context.Context) {
	holds, err := s.store.AbandonedHolds(ctx, time.Now().UTC().Add(-s.cfg.AbandonedMaxAge))
	if err != nil {
		s.logger.Warn("abandoned reservation sweep failed", "error", err)
		return
	}

	released := 0
	for _, h := range holds {
		ok, err := s.store.ReleaseHold(ctx, h.UserID, h.ProductID)
		if err != nil {
			s.logger.Warn("failed to release abandoned hold",
				"user", h.UserID, "product", h.ProductID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		metrics.SweepReleasedTotal.WithLabelValues("abandoned").Add(float64(released))
		s.logger.Info("abandoned reservation sweep released holds", "released", released)
	}
}
