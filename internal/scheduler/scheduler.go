// Package scheduler runs subscription renewal on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/invoicehook/internal/config"
	"github.com/mattjoyce/invoicehook/internal/events"
	"github.com/mattjoyce/invoicehook/internal/lifecycle"
	"github.com/mattjoyce/invoicehook/internal/lock"
)

// TypeTick is published on the hub at the start of every tick.
const TypeTick = "scheduler.tick"

// Scheduler triggers renewal runs. Each run holds the lifecycle file lock,
// so two instances never renew the same subscription at once.
type Scheduler struct {
	cfg     config.LifecycleConfig
	renewal RenewalService
	events  *events.Hub
	logger  *slog.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg config.LifecycleConfig, renewal RenewalService, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(16)
	}
	return &Scheduler{
		cfg:     cfg,
		renewal: renewal,
		events:  hub,
		logger:  logger.With("component", "scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.TickInterval, "within_days", s.cfg.WithinDays)
	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial tick immediately
	s.Tick(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.TickInterval, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.TickInterval, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// Tick runs one renewal pass under the lifecycle lock. ran is false when
// another process held the lock.
func (s *Scheduler) Tick(ctx context.Context) (summary lifecycle.Summary, ran bool) {
	s.logger.Debug("Scheduler tick")
	s.events.Publish(TypeTick, "", map[string]any{"at": time.Now().UTC()})

	err := lock.With(s.cfg.LockPath, func() error {
		subs, err := s.renewal.FindExpiring(ctx, s.cfg.WithinDays)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			s.logger.Debug("No subscriptions due for renewal")
			ran = true
			return nil
		}
		summary = s.renewal.RenewAll(ctx, subs)
		ran = true
		return nil
	})
	switch {
	case errors.Is(err, lock.ErrHeld):
		s.logger.Info("Renewal already running elsewhere, skipping tick", "lock", s.cfg.LockPath, "error", err)
	case err != nil:
		s.logger.Error("Renewal tick failed", "error", err)
	case summary.Failed > 0:
		s.logger.Warn("Renewal tick finished with failures", "renewed", summary.Renewed, "failed", summary.Failed)
	}
	return summary, ran
}

// calculateJitteredInterval adds a random delay in [0, jitter) to base.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
