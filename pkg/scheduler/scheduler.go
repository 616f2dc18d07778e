// Package scheduler drives the two background cron jobs the Reservation
// Core needs outside the request path: rolling-horizon schedule
// recompilation and the outbox lease-timeout sweep. Generalized from the
// teacher's placeholder "@every 1m" no-op task into real registered jobs.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// Recompiler is the subset of the Schedule Compiler the scheduler drives.
type Recompiler interface {
	RecompileAllTenants(ctx context.Context) error
}

// LeaseSweeper is the subset of the Outbox Dispatcher the scheduler drives.
type LeaseSweeper interface {
	SweepExpiredLeases(ctx context.Context) (int, error)
}

// Scheduler owns the cron runtime and the jobs registered on it.
type Scheduler struct {
	cron       *cron.Cron
	recompiler Recompiler
	sweeper    LeaseSweeper
	logger     *logger.Logger
}

// New creates a new scheduler. Either collaborator may be nil, in which
// case its job is simply never registered (useful in tests that only care
// about one job).
func New(recompiler Recompiler, sweeper LeaseSweeper, logger *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		recompiler: recompiler,
		sweeper:    sweeper,
		logger:     logger,
	}
}

// Start registers the background jobs and starts the cron runtime.
func (s *Scheduler) Start() {
	s.logger.Info("starting background scheduler")

	if s.recompiler != nil {
		if _, err := s.cron.AddFunc("@daily", func() {
			ctx := context.Background()
			s.logger.Info("running scheduled rolling-horizon recompilation")
			if err := s.recompiler.RecompileAllTenants(ctx); err != nil {
				s.logger.Error("schedule recompilation failed", "error", err)
			}
		}); err != nil {
			s.logger.Error("failed to register recompilation job", "error", err)
		}
	}

	if s.sweeper != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() {
			ctx := context.Background()
			n, err := s.sweeper.SweepExpiredLeases(ctx)
			if err != nil {
				s.logger.Error("lease sweep failed", "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("reclaimed expired outbox leases", "count", n)
			}
		}); err != nil {
			s.logger.Error("failed to register lease sweep job", "error", err)
		}
	}

	s.cron.Start()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping background scheduler")
	s.cron.Stop()
}
