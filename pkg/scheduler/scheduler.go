// Package scheduler drives the two periodic background tasks spec §5
// names: the Receipt Ingestor every ten minutes and the Reply Watchdog
// every fifteen. It wraps robfig/cron/v3, the dependency the rest of the
// pack reaches for whenever a process needs its own cron rather than an
// external scheduler triggering an HTTP endpoint.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nust-lifeline/ledger/pkg/telemetry"
)

// Runnable is satisfied by both *ingest.Ingestor and *watchdog.Watchdog:
// one poll cycle, run to completion or to its first unrecoverable error.
type Runnable interface {
	Run(ctx context.Context) error
}

// Scheduler owns the cron instance and the per-job telemetry wrapping.
type Scheduler struct {
	cron   *cron.Cron
	tel    *telemetry.Provider
	logger *slog.Logger
}

// New constructs a Scheduler. tel may be a disabled Provider (see
// telemetry.New), in which case TrackRun degrades to a no-op.
func New(tel *telemetry.Provider, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		tel:    tel,
		logger: logger,
	}
}

// ingestorSchedule and watchdogSchedule are the two cadences spec §5 fixes:
// the ingestor every ten minutes, the watchdog every fifteen.
const (
	ingestorSchedule = "*/10 * * * *"
	watchdogSchedule = "*/15 * * * *"
)

// AddIngestor schedules one Receipt Ingestor poll cycle every ten minutes.
func (s *Scheduler) AddIngestor(ingestor Runnable) error {
	return s.addJob("ingestor", ingestorSchedule, ingestor)
}

// AddWatchdog schedules one Reply Watchdog poll cycle every fifteen
// minutes.
func (s *Scheduler) AddWatchdog(watchdog Runnable) error {
	return s.addJob("watchdog", watchdogSchedule, watchdog)
}

func (s *Scheduler) addJob(name, schedule string, job Runnable) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		ctx, done := s.tel.TrackRun(ctx, "scheduler."+name)
		err := job.Run(ctx)
		done(err)

		if err != nil {
			s.logger.Error("scheduler: job failed", "job", name, "error", err)
			return
		}
		s.logger.Info("scheduler: job completed", "job", name)
	})
	return err
}

// Start begins running scheduled jobs in the background. Non-blocking.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler: starting", "ingestor_schedule", ingestorSchedule, "watchdog_schedule", watchdogSchedule)
	s.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
