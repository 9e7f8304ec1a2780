package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"equipment-rental-backend/internal/jobs"
	"equipment-rental-backend/internal/logger"
)

// Scheduler manages cron job scheduling
type Scheduler struct {
	cron *cron.Cron
	jobs *jobs.JobRunner
}

// NewScheduler creates a new scheduler with the provided job runner. It fails
// when a configured schedule does not parse.
func NewScheduler(jobRunner *jobs.JobRunner) (*Scheduler, error) {
	// Create cron with UTC timezone and seconds precision; a run still in
	// progress makes the next tick of the same job skip.
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	s := &Scheduler{
		cron: c,
		jobs: jobRunner,
	}

	if err := s.registerJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerJobs registers all scheduled jobs with the cron scheduler
func (s *Scheduler) registerJobs() error {
	cfg := s.jobs.Config().Scheduler

	for _, job := range []struct {
		name string
		spec string
		fn   func()
	}{
		{"AuditLedger", cfg.AuditLedger, s.jobs.AuditLedger},
		{"ReleaseOrphanedReservations", cfg.ReleaseOrphanedReservations, s.jobs.ReleaseOrphanedReservations},
		{"MarkOverdueInvoices", cfg.MarkOverdueInvoices, s.jobs.MarkOverdueInvoices},
	} {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			logger.Error("Failed to register job", "job", job.name, "spec", job.spec, "error", err)
			return err
		}
		logger.Debug("Registered job", "job", job.name, "spec", job.spec)
	}

	logger.Info("All cron jobs registered successfully")
	return nil
}

// Start begins the cron scheduler
func (s *Scheduler) Start() {
	logger.Info("Starting cron scheduler...")
	s.cron.Start()
	logger.Info("Cron scheduler started successfully")
}

// Stop gracefully stops the cron scheduler
func (s *Scheduler) Stop() {
	logger.Info("Stopping cron scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Cron scheduler stopped")
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
