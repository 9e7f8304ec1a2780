package jobs

import (
	"fmt"
	"time"

	"equipment-rental-backend/internal/config"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/service"
)

// JobRunner coordinates all scheduled jobs
type JobRunner struct {
	store    *repository.Store
	services *service.Services
	config   *config.Config
	now      func() time.Time
}

// NewJobRunner creates a new job runner with all dependencies
func NewJobRunner(store *repository.Store, services *service.Services, cfg *config.Config) *JobRunner {
	return &JobRunner{
		store:    store,
		services: services,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (jr *JobRunner) Config() *config.Config {
	return jr.config
}

// runWithRecovery wraps job execution with panic recovery
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked", "job", jobName, "panic", r)
		}
	}()

	start := time.Now()
	logger.Info("Starting job", "job", jobName)
	jobFunc()
	logger.Info("Job completed", "job", jobName, "duration_ms", time.Since(start).Milliseconds())
}

// RunAll runs every job once, for manual execution
func (jr *JobRunner) RunAll() {
	jr.ReleaseOrphanedReservations()
	jr.MarkOverdueInvoices()
	jr.AuditLedger()
}

// Run runs the job registered under name once.
func (jr *JobRunner) Run(name string) error {
	switch name {
	case "audit-ledger":
		jr.AuditLedger()
	case "release-orphaned-reservations":
		jr.ReleaseOrphanedReservations()
	case "mark-overdue-invoices":
		jr.MarkOverdueInvoices()
	case "all":
		jr.RunAll()
	default:
		return fmt.Errorf("unknown job %q", name)
	}
	return nil
}

// JobNames lists the names Run accepts.
func JobNames() []string {
	return []string{"audit-ledger", "release-orphaned-reservations", "mark-overdue-invoices", "all"}
}
