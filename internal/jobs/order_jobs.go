package jobs

import (
	"context"

	"equipment-rental-backend/internal/logger"
)

// ReleaseOrphanedReservations returns reserved stock whose owning order chain
// no longer holds it, e.g. after a crash between a transition and its release.
func (jr *JobRunner) ReleaseOrphanedReservations() {
	jr.runWithRecovery("ReleaseOrphanedReservations", func() {
		ctx := context.Background()
		released, err := jr.services.Reservations.ReleaseOrphanedReservations(ctx, jr.config.OrphanGrace())
		if err != nil {
			logger.Error("Failed to release orphaned reservations", "released", released, "error", err)
			return
		}
		logger.Info("Released orphaned reservations", "count", released)
	})
}

// MarkOverdueInvoices moves pending invoices past their due date to overdue.
func (jr *JobRunner) MarkOverdueInvoices() {
	jr.runWithRecovery("MarkOverdueInvoices", func() {
		ctx := context.Background()
		marked, err := jr.services.Finance.MarkOverdueInvoices(ctx, jr.now())
		if err != nil {
			logger.Error("Failed to mark overdue invoices", "marked", marked, "error", err)
			return
		}
		logger.Info("Marked invoices as overdue", "count", marked)
	})
}
