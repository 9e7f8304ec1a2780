package jobs

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
)

type AuditSummary struct {
	Checked      int
	Inconsistent []int32
	Failed       int
}

// AuditLedger replays every item's ledger against its stored counters.
// Mismatching items are put on reconciliation hold by the ledger service.
func (jr *JobRunner) AuditLedger() {
	jr.runWithRecovery("AuditLedger", func() {
		summary, err := jr.auditLedger(context.Background())
		if err != nil {
			logger.Error("Failed to audit ledger", "error", err)
			return
		}
		if len(summary.Inconsistent) > 0 {
			logger.Error("Ledger audit found inconsistent items",
				"checked", summary.Checked,
				"inconsistent", summary.Inconsistent,
				"failed", summary.Failed)
			return
		}
		logger.Info("Ledger audit finished", "checked", summary.Checked, "failed", summary.Failed)
	})
}

func (jr *JobRunner) auditLedger(ctx context.Context) (*AuditSummary, error) {
	ids, err := jr.store.Equipment.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		summary = &AuditSummary{}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jr.config.Jobs.AuditConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			report, err := jr.services.Ledger.Reconcile(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch {
			case errors.Is(err, domain.ErrReconciliation):
				summary.Inconsistent = append(summary.Inconsistent, id)
			case err != nil:
				// One unreadable item does not stop the audit of the rest.
				summary.Failed++
				logger.Warn("Failed to reconcile item", "equipment_id", id, "error", err)
			case !report.Consistent:
				summary.Inconsistent = append(summary.Inconsistent, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}
