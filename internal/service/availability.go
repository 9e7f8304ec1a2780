package service

import (
	"context"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

type availabilityService struct {
	orderRepo     repository.OrderRepository
	equipmentRepo repository.EquipmentRepository
	ledgerRepo    repository.LedgerRepository
	opts          Options
}

func NewAvailabilityService(store *repository.Store, opts Options) AvailabilityService {
	return newAvailabilityService(store, opts.withDefaults())
}

func newAvailabilityService(store *repository.Store, opts Options) *availabilityService {
	return &availabilityService{
		orderRepo:     store.Orders,
		equipmentRepo: store.Equipment,
		ledgerRepo:    store.Ledger,
		opts:          opts,
	}
}

// CheckAvailability never touches the ledger. For orders still being drafted
// the result is stored on the order, but only when it differs from what is
// already there, so repeated checks report the same version.
func (s *availabilityService) CheckAvailability(ctx context.Context, orderID int32) (*domain.AvailabilityReport, error) {
	logger.EnterMethod(ctx, "availabilityService.CheckAvailability", "orderID", orderID)

	var report *domain.AvailabilityReport
	err := retry(ctx, s.opts, "CheckAvailability", func(int) error {
		o, err := s.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if len(o.Lines) == 0 {
			return domain.NewValidationError("lines", "order has no lines to check")
		}
		lines, status, err := s.evaluate(ctx, o)
		if err != nil {
			return err
		}
		report = &domain.AvailabilityReport{OrderID: o.ID, Status: status, Lines: lines, OrderVersion: o.Version}

		if !recordsStockCheck(o) || !stockCheckChanged(o, status, lines) {
			return nil
		}
		updated := o.Clone()
		applyStockCheck(updated, status, lines)
		if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
			return err
		}
		report.OrderVersion = updated.Version
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "availabilityService.CheckAvailability", err, "orderID", orderID)
		return nil, err
	}

	logger.ExitMethod(ctx, "availabilityService.CheckAvailability", "orderID", orderID, "status", report.Status)
	return report, nil
}

// evaluate computes line availability from one snapshot of the referenced
// items. The pool for an item is its available quantity plus whatever the
// order's own reservation already holds; lines on the same item draw from the
// pool in line order.
func (s *availabilityService) evaluate(ctx context.Context, o *domain.Order) ([]domain.LineResult, domain.StockCheckStatus, error) {
	snap, err := s.equipmentRepo.GetSnapshot(ctx, o.EquipmentIDs())
	if err != nil {
		return nil, "", err
	}

	pool := make(map[int32]int32, len(snap))
	for id, item := range snap {
		if item.ReconciliationHold {
			continue
		}
		pool[id] = item.Available
	}
	if o.ReservationHeld {
		held, err := s.holdings(ctx, o)
		if err != nil {
			return nil, "", err
		}
		for id, h := range held {
			if _, ok := pool[id]; ok && h.Reserved > 0 {
				pool[id] += h.Reserved
			}
		}
	}

	lines := make([]domain.LineResult, len(o.Lines))
	for i, l := range o.Lines {
		take := min(pool[l.EquipmentID], l.Quantity)
		pool[l.EquipmentID] -= take
		lines[i] = domain.LineResult{
			LineID:            l.ID,
			EquipmentID:       l.EquipmentID,
			QuantityOrdered:   l.Quantity,
			QuantityAvailable: take,
			IsAvailable:       take >= l.Quantity,
		}
	}
	return lines, domain.AggregateStockStatus(lines), nil
}

// holdings sums what the order's reservation holds per item.
func (s *availabilityService) holdings(ctx context.Context, o *domain.Order) (map[int32]*domain.Holding, error) {
	entries, err := s.ledgerRepo.ListByOrders(ctx, []int32{o.ReservationOwner()})
	if err != nil {
		return nil, err
	}
	return domain.Holdings(entries), nil
}

func recordsStockCheck(o *domain.Order) bool {
	return o.Status == domain.OrderStatusDraft || o.Status == domain.OrderStatusPendingApproval
}

func stockCheckChanged(o *domain.Order, status domain.StockCheckStatus, lines []domain.LineResult) bool {
	if o.StockCheck != status {
		return true
	}
	for i := range o.Lines {
		if o.Lines[i].QuantityAvailable != lines[i].QuantityAvailable {
			return true
		}
	}
	return false
}

func applyStockCheck(o *domain.Order, status domain.StockCheckStatus, lines []domain.LineResult) {
	o.StockCheck = status
	for i := range o.Lines {
		o.Lines[i].QuantityAvailable = lines[i].QuantityAvailable
	}
}
