package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

type RegisterItemInput struct {
	ItemCode        string          `json:"item_code" validate:"required,max=64"`
	Description     string          `json:"description" validate:"required"`
	Category        string          `json:"category"`
	Unit            string          `json:"unit"`
	DailyRate       decimal.Decimal `json:"daily_rate"`
	WeeklyRate      decimal.Decimal `json:"weekly_rate"`
	MonthlyRate     decimal.Decimal `json:"monthly_rate"`
	Currency        string          `json:"currency" validate:"required,len=3"`
	InitialQuantity int32           `json:"initial_quantity" validate:"gte=0"`
}

// ReconciliationReport compares stored counters with a replay of the ledger.
type ReconciliationReport struct {
	EquipmentID int32           `json:"equipment_id"`
	Stored      domain.Counters `json:"stored"`
	Replayed    domain.Counters `json:"replayed"`
	Entries     int             `json:"entries"`
	Consistent  bool            `json:"consistent"`
	Hold        bool            `json:"hold"`
}

type ledgerService struct {
	equipmentRepo repository.EquipmentRepository
	ledgerRepo    repository.LedgerRepository
	publisher     events.Publisher
	opts          Options
}

func NewLedgerService(store *repository.Store, publisher events.Publisher, opts Options) LedgerService {
	return newLedgerService(store, publisher, opts.withDefaults())
}

func newLedgerService(store *repository.Store, publisher events.Publisher, opts Options) *ledgerService {
	return &ledgerService{
		equipmentRepo: store.Equipment,
		ledgerRepo:    store.Ledger,
		publisher:     publisher,
		opts:          opts,
	}
}

func (s *ledgerService) ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry, actor domain.Actor) (*domain.EquipmentItem, error) {
	if entry == nil {
		return nil, domain.NewValidationError("entry", "is required")
	}
	logger.EnterMethod(ctx, "ledgerService.ApplyLedgerEntry", "equipmentID", entry.EquipmentID, "type", entry.Type, "delta", entry.Delta)

	if entry.Type.OrderBound() {
		err := domain.NewValidationError("type", fmt.Sprintf("%s entries are booked through order transitions", entry.Type))
		logger.ExitMethodWithError(ctx, "ledgerService.ApplyLedgerEntry", err)
		return nil, err
	}
	if entry.Type.RequiresApproval() {
		if !actor.CanApproveAdjustments() {
			err := fmt.Errorf("%w: %s needs an adjustment approver", domain.ErrForbidden, entry.Type)
			logger.ExitMethodWithError(ctx, "ledgerService.ApplyLedgerEntry", err, "actorID", actor.UserID)
			return nil, err
		}
		approver := actor.UserID
		entry.ApprovedBy = &approver
		entry.Approved = true
	} else {
		if !actor.CanOperateWarehouse() {
			err := fmt.Errorf("%w: %s needs a warehouse role", domain.ErrForbidden, entry.Type)
			logger.ExitMethodWithError(ctx, "ledgerService.ApplyLedgerEntry", err, "actorID", actor.UserID)
			return nil, err
		}
		entry.ApprovedBy = nil
		entry.Approved = false
	}
	entry.ID = 0
	entry.OrderID = nil
	entry.ActorID = actor.UserID

	if err := entry.Validate(); err != nil {
		logger.ExitMethodWithError(ctx, "ledgerService.ApplyLedgerEntry", err)
		return nil, err
	}

	var items []domain.EquipmentItem
	err := retryBatch(ctx, s.opts, "ApplyLedgerEntry", func() error {
		var err error
		items, err = s.ledgerRepo.ApplyBatch(ctx, []*domain.LedgerEntry{entry})
		return err
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "ledgerService.ApplyLedgerEntry", err, "equipmentID", entry.EquipmentID)
		return nil, err
	}
	publishSnapshots(ctx, s.publisher, actor, items, s.opts.Now())

	logger.ExitMethod(ctx, "ledgerService.ApplyLedgerEntry", "entryID", entry.ID, "counters", items[0].Counters)
	return &items[0], nil
}

// RegisterItem creates an item together with its opening stock, booked as an
// approved adjustment, so the ledger reproduces the counters from the start.
func (s *ledgerService) RegisterItem(ctx context.Context, input RegisterItemInput, actor domain.Actor) (*domain.EquipmentItem, error) {
	logger.EnterMethod(ctx, "ledgerService.RegisterItem", "itemCode", input.ItemCode, "initialQuantity", input.InitialQuantity)

	if !actor.CanApproveAdjustments() {
		return nil, fmt.Errorf("%w: registering stock needs an adjustment approver", domain.ErrForbidden)
	}
	if err := validateInput(input); err != nil {
		logger.ExitMethodWithError(ctx, "ledgerService.RegisterItem", err)
		return nil, err
	}
	if err := nonNegative("rate", input.DailyRate, input.WeeklyRate, input.MonthlyRate); err != nil {
		return nil, err
	}

	item := &domain.EquipmentItem{
		ItemCode:    input.ItemCode,
		Description: input.Description,
		Category:    input.Category,
		Unit:        input.Unit,
		DailyRate:   input.DailyRate,
		WeeklyRate:  input.WeeklyRate,
		MonthlyRate: input.MonthlyRate,
		Currency:    input.Currency,
	}
	var opening *domain.LedgerEntry
	if input.InitialQuantity > 0 {
		approver := actor.UserID
		opening = &domain.LedgerEntry{
			Type:       domain.EntryAdjustment,
			Delta:      input.InitialQuantity,
			Reason:     "opening stock",
			ActorID:    actor.UserID,
			ApprovedBy: &approver,
			Approved:   true,
		}
	}
	if err := s.equipmentRepo.Create(ctx, item, opening); err != nil {
		logger.ExitMethodWithError(ctx, "ledgerService.RegisterItem", err)
		return nil, err
	}
	publishSnapshots(ctx, s.publisher, actor, []domain.EquipmentItem{*item}, s.opts.Now())

	logger.ExitMethod(ctx, "ledgerService.RegisterItem", "equipmentID", item.ID)
	return item, nil
}

// GetEquipmentSnapshot returns the requested items, read at one point in time,
// in request order with duplicates dropped.
func (s *ledgerService) GetEquipmentSnapshot(ctx context.Context, ids []int32) ([]domain.EquipmentItem, error) {
	if len(ids) == 0 {
		return nil, domain.NewValidationError("ids", "at least one item id is required")
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, domain.NewValidationError("ids", fmt.Sprintf("invalid item id %d", id))
		}
	}
	snap, err := s.equipmentRepo.GetSnapshot(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EquipmentItem, 0, len(snap))
	seen := make(map[int32]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, snap[id])
		}
	}
	return out, nil
}

func (s *ledgerService) ListEquipment(ctx context.Context, filter repository.EquipmentFilter) ([]domain.EquipmentItem, error) {
	return s.equipmentRepo.List(ctx, filter)
}

func (s *ledgerService) ListEntries(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error) {
	if _, err := s.equipmentRepo.GetByID(ctx, equipmentID); err != nil {
		return nil, err
	}
	return s.ledgerRepo.ListByItem(ctx, equipmentID)
}

// readConsistent returns an item together with the ledger entries that
// produced its counters. Entries and counters are committed together, so an
// unchanged version on both sides of the ledger read means they match.
func (s *ledgerService) readConsistent(ctx context.Context, equipmentID int32) (*domain.EquipmentItem, []domain.LedgerEntry, error) {
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		before, err := s.equipmentRepo.GetByID(ctx, equipmentID)
		if err != nil {
			return nil, nil, err
		}
		entries, err := s.ledgerRepo.ListByItem(ctx, equipmentID)
		if err != nil {
			return nil, nil, err
		}
		after, err := s.equipmentRepo.GetByID(ctx, equipmentID)
		if err != nil {
			return nil, nil, err
		}
		if before.Version == after.Version {
			return after, entries, nil
		}
	}
	return nil, nil, &domain.StaleSnapshotError{Entity: "equipment", ID: equipmentID}
}

// Reconcile replays the item's ledger and compares the result with the stored
// counters. A mismatch puts the item on hold, which blocks every write to it.
func (s *ledgerService) Reconcile(ctx context.Context, equipmentID int32) (*ReconciliationReport, error) {
	logger.EnterMethod(ctx, "ledgerService.Reconcile", "equipmentID", equipmentID)

	item, entries, err := s.readConsistent(ctx, equipmentID)
	if err != nil {
		logger.ExitMethodWithError(ctx, "ledgerService.Reconcile", err, "equipmentID", equipmentID)
		return nil, err
	}
	report := &ReconciliationReport{
		EquipmentID: equipmentID,
		Stored:      item.Counters,
		Entries:     len(entries),
		Hold:        item.ReconciliationHold,
	}

	replayed, replayErr := domain.Replay(equipmentID, entries)
	report.Replayed = replayed
	report.Consistent = replayErr == nil && replayed == item.Counters && item.Counters.Balanced()
	if report.Consistent {
		logger.ExitMethod(ctx, "ledgerService.Reconcile", "equipmentID", equipmentID, "entries", len(entries))
		return report, nil
	}

	recErr := &domain.ReconciliationError{EquipmentID: equipmentID, Stored: item.Counters, Replayed: replayed}
	var replayFailure *domain.ReconciliationError
	if errors.As(replayErr, &replayFailure) {
		recErr.Detail = replayFailure.Detail
	}
	if !item.ReconciliationHold {
		if err := s.equipmentRepo.SetReconciliationHold(ctx, equipmentID, true, nil); err != nil {
			logger.ExitMethodWithError(ctx, "ledgerService.Reconcile", err, "equipmentID", equipmentID)
			return nil, err
		}
		report.Hold = true
		s.publisher.Publish(ctx, events.Event{
			Type:       events.ReconciliationFlagged,
			EntityID:   equipmentID,
			ActorID:    domain.SystemActor.UserID,
			OccurredAt: s.opts.Now(),
			Payload:    report,
		})
	}
	logger.ErrorContext(ctx, "Ledger does not reproduce stored counters",
		"equipmentID", equipmentID, "stored", item.Counters, "replayed", replayed, "error", recErr)
	return report, recErr
}

// ResolveReconciliation resets the stored counters to the ledger replay and
// lifts the hold.
func (s *ledgerService) ResolveReconciliation(ctx context.Context, equipmentID int32, actor domain.Actor) (*domain.EquipmentItem, error) {
	logger.EnterMethod(ctx, "ledgerService.ResolveReconciliation", "equipmentID", equipmentID, "actorID", actor.UserID)

	if !actor.CanApproveAdjustments() {
		return nil, fmt.Errorf("%w: resolving a reconciliation hold needs an adjustment approver", domain.ErrForbidden)
	}
	item, entries, err := s.readConsistent(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	replayed, err := domain.Replay(equipmentID, entries)
	if err != nil {
		// The ledger itself is broken; an approved adjustment cannot be
		// booked while the item is held, so this needs manual repair.
		logger.ExitMethodWithError(ctx, "ledgerService.ResolveReconciliation", err, "equipmentID", equipmentID)
		return nil, err
	}
	if err := s.equipmentRepo.SetReconciliationHold(ctx, equipmentID, false, &replayed); err != nil {
		return nil, err
	}
	resolved, err := s.equipmentRepo.GetByID(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	publishSnapshots(ctx, s.publisher, actor, []domain.EquipmentItem{*resolved}, s.opts.Now())

	logger.InfoContext(ctx, "Reconciliation hold resolved",
		"equipmentID", equipmentID, "previous", item.Counters, "counters", resolved.Counters, "actorID", actor.UserID)
	logger.ExitMethod(ctx, "ledgerService.ResolveReconciliation", "equipmentID", equipmentID)
	return resolved, nil
}
