package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

type reservationService struct {
	orderRepo    repository.OrderRepository
	ledgerRepo   repository.LedgerRepository
	availability *availabilityService
	publisher    events.Publisher
	opts         Options
}

func NewReservationService(store *repository.Store, publisher events.Publisher, opts Options) ReservationService {
	opts = opts.withDefaults()
	return newReservationService(store, newAvailabilityService(store, opts), publisher, opts)
}

func newReservationService(store *repository.Store, availability *availabilityService, publisher events.Publisher, opts Options) *reservationService {
	return &reservationService{
		orderRepo:    store.Orders,
		ledgerRepo:   store.Ledger,
		availability: availability,
		publisher:    publisher,
		opts:         opts,
	}
}

// CommitReservation turns a passed availability check into reserve entries.
// The ledger re-validates every line under lock, so a check that has gone
// stale fails here with InsufficientQuantity and nothing is booked.
func (s *reservationService) CommitReservation(ctx context.Context, orderID int32, expectedVersion int64, actor domain.Actor) (*domain.Order, error) {
	logger.EnterMethod(ctx, "reservationService.CommitReservation", "orderID", orderID, "expectedVersion", expectedVersion)

	o, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		logger.ExitMethodWithError(ctx, "reservationService.CommitReservation", err, "orderID", orderID)
		return nil, err
	}
	if o.Version != expectedVersion {
		err := &domain.StaleSnapshotError{Entity: "order", ID: o.ID, Expected: expectedVersion, Actual: o.Version}
		logger.ExitMethodWithError(ctx, "reservationService.CommitReservation", err, "orderID", orderID)
		return nil, err
	}
	if !actor.CanManageOrders() {
		return nil, fmt.Errorf("%w: committing a reservation needs a sales role", domain.ErrForbidden)
	}
	if o.Kind != domain.OrderKindSalesOrder || !recordsStockCheck(o) {
		err := &domain.InvalidTransitionError{
			OrderID: o.ID, Kind: o.Kind, From: o.Status, Event: "commit_reservation",
			Allowed: domain.AllowedEvents(o.Kind, o.Status),
			Reason:  "only draft or pending sales orders reserve stock",
		}
		logger.ExitMethodWithError(ctx, "reservationService.CommitReservation", err, "orderID", orderID)
		return nil, err
	}
	if len(o.Lines) == 0 {
		return nil, domain.NewValidationError("lines", "order has no lines to reserve")
	}
	if o.ReservationHeld {
		logger.ExitMethod(ctx, "reservationService.CommitReservation", "orderID", orderID, "alreadyHeld", true)
		return o, nil
	}

	updated, _, err := s.reserve(ctx, o, actor, nil)
	if err != nil {
		logger.ExitMethodWithError(ctx, "reservationService.CommitReservation", err, "orderID", orderID)
		return nil, err
	}
	logger.ExitMethod(ctx, "reservationService.CommitReservation", "orderID", orderID, "version", updated.Version)
	return updated, nil
}

// reserve books the order's quantities, then marks the order as holding its
// reservation with a compare-and-set on the version it was read at. mutate, if
// set, makes further changes to the order in the same write. When the order
// write fails the booked entries are released again and StaleSnapshot is
// returned.
func (s *reservationService) reserve(ctx context.Context, o *domain.Order, actor domain.Actor, mutate func(*domain.Order)) (*domain.Order, []domain.LedgerEntry, error) {
	updated := o.Clone()
	updated.ReservationHeld = true
	updated.StockCheck = domain.StockCheckAvailable
	for i := range updated.Lines {
		updated.Lines[i].QuantityAvailable = updated.Lines[i].Quantity
	}
	if mutate != nil {
		mutate(updated)
	}

	if o.ReservationHeld {
		if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
			return nil, nil, err
		}
		return updated, nil, nil
	}

	entries := s.batch(o, domain.EntryReserve, o.Quantities(), actor, "")
	var items []domain.EquipmentItem
	err := retryBatch(ctx, s.opts, "reserve", func() error {
		var err error
		items, err = s.ledgerRepo.ApplyBatch(ctx, entries)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientQuantity) {
			s.downgrade(ctx, o)
		}
		return nil, nil, err
	}
	now := s.opts.Now()
	publishSnapshots(ctx, s.publisher, actor, items, now)

	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		logger.WarnContext(ctx, "Order write failed after reserving stock, releasing", "orderID", o.ID, "error", err)
		s.compensate(ctx, o, entries, actor)
		if errors.Is(err, domain.ErrStaleSnapshot) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: reservation for order %d rolled back: %v", domain.ErrStaleSnapshot, o.ID, err)
	}
	return updated, derefEntries(entries), nil
}

// compensate releases a reserve batch. It runs on a context that ignores the
// caller's cancellation; whatever it cannot release is left to the orphan
// sweep.
func (s *reservationService) compensate(ctx context.Context, o *domain.Order, reserved []*domain.LedgerEntry, actor domain.Actor) {
	ctx = context.WithoutCancel(ctx)
	quantities := make(map[int32]int32, len(reserved))
	for _, e := range reserved {
		quantities[e.EquipmentID] += e.Delta
	}
	releases := s.batch(o, domain.EntryRelease, quantities, actor, "compensating failed reservation")
	var items []domain.EquipmentItem
	err := retryBatch(ctx, s.opts, "compensate", func() error {
		var err error
		items, err = s.ledgerRepo.ApplyBatch(ctx, releases)
		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "Compensating release failed", "orderID", o.ID, "error", err)
		return
	}
	publishSnapshots(ctx, s.publisher, actor, items, s.opts.Now())
}

// downgrade records a fresh stock check on the order after a failed commit.
// Failing to record it does not change the outcome of the commit.
func (s *reservationService) downgrade(ctx context.Context, o *domain.Order) {
	lines, status, err := s.availability.evaluate(ctx, o)
	if err != nil {
		logger.WarnContext(ctx, "Could not re-check availability after failed commit", "orderID", o.ID, "error", err)
		return
	}
	if !stockCheckChanged(o, status, lines) {
		return
	}
	updated := o.Clone()
	applyStockCheck(updated, status, lines)
	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		logger.WarnContext(ctx, "Could not record stock-check downgrade", "orderID", o.ID, "error", err)
		return
	}
	*o = *updated
}

// ReleaseReservation returns to available whatever the order's reservation
// still holds according to the ledger.
func (s *reservationService) ReleaseReservation(ctx context.Context, o *domain.Order, actor domain.Actor, reason string) ([]domain.LedgerEntry, error) {
	logger.EnterMethod(ctx, "reservationService.ReleaseReservation", "orderID", o.ID, "owner", o.ReservationOwner())

	held, err := s.availability.holdings(ctx, o)
	if err != nil {
		return nil, err
	}
	quantities := make(map[int32]int32, len(held))
	for id, h := range held {
		if h.Reserved > 0 {
			quantities[id] = h.Reserved
		}
	}
	if len(quantities) == 0 {
		logger.ExitMethod(ctx, "reservationService.ReleaseReservation", "orderID", o.ID, "released", 0)
		return nil, nil
	}

	entries := s.batch(o, domain.EntryRelease, quantities, actor, reason)
	var items []domain.EquipmentItem
	err = retryBatch(ctx, s.opts, "ReleaseReservation", func() error {
		var err error
		items, err = s.ledgerRepo.ApplyBatch(ctx, entries)
		return err
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "reservationService.ReleaseReservation", err, "orderID", o.ID)
		return nil, err
	}
	publishSnapshots(ctx, s.publisher, actor, items, s.opts.Now())

	logger.ExitMethod(ctx, "reservationService.ReleaseReservation", "orderID", o.ID, "released", len(entries))
	return derefEntries(entries), nil
}

// ReleaseOrphanedReservations releases ledger holdings whose order chain no
// longer holds a reservation. Holdings touched within grace are left alone so
// an in-flight commit is not undone before it marks its order.
func (s *reservationService) ReleaseOrphanedReservations(ctx context.Context, grace time.Duration) (int, error) {
	logger.EnterMethod(ctx, "reservationService.ReleaseOrphanedReservations", "grace", grace)

	holdings, err := s.ledgerRepo.ListOpenHoldings(ctx)
	if err != nil {
		return 0, err
	}
	byOwner := make(map[int32][]domain.Holding)
	var owners []int32
	for _, h := range holdings {
		if _, ok := byOwner[h.OrderID]; !ok {
			owners = append(owners, h.OrderID)
		}
		byOwner[h.OrderID] = append(byOwner[h.OrderID], h)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

	cutoff := s.opts.Now().Add(-grace)
	released := 0
	var errs []error
	for _, owner := range owners {
		chain, err := s.orderRepo.ListByReservationRef(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", owner, err))
			continue
		}
		if chainHoldsReservation(chain) {
			continue
		}

		quantities := make(map[int32]int32)
		recent := false
		for _, h := range byOwner[owner] {
			if h.LastEntryAt.After(cutoff) {
				recent = true
				break
			}
			quantities[h.EquipmentID] = h.Reserved
		}
		if recent || len(quantities) == 0 {
			continue
		}

		ref := &domain.Order{ID: owner, Number: fmt.Sprintf("order-%d", owner)}
		for i := range chain {
			if chain[i].ID == owner {
				ref = &chain[i]
			}
		}
		entries := s.batch(ref, domain.EntryRelease, quantities, domain.SystemActor, "orphaned reservation")
		items, err := s.ledgerRepo.ApplyBatch(ctx, entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", owner, err))
			continue
		}
		publishSnapshots(ctx, s.publisher, domain.SystemActor, items, s.opts.Now())
		logger.WarnContext(ctx, "Released orphaned reservation", "orderID", owner, "items", len(entries))
		released++
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.ExitMethodWithError(ctx, "reservationService.ReleaseOrphanedReservations", err, "released", released)
		return released, err
	}
	logger.ExitMethod(ctx, "reservationService.ReleaseOrphanedReservations", "released", released)
	return released, nil
}

func chainHoldsReservation(chain []domain.Order) bool {
	for _, o := range chain {
		if o.ReservationHeld {
			return true
		}
	}
	return false
}

// batch builds one entry per item, in item order, all sharing a batch id.
func (s *reservationService) batch(o *domain.Order, t domain.EntryType, quantities map[int32]int32, actor domain.Actor, reason string) []*domain.LedgerEntry {
	ids := make([]int32, 0, len(quantities))
	for id, q := range quantities {
		if q > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	owner := o.ReservationOwner()
	batchID := uuid.NewString()
	entries := make([]*domain.LedgerEntry, len(ids))
	for i, id := range ids {
		entries[i] = &domain.LedgerEntry{
			EquipmentID: id,
			Type:        t,
			Delta:       quantities[id],
			OrderID:     &owner,
			Reference:   o.Number,
			BatchID:     batchID,
			Reason:      reason,
			ActorID:     actor.UserID,
		}
	}
	return entries
}

func derefEntries(entries []*domain.LedgerEntry) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}
