package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/pricing"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/settlement"
)

type LineInput struct {
	EquipmentID int32            `json:"equipment_id" validate:"gt=0"`
	Description string           `json:"description"`
	Quantity    int32            `json:"quantity" validate:"gt=0"`
	UnitRate    *decimal.Decimal `json:"unit_rate,omitempty"`
	RateBasis   domain.RateBasis `json:"rate_basis" validate:"omitempty,oneof=day week month"`
	// Duration in rate-basis units. Zero derives it from the rental period.
	Duration       int32           `json:"duration" validate:"gte=0"`
	WastageCharges decimal.Decimal `json:"wastage_charges"`
	CuttingCharges decimal.Decimal `json:"cutting_charges"`
}

type CreateOrderInput struct {
	Kind         domain.OrderKind     `json:"kind" validate:"required,oneof=quotation sales_order"`
	CustomerID   int32                `json:"customer_id" validate:"gt=0"`
	CustomerName string               `json:"customer_name" validate:"required"`
	ProjectName  string               `json:"project_name"`
	SiteLocation string               `json:"site_location"`
	Currency     string               `json:"currency" validate:"required,len=3"`
	RentalStart  *time.Time           `json:"rental_start,omitempty"`
	RentalEnd    *time.Time           `json:"rental_end,omitempty"`
	DepositTerms *domain.DepositTerms `json:"deposit_terms,omitempty"`
	Lines        []LineInput          `json:"lines" validate:"dive"`
}

type TransitionRequest struct {
	OrderID         int32        `json:"order_id" validate:"gt=0"`
	Event           domain.Event `json:"event" validate:"required"`
	Actor           domain.Actor `json:"-"`
	ExpectedVersion *int64       `json:"expected_version,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	// RentalEnd is the new end date for extend.
	RentalEnd *time.Time `json:"rental_end,omitempty"`
	// ReturnedAt defaults to now for return_equipment.
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	// Damaged maps equipment id to units coming back damaged.
	Damaged map[int32]int32 `json:"damaged,omitempty"`
	// Quantities limits a dispatch to part of the reservation.
	Quantities map[int32]int32 `json:"quantities,omitempty"`
}

type TransitionResult struct {
	Order   *domain.Order            `json:"order"`
	Created *domain.Order            `json:"created,omitempty"`
	Entries []domain.LedgerEntry     `json:"entries,omitempty"`
	Records []domain.FinancialRecord `json:"records,omitempty"`
}

type SplitResult struct {
	Original  *domain.Order `json:"original"`
	BackOrder *domain.Order `json:"back_order"`
}

type orderService struct {
	orderRepo     repository.OrderRepository
	equipmentRepo repository.EquipmentRepository
	financialRepo repository.FinancialRepository
	ledgerRepo    repository.LedgerRepository
	availability  *availabilityService
	reservations  *reservationService
	finance       *financeService
	numbers       numberer
	vat           VATRateProvider
	publisher     events.Publisher
	opts          Options
}

func NewOrderService(store *repository.Store, vat VATRateProvider, publisher events.Publisher, opts Options) OrderService {
	opts = opts.withDefaults()
	avail := newAvailabilityService(store, opts)
	return newOrderService(store, avail,
		newReservationService(store, avail, publisher, opts),
		newFinanceService(store, publisher, opts),
		vat, publisher, opts)
}

func newOrderService(store *repository.Store, avail *availabilityService, res *reservationService, fin *financeService, vat VATRateProvider, publisher events.Publisher, opts Options) *orderService {
	return &orderService{
		orderRepo:     store.Orders,
		equipmentRepo: store.Equipment,
		financialRepo: store.Financial,
		ledgerRepo:    store.Ledger,
		availability:  avail,
		reservations:  res,
		finance:       fin,
		numbers:       numberer{seq: store.Sequences, now: opts.Now},
		vat:           vat,
		publisher:     publisher,
		opts:          opts,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, input CreateOrderInput, actor domain.Actor) (*domain.Order, error) {
	logger.EnterMethod(ctx, "orderService.CreateOrder", "kind", input.Kind, "customerID", input.CustomerID, "lines", len(input.Lines))

	if !actor.CanManageOrders() {
		return nil, fmt.Errorf("%w: creating orders needs a sales role", domain.ErrForbidden)
	}
	if err := validateInput(input); err != nil {
		logger.ExitMethodWithError(ctx, "orderService.CreateOrder", err)
		return nil, err
	}
	if input.RentalStart != nil && input.RentalEnd != nil && input.RentalEnd.Before(*input.RentalStart) {
		return nil, domain.NewValidationError("rental_end", "must not be before rental_start")
	}
	if input.DepositTerms != nil {
		if err := validateDepositTerms(*input.DepositTerms); err != nil {
			return nil, err
		}
	}

	currency := strings.ToUpper(input.Currency)
	lines, err := s.priceLines(ctx, currency, input.RentalStart, input.RentalEnd, input.Lines)
	if err != nil {
		logger.ExitMethodWithError(ctx, "orderService.CreateOrder", err)
		return nil, err
	}
	number, err := s.numbers.next(ctx, input.Kind.NumberPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to number order: %w", err)
	}

	o := &domain.Order{
		Number:       number,
		Kind:         input.Kind,
		CustomerID:   input.CustomerID,
		CustomerName: input.CustomerName,
		ProjectName:  input.ProjectName,
		SiteLocation: input.SiteLocation,
		Currency:     currency,
		RentalStart:  input.RentalStart,
		RentalEnd:    input.RentalEnd,
		DepositTerms: input.DepositTerms,
		Status:       domain.OrderStatusDraft,
		StockCheck:   domain.StockCheckPending,
		Lines:        lines,
		CreatedBy:    actor.UserID,
		VATRate:      s.vatRate(currency),
	}
	reprice(o)

	if err := s.orderRepo.Create(ctx, o); err != nil {
		logger.ExitMethodWithError(ctx, "orderService.CreateOrder", err)
		return nil, err
	}
	s.publisher.Publish(ctx, events.Event{
		Type: events.OrderCreated, EntityID: o.ID, ActorID: actor.UserID, OccurredAt: o.CreatedAt, Payload: *o,
	})

	logger.ExitMethod(ctx, "orderService.CreateOrder", "orderID", o.ID, "number", o.Number)
	return o, nil
}

func (s *orderService) vatRate(currency string) decimal.Decimal {
	if s.vat == nil {
		return decimal.Zero
	}
	return s.vat.VATRate(currency)
}

func validateDepositTerms(t domain.DepositTerms) error {
	if t.Amount.IsNegative() {
		return domain.NewValidationError("deposit_terms.amount", "must not be negative")
	}
	if t.DueDays < 0 {
		return domain.NewValidationError("deposit_terms.due_days", "must not be negative")
	}
	return nil
}

// priceLines fills rates from the item list prices unless the line overrides
// them, and derives durations from the rental period.
func (s *orderService) priceLines(ctx context.Context, currency string, start, end *time.Time, inputs []LineInput) ([]domain.OrderLine, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	ids := make([]int32, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.EquipmentID)
	}
	snap, err := s.equipmentRepo.GetSnapshot(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.OrderLine, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("lines[%d]", i)
		item := snap[in.EquipmentID]
		if !strings.EqualFold(item.Currency, currency) {
			return nil, domain.NewValidationError(field+".equipment_id", fmt.Sprintf("item %s is priced in %s", item.ItemCode, item.Currency))
		}
		basis := in.RateBasis
		if basis == "" {
			basis = domain.RateBasisDay
		}
		rate := item.RateFor(basis)
		if in.UnitRate != nil {
			rate = *in.UnitRate
		}
		if rate.IsNegative() {
			return nil, domain.NewValidationError(field+".unit_rate", "must not be negative")
		}
		if err := nonNegative(field, in.WastageCharges, in.CuttingCharges); err != nil {
			return nil, err
		}
		duration := in.Duration
		if duration == 0 {
			if start == nil || end == nil {
				return nil, domain.NewValidationError(field+".duration", "is required when the order has no rental period")
			}
			if duration, err = pricing.Units(*start, *end, basis); err != nil {
				return nil, domain.NewValidationError("rental_end", err.Error())
			}
		}
		desc := in.Description
		if desc == "" {
			desc = item.Description
		}
		lines = append(lines, domain.OrderLine{
			LineNo:         int32(i + 1),
			EquipmentID:    in.EquipmentID,
			Description:    desc,
			Quantity:       in.Quantity,
			UnitRate:       rate,
			RateBasis:      basis,
			Duration:       duration,
			WastageCharges: in.WastageCharges,
			CuttingCharges: in.CuttingCharges,
		})
	}
	return lines, nil
}

// reprice recomputes line and order totals at the order's stored VAT rate.
func reprice(o *domain.Order) {
	settlement.Apply(o, settlement.Compute(settlement.Input{Lines: o.Lines, VATRate: o.VATRate}))
}

func (s *orderService) GetOrder(ctx context.Context, id int32) (*domain.Order, error) {
	return s.orderRepo.GetByID(ctx, id)
}

func (s *orderService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error) {
	return s.orderRepo.List(ctx, filter)
}

func (s *orderService) AllowedEvents(ctx context.Context, orderID int32) ([]domain.Event, error) {
	o, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return domain.AllowedEvents(o.Kind, o.Status), nil
}

func authorizeEvent(actor domain.Actor, event domain.Event) error {
	switch event {
	case domain.EventDispatch, domain.EventReturnEquipment:
		if !actor.CanOperateWarehouse() {
			return fmt.Errorf("%w: %s needs a warehouse role", domain.ErrForbidden, event)
		}
	default:
		if !actor.CanManageOrders() {
			return fmt.Errorf("%w: %s needs a sales role", domain.ErrForbidden, event)
		}
	}
	return nil
}

func invalidTransition(o *domain.Order, event domain.Event, reason string) error {
	return &domain.InvalidTransitionError{
		OrderID: o.ID,
		Kind:    o.Kind,
		From:    o.Status,
		Event:   event,
		Allowed: domain.AllowedEvents(o.Kind, o.Status),
		Reason:  reason,
	}
}

// TransitionOrder applies one lifecycle event. Each attempt re-reads the
// order and re-evaluates the table, so a conflict never applies an event to a
// state it was not checked against.
func (s *orderService) TransitionOrder(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	logger.EnterMethod(ctx, "orderService.TransitionOrder", "orderID", req.OrderID, "event", req.Event, "actorID", req.Actor.UserID)

	if err := validateInput(req); err != nil {
		logger.ExitMethodWithError(ctx, "orderService.TransitionOrder", err, "orderID", req.OrderID)
		return nil, err
	}
	if err := authorizeEvent(req.Actor, req.Event); err != nil {
		logger.ExitMethodWithError(ctx, "orderService.TransitionOrder", err, "orderID", req.OrderID)
		return nil, err
	}

	var (
		result *TransitionResult
		from   domain.OrderStatus
	)
	err := retry(ctx, s.opts, "TransitionOrder", func(int) error {
		o, err := s.orderRepo.GetByID(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != o.Version {
			return permanent(&domain.StaleSnapshotError{Entity: "order", ID: o.ID, Expected: *req.ExpectedVersion, Actual: o.Version})
		}
		t, ok := domain.LookupTransition(o.Kind, o.Status, req.Event)
		if !ok {
			return invalidTransition(o, req.Event, "")
		}
		st := &transitionState{order: o}
		if err := s.checkGuards(ctx, st, t, req); err != nil {
			return err
		}
		from = o.Status
		result, err = s.apply(ctx, st, t, req)
		return err
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "orderService.TransitionOrder", err, "orderID", req.OrderID, "event", req.Event)
		return nil, err
	}

	now := s.opts.Now()
	s.publisher.Publish(ctx, events.Event{
		Type:       events.OrderTransitioned,
		EntityID:   result.Order.ID,
		ActorID:    req.Actor.UserID,
		OccurredAt: now,
		Payload: map[string]any{
			"event":   req.Event,
			"from":    from,
			"to":      result.Order.Status,
			"version": result.Order.Version,
		},
	})
	if result.Created != nil {
		s.publisher.Publish(ctx, events.Event{
			Type: events.OrderCreated, EntityID: result.Created.ID, ActorID: req.Actor.UserID, OccurredAt: now, Payload: *result.Created,
		})
	}

	logger.ExitMethod(ctx, "orderService.TransitionOrder", "orderID", req.OrderID, "from", from, "to", result.Order.Status, "version", result.Order.Version)
	return result, nil
}

// transitionState loads ledger holdings and records at most once per attempt.
type transitionState struct {
	order   *domain.Order
	held    map[int32]*domain.Holding
	records []domain.FinancialRecord
	loaded  struct{ held, records bool }
}

func (s *orderService) holdings(ctx context.Context, st *transitionState) (map[int32]*domain.Holding, error) {
	if !st.loaded.held {
		held, err := s.availability.holdings(ctx, st.order)
		if err != nil {
			return nil, err
		}
		st.held, st.loaded.held = held, true
	}
	return st.held, nil
}

func (s *orderService) records(ctx context.Context, st *transitionState) ([]domain.FinancialRecord, error) {
	if !st.loaded.records {
		recs, err := s.financialRepo.ListByOrder(ctx, st.order.ID)
		if err != nil {
			return nil, err
		}
		st.records, st.loaded.records = recs, true
	}
	return st.records, nil
}

func heldTotals(held map[int32]*domain.Holding) (reserved, onRent int32) {
	for _, h := range held {
		reserved += h.Reserved
		onRent += h.OnRent
	}
	return reserved, onRent
}

func (s *orderService) checkGuards(ctx context.Context, st *transitionState, t domain.Transition, req TransitionRequest) error {
	for _, g := range t.Guards {
		reason, err := s.guardFails(ctx, st, g, req)
		if err != nil {
			return err
		}
		if reason != "" {
			return invalidTransition(st.order, req.Event, reason)
		}
	}
	return nil
}

// guardFails returns why g does not hold, or "" when it does.
func (s *orderService) guardFails(ctx context.Context, st *transitionState, g domain.Guard, req TransitionRequest) (string, error) {
	o := st.order
	switch g {
	case domain.GuardHasLines:
		if len(o.Lines) == 0 {
			return "order has no lines", nil
		}
	case domain.GuardStockChecked:
		if o.StockCheck != domain.StockCheckAvailable && o.StockCheck != domain.StockCheckPartial {
			return fmt.Sprintf("stock check is %s", o.StockCheck), nil
		}
	case domain.GuardApproverRole:
		if !req.Actor.CanApproveOrders() {
			return "actor does not hold an approver role", nil
		}
	case domain.GuardReservationHeld:
		if !o.ReservationHeld {
			return "no reservation is held", nil
		}
	case domain.GuardDepositTermsRecorded:
		if o.DepositTerms == nil {
			return "deposit terms are not recorded", nil
		}
	case domain.GuardLaterRentalEnd:
		switch {
		case req.RentalEnd == nil:
			return "a new rental end is required", nil
		case o.RentalStart == nil || o.RentalEnd == nil:
			return "contract has no rental period", nil
		case !req.RentalEnd.After(*o.RentalEnd):
			return fmt.Sprintf("new rental end must be after %s", o.RentalEnd.Format(time.DateOnly)), nil
		}
	case domain.GuardReservedOutstanding, domain.GuardAllDispatched, domain.GuardNothingOnRent:
		held, err := s.holdings(ctx, st)
		if err != nil {
			return "", err
		}
		reserved, onRent := heldTotals(held)
		switch {
		case g == domain.GuardReservedOutstanding && reserved == 0:
			return "no reserved stock is left to dispatch", nil
		case g == domain.GuardAllDispatched && reserved > 0:
			return fmt.Sprintf("%d units are still reserved", reserved), nil
		case g == domain.GuardAllDispatched && onRent == 0:
			return "nothing is on rent", nil
		case g == domain.GuardNothingOnRent && onRent > 0:
			return fmt.Sprintf("%d units are on rent", onRent), nil
		}
	case domain.GuardDepositSettled, domain.GuardPenaltiesApplied:
		recs, err := s.records(ctx, st)
		if err != nil {
			return "", err
		}
		for _, r := range recs {
			if g == domain.GuardDepositSettled && r.Kind == domain.RecordDeposit &&
				(r.Status == domain.RecordStatusPending || r.Status == domain.RecordStatusHeld) {
				return fmt.Sprintf("deposit %s is %s", r.Number, r.Status), nil
			}
			if g == domain.GuardPenaltiesApplied && r.Kind == domain.RecordPenalty && r.Status == domain.RecordStatusPending {
				return fmt.Sprintf("penalty %s is pending", r.Number), nil
			}
		}
	default:
		return fmt.Sprintf("unknown guard %s", g), nil
	}
	return "", nil
}

func (s *orderService) apply(ctx context.Context, st *transitionState, t domain.Transition, req TransitionRequest) (*TransitionResult, error) {
	o := st.order
	updated := o.Clone()
	updated.Status = t.To
	if req.Event == domain.EventApprove || req.Event == domain.EventApproveContract {
		approver := req.Actor.UserID
		at := s.opts.Now()
		updated.ApprovedBy = &approver
		updated.ApprovedAt = &at
	}

	switch t.Effect {
	case domain.EffectNone:
		if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
			return nil, err
		}
		return &TransitionResult{Order: updated}, nil
	case domain.EffectCommitReservation:
		reserved, entries, err := s.reservations.reserve(ctx, o, req.Actor, func(u *domain.Order) {
			u.Status = updated.Status
			u.ApprovedBy = updated.ApprovedBy
			u.ApprovedAt = updated.ApprovedAt
		})
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Order: reserved, Entries: entries}, nil
	case domain.EffectReleaseReservation:
		return s.closeOut(ctx, o, updated, req, false)
	case domain.EffectCancelContract:
		return s.closeOut(ctx, o, updated, req, true)
	case domain.EffectCreateSalesOrder, domain.EffectCreateContract:
		return s.convert(ctx, o, updated, req)
	case domain.EffectIssueActivationRecords:
		return s.activate(ctx, o, updated, req)
	case domain.EffectDispatch:
		return s.dispatch(ctx, st, updated, req)
	case domain.EffectReprice:
		return s.extend(ctx, o, updated, req)
	case domain.EffectReturn:
		return s.returnEquipment(ctx, st, updated, req)
	}
	return nil, fmt.Errorf("unhandled effect %q", t.Effect)
}

func reasonOr(reason string, event domain.Event) string {
	if reason != "" {
		return reason
	}
	return string(event)
}

// closeOut moves the order to a terminal status first and then gives back
// its reservation. A release that fails after the status write is left to
// the orphan sweep.
func (s *orderService) closeOut(ctx context.Context, o, updated *domain.Order, req TransitionRequest, voidRecords bool) (*TransitionResult, error) {
	updated.ReservationHeld = false
	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		return nil, err
	}
	result := &TransitionResult{Order: updated}

	bg := context.WithoutCancel(ctx)
	if o.ReservationHeld {
		entries, err := s.reservations.ReleaseReservation(bg, updated, req.Actor, reasonOr(req.Reason, req.Event))
		if err != nil {
			logger.ErrorContext(ctx, "Reservation not released after status change", "orderID", o.ID, "status", updated.Status, "error", err)
		}
		result.Entries = entries
	}
	if voidRecords {
		voided, err := s.finance.voidOpen(bg, o.ID, reasonOr(req.Reason, req.Event))
		if err != nil {
			logger.ErrorContext(ctx, "Open records not voided after cancellation", "orderID", o.ID, "error", err)
		}
		result.Records = voided
	}
	return result, nil
}

// convert writes the source as converted together with a new draft of the
// next kind. Lines and totals are copied as they are; nothing is re-checked.
func (s *orderService) convert(ctx context.Context, o, source *domain.Order, req TransitionRequest) (*TransitionResult, error) {
	kind := domain.OrderKindSalesOrder
	if o.Kind == domain.OrderKindSalesOrder {
		kind = domain.OrderKindContract
	}
	number, err := s.numbers.next(ctx, kind.NumberPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to number order: %w", err)
	}

	target := derive(o, kind, number, req.Actor)
	target.Lines = copyLines(o.Lines)
	target.Subtotal, target.VATAmount, target.Total = o.Subtotal, o.VATAmount, o.Total
	if kind == domain.OrderKindContract {
		target.ReservationRef = o.ReservationOwner()
		target.ReservationHeld = true
		target.StockCheck = o.StockCheck
		source.ReservationHeld = false
	} else {
		for i := range target.Lines {
			target.Lines[i].QuantityAvailable = 0
		}
	}

	if err := s.orderRepo.Convert(ctx, source, o.Status, o.Version, target); err != nil {
		return nil, err
	}
	return &TransitionResult{Order: source, Created: target}, nil
}

// derive starts a draft of kind carrying o's customer and rental details.
func derive(o *domain.Order, kind domain.OrderKind, number string, actor domain.Actor) *domain.Order {
	src := o.ID
	d := &domain.Order{
		Number:        number,
		Kind:          kind,
		SourceOrderID: &src,
		CustomerID:    o.CustomerID,
		CustomerName:  o.CustomerName,
		ProjectName:   o.ProjectName,
		SiteLocation:  o.SiteLocation,
		Currency:      o.Currency,
		RentalStart:   o.RentalStart,
		RentalEnd:     o.RentalEnd,
		VATRate:       o.VATRate,
		Status:        domain.OrderStatusDraft,
		StockCheck:    domain.StockCheckPending,
		CreatedBy:     actor.UserID,
	}
	if o.DepositTerms != nil {
		terms := *o.DepositTerms
		d.DepositTerms = &terms
	}
	return d
}

func copyLines(lines []domain.OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	for i, l := range lines {
		l.ID = 0
		l.OrderID = 0
		out[i] = l
	}
	return out
}

// activate issues the contract invoice and deposit, then marks the contract
// active. Records are keyed by order and version, so a retried activation of
// the same version finds the ones an earlier attempt issued. When the contract
// has moved on they are voided.
func (s *orderService) activate(ctx context.Context, o, updated *domain.Order, req TransitionRequest) (*TransitionResult, error) {
	res := settlement.Compute(settlement.Input{Lines: o.Lines, VATRate: o.VATRate, DepositTerms: o.DepositTerms})
	records, err := s.finance.issue(ctx, req.Actor, s.finance.activationRecords(o, res, req.Actor))
	if err != nil {
		return nil, err
	}
	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		if superseded(err) {
			s.voidRecords(context.WithoutCancel(ctx), records, "activation superseded")
		}
		return nil, err
	}
	return &TransitionResult{Order: updated, Records: records}, nil
}

// superseded reports whether a compare-and-set failed because the order was
// written by someone else since it was read.
func superseded(err error) bool {
	var stale *domain.StaleSnapshotError
	return errors.As(err, &stale) && stale.Actual != stale.Expected
}

func (s *orderService) dispatch(ctx context.Context, st *transitionState, updated *domain.Order, req TransitionRequest) (*TransitionResult, error) {
	o := st.order
	held, err := s.holdings(ctx, st)
	if err != nil {
		return nil, err
	}
	quantities := make(map[int32]int32, len(held))
	if len(req.Quantities) == 0 {
		for id, h := range held {
			if h.Reserved > 0 {
				quantities[id] = h.Reserved
			}
		}
	} else {
		for id, q := range req.Quantities {
			var reserved int32
			if h := held[id]; h != nil {
				reserved = h.Reserved
			}
			if q <= 0 || q > reserved {
				return nil, permanent(domain.NewValidationError(fmt.Sprintf("quantities[%d]", id), fmt.Sprintf("must be between 1 and %d", reserved)))
			}
			quantities[id] = q
		}
	}

	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		return nil, err
	}
	entries, err := s.applyEntries(ctx, s.reservations.batch(o, domain.EntryDispatch, quantities, req.Actor, req.Reason), req.Actor)
	if err != nil {
		return nil, permanent(err)
	}
	return &TransitionResult{Order: updated, Entries: entries}, nil
}

func (s *orderService) applyEntries(ctx context.Context, entries []*domain.LedgerEntry, actor domain.Actor) ([]domain.LedgerEntry, error) {
	var items []domain.EquipmentItem
	err := retryBatch(ctx, s.opts, "applyEntries", func() error {
		var err error
		items, err = s.ledgerRepo.ApplyBatch(ctx, entries)
		return err
	})
	if err != nil {
		return nil, err
	}
	publishSnapshots(ctx, s.publisher, actor, items, s.opts.Now())
	return derefEntries(entries), nil
}

// extend reprices every line over the longer period and bills the difference.
// The extension invoice is issued before the order write and voided when the
// order has moved on in the meantime.
func (s *orderService) extend(ctx context.Context, o, updated *domain.Order, req TransitionRequest) (*TransitionResult, error) {
	end := *req.RentalEnd
	updated.RentalEnd = &end
	for i := range updated.Lines {
		units, err := pricing.Units(*o.RentalStart, end, updated.Lines[i].RateBasis)
		if err != nil {
			return nil, permanent(domain.NewValidationError("rental_end", err.Error()))
		}
		updated.Lines[i].Duration = units
	}
	reprice(updated)

	var records []domain.FinancialRecord
	if diff := updated.Total.Sub(o.Total); diff.IsPositive() {
		now := s.opts.Now()
		due := now.AddDate(0, 0, s.opts.InvoiceDueDays)
		inv := &domain.FinancialRecord{
			Kind:        domain.RecordInvoice,
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			Reference:   fmt.Sprintf("extension:%d:%d", o.ID, o.Version),
			Amount:      diff,
			VATAmount:   updated.VATAmount.Sub(o.VATAmount),
			Currency:    o.Currency,
			Status:      domain.RecordStatusPending,
			Description: fmt.Sprintf("Extension of %s to %s", o.Number, end.Format(time.DateOnly)),
			IssuedOn:    now,
			DueOn:       &due,
			CreatedBy:   req.Actor.UserID,
		}
		recs, err := s.finance.issue(ctx, req.Actor, []*domain.FinancialRecord{inv})
		if err != nil {
			return nil, err
		}
		records = recs
	}

	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		if superseded(err) {
			// The reference embeds the version read, so it is never reused.
			s.voidRecords(context.WithoutCancel(ctx), records, "extension superseded")
		}
		return nil, err
	}
	return &TransitionResult{Order: updated, Records: records}, nil
}

func (s *orderService) voidRecords(ctx context.Context, records []domain.FinancialRecord, reason string) {
	for _, r := range records {
		if r.Status != domain.RecordStatusPending {
			continue
		}
		_, err := s.finance.TransitionRecord(ctx, RecordTransitionRequest{
			RecordID: r.ID, Event: domain.RecordEventVoid, Actor: domain.SystemActor, Note: reason,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Could not void superseded record", "recordID", r.ID, "error", err)
		}
	}
}

// returnEquipment books everything on rent back in. The status is written
// first; if the ledger then refuses the batch the status is put back.
func (s *orderService) returnEquipment(ctx context.Context, st *transitionState, updated *domain.Order, req TransitionRequest) (*TransitionResult, error) {
	o := st.order
	held, err := s.holdings(ctx, st)
	if err != nil {
		return nil, err
	}
	quantities := make(map[int32]int32, len(held))
	for id, h := range held {
		if h.OnRent > 0 {
			quantities[id] = h.OnRent
		}
	}
	for id, d := range req.Damaged {
		if d < 0 || d > quantities[id] {
			return nil, permanent(domain.NewValidationError(fmt.Sprintf("damaged[%d]", id), fmt.Sprintf("must be between 0 and %d", quantities[id])))
		}
	}

	updated.ReservationHeld = false
	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		return nil, err
	}

	batch := s.reservations.batch(o, domain.EntryReturn, quantities, req.Actor, req.Reason)
	for _, e := range batch {
		e.DamagedQuantity = req.Damaged[e.EquipmentID]
	}
	entries, err := s.applyEntries(ctx, batch, req.Actor)
	if err != nil {
		revert := updated.Clone()
		revert.Status = o.Status
		revert.ReservationHeld = o.ReservationHeld
		if rerr := s.orderRepo.Update(context.WithoutCancel(ctx), revert, updated.Status, updated.Version); rerr != nil {
			logger.ErrorContext(ctx, "Could not restore contract status after failed return", "orderID", o.ID, "error", rerr)
		}
		return nil, permanent(err)
	}
	result := &TransitionResult{Order: updated, Entries: entries}

	returnedAt := s.opts.Now()
	if req.ReturnedAt != nil {
		returnedAt = *req.ReturnedAt
	}
	pen, err := s.latePenalty(ctx, o, returnedAt, req.Actor)
	if err != nil {
		logger.ErrorContext(ctx, "Late-return penalty not issued", "orderID", o.ID, "error", err)
	} else if pen != nil {
		result.Records = []domain.FinancialRecord{*pen}
	}
	return result, nil
}

// latePenalty charges the daily rate of every returned unit for each day past
// the agreed end, after the grace period.
func (s *orderService) latePenalty(ctx context.Context, o *domain.Order, returnedAt time.Time, actor domain.Actor) (*domain.FinancialRecord, error) {
	if o.RentalEnd == nil {
		return nil, nil
	}
	days := pricing.DaysLate(*o.RentalEnd, returnedAt) - int32(s.opts.LateReturnGraceDays)
	if days <= 0 {
		return nil, nil
	}
	snap, err := s.equipmentRepo.GetSnapshot(ctx, o.EquipmentIDs())
	if err != nil {
		return nil, err
	}
	amount := decimal.Zero
	for _, l := range o.Lines {
		item := snap[l.EquipmentID]
		amount = amount.Add(item.DailyRate.Mul(decimal.NewFromInt32(l.Quantity)).Mul(decimal.NewFromInt32(days)))
	}
	if !amount.IsPositive() {
		return nil, nil
	}
	desc := fmt.Sprintf("Returned %d days after %s", days, o.RentalEnd.Format(time.DateOnly))
	recs, err := s.finance.issue(ctx, actor, []*domain.FinancialRecord{
		s.finance.penalty(o, domain.PenaltyLateReturn, amount, desc, fmt.Sprintf("late_return:%d", o.ID), actor),
	})
	if err != nil {
		return nil, err
	}
	return &recs[0], nil
}

// SetDepositTerms records the deposit a contract will ask for on activation.
func (s *orderService) SetDepositTerms(ctx context.Context, orderID int32, terms domain.DepositTerms, expectedVersion int64, actor domain.Actor) (*domain.Order, error) {
	logger.EnterMethod(ctx, "orderService.SetDepositTerms", "orderID", orderID, "amount", terms.Amount, "dueDays", terms.DueDays)

	if !actor.CanManageOrders() {
		return nil, fmt.Errorf("%w: deposit terms need a sales role", domain.ErrForbidden)
	}
	if err := validateDepositTerms(terms); err != nil {
		return nil, err
	}
	o, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Version != expectedVersion {
		return nil, &domain.StaleSnapshotError{Entity: "order", ID: o.ID, Expected: expectedVersion, Actual: o.Version}
	}
	switch {
	case o.Kind == domain.OrderKindQuotation:
		return nil, invalidTransition(o, "set_deposit_terms", "deposit terms apply to sales orders and contracts")
	case o.Status != domain.OrderStatusDraft && o.Status != domain.OrderStatusPendingApproval &&
		!(o.Kind == domain.OrderKindSalesOrder && o.Status == domain.OrderStatusApproved):
		return nil, invalidTransition(o, "set_deposit_terms", "deposit terms are fixed once the order is "+string(o.Status))
	}

	updated := o.Clone()
	updated.DepositTerms = &terms
	if err := s.orderRepo.Update(ctx, updated, o.Status, o.Version); err != nil {
		logger.ExitMethodWithError(ctx, "orderService.SetDepositTerms", err, "orderID", orderID)
		return nil, err
	}
	logger.ExitMethod(ctx, "orderService.SetDepositTerms", "orderID", orderID, "version", updated.Version)
	return updated, nil
}

// SplitOrder keeps what is available on the order and moves the shortfall to
// a new draft sales order.
func (s *orderService) SplitOrder(ctx context.Context, orderID int32, actor domain.Actor) (*SplitResult, error) {
	logger.EnterMethod(ctx, "orderService.SplitOrder", "orderID", orderID)

	if !actor.CanManageOrders() {
		return nil, fmt.Errorf("%w: splitting orders needs a sales role", domain.ErrForbidden)
	}

	var result *SplitResult
	err := retry(ctx, s.opts, "SplitOrder", func(int) error {
		o, err := s.orderRepo.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Kind != domain.OrderKindSalesOrder || o.Status != domain.OrderStatusDraft || o.ReservationHeld {
			return invalidTransition(o, "split", "only draft sales orders without a reservation split")
		}
		lines, status, err := s.availability.evaluate(ctx, o)
		if err != nil {
			return err
		}
		if status != domain.StockCheckPartial {
			return invalidTransition(o, "split", fmt.Sprintf("stock check is %s", status))
		}

		source := o.Clone()
		source.Lines = source.Lines[:0]
		var back []domain.OrderLine
		for i, l := range o.Lines {
			avail := lines[i].QuantityAvailable
			if avail > 0 {
				kept := l
				kept.Quantity = avail
				kept.QuantityAvailable = avail
				kept.LineNo = int32(len(source.Lines) + 1)
				source.Lines = append(source.Lines, kept)
			}
			if short := l.Quantity - avail; short > 0 {
				b := l
				b.ID, b.OrderID = 0, 0
				b.Quantity = short
				b.QuantityAvailable = 0
				b.LineNo = int32(len(back) + 1)
				back = append(back, b)
			}
		}
		source.StockCheck = domain.StockCheckAvailable
		reprice(source)

		number, err := s.numbers.next(ctx, domain.OrderKindSalesOrder.NumberPrefix())
		if err != nil {
			return fmt.Errorf("failed to number order: %w", err)
		}
		target := derive(o, domain.OrderKindSalesOrder, number, actor)
		target.DepositTerms = nil
		target.Lines = back
		reprice(target)

		if err := s.orderRepo.Convert(ctx, source, o.Status, o.Version, target); err != nil {
			return err
		}
		result = &SplitResult{Original: source, BackOrder: target}
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "orderService.SplitOrder", err, "orderID", orderID)
		return nil, err
	}

	s.publisher.Publish(ctx, events.Event{
		Type: events.OrderCreated, EntityID: result.BackOrder.ID, ActorID: actor.UserID, OccurredAt: s.opts.Now(), Payload: *result.BackOrder,
	})
	logger.ExitMethod(ctx, "orderService.SplitOrder", "orderID", orderID, "backOrderID", result.BackOrder.ID)
	return result, nil
}
