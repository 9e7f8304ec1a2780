package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/settlement"
)

type RecordTransitionRequest struct {
	RecordID int32              `json:"record_id" validate:"gt=0"`
	Event    domain.RecordEvent `json:"event" validate:"required,oneof=record_payment mark_overdue receive_deposit refund_deposit apply_penalty waive_penalty void"`
	Actor    domain.Actor       `json:"-"`
	// Amount is the payment amount for record_payment; the full outstanding
	// amount when empty.
	Amount *decimal.Decimal `json:"amount,omitempty"`
	// DepositID names a held deposit an applied penalty is deducted from.
	DepositID       *int32 `json:"deposit_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	Note            string `json:"note,omitempty"`
}

type RecordTransitionResult struct {
	Record  *domain.FinancialRecord  `json:"record"`
	Related []domain.FinancialRecord `json:"related,omitempty"`
}

type PenaltyInput struct {
	OrderID     int32                `json:"order_id" validate:"gt=0"`
	Reason      domain.PenaltyReason `json:"reason" validate:"required,oneof=late_return damage missing_items contract_violation"`
	Amount      decimal.Decimal      `json:"amount"`
	Description string               `json:"description"`
}

type VendorCostInput struct {
	OrderID     int32           `json:"order_id" validate:"gt=0"`
	VendorName  string          `json:"vendor_name" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	DueOn       *time.Time      `json:"due_on,omitempty"`
}

type financeService struct {
	orderRepo     repository.OrderRepository
	financialRepo repository.FinancialRepository
	numbers       numberer
	publisher     events.Publisher
	opts          Options
}

func NewFinanceService(store *repository.Store, publisher events.Publisher, opts Options) FinanceService {
	return newFinanceService(store, publisher, opts.withDefaults())
}

func newFinanceService(store *repository.Store, publisher events.Publisher, opts Options) *financeService {
	return &financeService{
		orderRepo:     store.Orders,
		financialRepo: store.Financial,
		numbers:       numberer{seq: store.Sequences, now: opts.Now},
		publisher:     publisher,
		opts:          opts,
	}
}

// ComputeSettlement uses the VAT rate stored on the order, so a document
// converted from another reports the same figures.
func (s *financeService) ComputeSettlement(ctx context.Context, orderID int32) (*settlement.Result, error) {
	o, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	records, err := s.financialRepo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	res := settlement.Compute(settlement.Input{
		Lines:        o.Lines,
		VATRate:      o.VATRate,
		DepositTerms: o.DepositTerms,
		Records:      records,
	})
	return &res, nil
}

func (s *financeService) ListRecords(ctx context.Context, orderID int32) ([]domain.FinancialRecord, error) {
	if _, err := s.orderRepo.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.financialRepo.ListByOrder(ctx, orderID)
}

func invalidRecordTransition(rec *domain.FinancialRecord, event domain.RecordEvent, reason string) error {
	msg := fmt.Sprintf("%s %d cannot %s from %s", rec.Kind, rec.ID, event, rec.Status)
	if reason != "" {
		msg += ": " + reason
	}
	return fmt.Errorf("%w: %s (allowed: %v)", domain.ErrInvalidTransition, msg, domain.AllowedRecordEvents(rec.Kind, rec.Status))
}

// TransitionRecord applies one guarded transition to a financial record. A
// payment creates a payment record; a penalty applied against a deposit
// updates the deposit in the same commit.
func (s *financeService) TransitionRecord(ctx context.Context, req RecordTransitionRequest) (*RecordTransitionResult, error) {
	logger.EnterMethod(ctx, "financeService.TransitionRecord", "recordID", req.RecordID, "event", req.Event)

	if !req.Actor.CanManageFinance() {
		return nil, fmt.Errorf("%w: %s needs a finance role", domain.ErrForbidden, req.Event)
	}
	if err := validateInput(req); err != nil {
		return nil, err
	}

	var result *RecordTransitionResult
	err := retry(ctx, s.opts, "TransitionRecord", func(int) error {
		rec, err := s.financialRepo.GetByID(ctx, req.RecordID)
		if err != nil {
			return err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != rec.Version {
			return permanent(&domain.StaleSnapshotError{Entity: "financial_record", ID: rec.ID, Expected: *req.ExpectedVersion, Actual: rec.Version})
		}
		to, ok := domain.NextRecordStatus(rec.Kind, rec.Status, req.Event)
		if !ok {
			return invalidRecordTransition(rec, req.Event, "")
		}

		now := s.opts.Now()
		updated := *rec
		updated.Status = to
		changes := repository.RecordChanges{
			Update: []repository.RecordUpdate{{Record: &updated, ExpectedStatus: rec.Status, ExpectedVersion: rec.Version}},
		}
		var related []*domain.FinancialRecord

		switch req.Event {
		case domain.RecordEventRecordPayment:
			payment, err := s.payment(ctx, rec, &updated, req, now)
			if err != nil {
				return err
			}
			changes.Create = append(changes.Create, payment)
			related = append(related, payment)
		case domain.RecordEventApplyPenalty:
			if req.DepositID != nil {
				deposit, err := s.deductFromDeposit(ctx, rec, &updated, *req.DepositID, now)
				if err != nil {
					return err
				}
				changes.Update = append(changes.Update, *deposit)
				related = append(related, deposit.Record)
			}
		case domain.RecordEventRefundDeposit:
			updated.SettledOn = &now
		}
		if req.Note != "" && req.Event != domain.RecordEventRecordPayment {
			updated.Description = joinNote(updated.Description, req.Note)
		}

		if err := s.financialRepo.Commit(ctx, changes); err != nil {
			return err
		}
		result = &RecordTransitionResult{Record: &updated}
		for _, r := range related {
			result.Related = append(result.Related, *r)
		}
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError(ctx, "financeService.TransitionRecord", err, "recordID", req.RecordID)
		return nil, err
	}

	at := s.opts.Now()
	s.publisher.Publish(ctx, events.Event{
		Type: events.FinanceRecordTransitioned, EntityID: result.Record.ID, ActorID: req.Actor.UserID, OccurredAt: at,
		Payload: map[string]any{"event": req.Event, "status": result.Record.Status, "record": result.Record},
	})
	for _, r := range result.Related {
		typ := events.FinanceRecordTransitioned
		if r.Kind == domain.RecordPayment {
			typ = events.FinanceRecordIssued
		}
		s.publisher.Publish(ctx, events.Event{Type: typ, EntityID: r.ID, ActorID: req.Actor.UserID, OccurredAt: at, Payload: r})
	}

	logger.ExitMethod(ctx, "financeService.TransitionRecord", "recordID", req.RecordID, "status", result.Record.Status)
	return result, nil
}

// payment books amount against rec. The record only reaches its settled
// status once nothing is outstanding.
func (s *financeService) payment(ctx context.Context, rec, updated *domain.FinancialRecord, req RecordTransitionRequest, now time.Time) (*domain.FinancialRecord, error) {
	outstanding := rec.Outstanding()
	if !outstanding.IsPositive() {
		return nil, permanent(invalidRecordTransition(rec, req.Event, "nothing is outstanding"))
	}
	amount := outstanding
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(outstanding) {
		return nil, domain.NewValidationError("amount", fmt.Sprintf("must be between 0 and the outstanding %s", outstanding.StringFixed(2)))
	}

	updated.AppliedAmount = rec.AppliedAmount.Add(amount)
	if updated.AppliedAmount.LessThan(rec.Amount) {
		updated.Status = rec.Status
	} else {
		updated.SettledOn = &now
	}

	number, err := s.numbers.next(ctx, domain.RecordPayment.NumberPrefix())
	if err != nil {
		return nil, err
	}
	recordID := rec.ID
	return &domain.FinancialRecord{
		Number:          number,
		Kind:            domain.RecordPayment,
		OrderID:         rec.OrderID,
		CustomerID:      rec.CustomerID,
		RelatedRecordID: &recordID,
		Amount:          amount,
		AppliedAmount:   amount,
		Currency:        rec.Currency,
		Status:          domain.RecordStatusPaid,
		Description:     req.Note,
		IssuedOn:        now,
		SettledOn:       &now,
		CreatedBy:       req.Actor.UserID,
	}, nil
}

// deductFromDeposit covers as much of the penalty as the held deposit still
// holds. The deposit becomes applied once it is used up.
func (s *financeService) deductFromDeposit(ctx context.Context, penalty, updated *domain.FinancialRecord, depositID int32, now time.Time) (*repository.RecordUpdate, error) {
	deposit, err := s.financialRepo.GetByID(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if deposit.Kind != domain.RecordDeposit || deposit.OrderID != penalty.OrderID {
		return nil, domain.NewValidationError("deposit_id", "must name a deposit of the same order")
	}
	if deposit.Status != domain.RecordStatusHeld {
		return nil, permanent(invalidRecordTransition(penalty, domain.RecordEventApplyPenalty, fmt.Sprintf("deposit %d is %s, not held", deposit.ID, deposit.Status)))
	}
	deduct := decimal.Min(penalty.Outstanding(), deposit.Outstanding())
	if !deduct.IsPositive() {
		return nil, domain.NewValidationError("deposit_id", "deposit has nothing left to deduct")
	}

	next := *deposit
	next.AppliedAmount = deposit.AppliedAmount.Add(deduct)
	if !next.Outstanding().IsPositive() {
		next.Status = domain.RecordStatusApplied
		next.SettledOn = &now
	}
	updated.AppliedAmount = penalty.AppliedAmount.Add(deduct)
	updated.RelatedRecordID = &deposit.ID
	return &repository.RecordUpdate{Record: &next, ExpectedStatus: deposit.Status, ExpectedVersion: deposit.Version}, nil
}

func joinNote(desc, note string) string {
	if desc == "" {
		return note
	}
	return desc + "; " + note
}

func (s *financeService) RecordPenalty(ctx context.Context, input PenaltyInput, actor domain.Actor) (*domain.FinancialRecord, error) {
	logger.EnterMethod(ctx, "financeService.RecordPenalty", "orderID", input.OrderID, "reason", input.Reason)

	if !actor.CanManageFinance() {
		return nil, fmt.Errorf("%w: recording a penalty needs a finance role", domain.ErrForbidden)
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	o, err := s.orderRepo.GetByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if o.Kind != domain.OrderKindContract {
		return nil, domain.NewValidationError("order_id", "penalties are recorded against contracts")
	}

	recs, err := s.issue(ctx, actor, []*domain.FinancialRecord{s.penalty(o, input.Reason, input.Amount, input.Description, "", actor)})
	if err != nil {
		logger.ExitMethodWithError(ctx, "financeService.RecordPenalty", err, "orderID", input.OrderID)
		return nil, err
	}
	logger.ExitMethod(ctx, "financeService.RecordPenalty", "recordID", recs[0].ID)
	return &recs[0], nil
}

func (s *financeService) penalty(o *domain.Order, reason domain.PenaltyReason, amount decimal.Decimal, desc, reference string, actor domain.Actor) *domain.FinancialRecord {
	return &domain.FinancialRecord{
		Kind:          domain.RecordPenalty,
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Reference:     reference,
		Amount:        amount.Round(2),
		Currency:      o.Currency,
		Status:        domain.RecordStatusPending,
		PenaltyReason: reason,
		Description:   desc,
		IssuedOn:      s.opts.Now(),
		CreatedBy:     actor.UserID,
	}
}

func (s *financeService) RecordVendorCost(ctx context.Context, input VendorCostInput, actor domain.Actor) (*domain.FinancialRecord, error) {
	logger.EnterMethod(ctx, "financeService.RecordVendorCost", "orderID", input.OrderID, "vendor", input.VendorName)

	if !actor.CanManageFinance() {
		return nil, fmt.Errorf("%w: recording a vendor cost needs a finance role", domain.ErrForbidden)
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	o, err := s.orderRepo.GetByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	rec := &domain.FinancialRecord{
		Kind:        domain.RecordVendorCost,
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Amount:      input.Amount.Round(2),
		Currency:    o.Currency,
		Status:      domain.RecordStatusPending,
		VendorName:  input.VendorName,
		Description: input.Description,
		IssuedOn:    s.opts.Now(),
		DueOn:       input.DueOn,
		CreatedBy:   actor.UserID,
	}
	recs, err := s.issue(ctx, actor, []*domain.FinancialRecord{rec})
	if err != nil {
		logger.ExitMethodWithError(ctx, "financeService.RecordVendorCost", err, "orderID", input.OrderID)
		return nil, err
	}
	logger.ExitMethod(ctx, "financeService.RecordVendorCost", "recordID", recs[0].ID)
	return &recs[0], nil
}

// issue creates records. A record whose reference already exists is returned
// as stored instead of being created twice.
func (s *financeService) issue(ctx context.Context, actor domain.Actor, planned []*domain.FinancialRecord) ([]domain.FinancialRecord, error) {
	out := make([]domain.FinancialRecord, len(planned))
	for attempt := 0; ; attempt++ {
		var create []*domain.FinancialRecord
		var slots []int
		for i, rec := range planned {
			if rec.Reference != "" {
				existing, err := s.financialRepo.GetByReference(ctx, rec.Reference)
				if err == nil {
					out[i] = *existing
					continue
				}
				if !errors.Is(err, domain.ErrNotFound) {
					return nil, err
				}
			}
			if rec.Number == "" {
				number, err := s.numbers.next(ctx, rec.Kind.NumberPrefix())
				if err != nil {
					return nil, err
				}
				rec.Number = number
			}
			create = append(create, rec)
			slots = append(slots, i)
		}
		if len(create) == 0 {
			return out, nil
		}

		err := s.financialRepo.Commit(ctx, repository.RecordChanges{Create: create})
		if errors.Is(err, domain.ErrDuplicate) && attempt == 0 {
			// Another caller issued the same reference first.
			continue
		}
		if err != nil {
			return nil, err
		}
		for j, rec := range create {
			out[slots[j]] = *rec
			s.publisher.Publish(ctx, events.Event{
				Type: events.FinanceRecordIssued, EntityID: rec.ID, ActorID: actor.UserID, OccurredAt: rec.IssuedOn, Payload: *rec,
			})
		}
		return out, nil
	}
}

// activationRecords plans the invoice and deposit issued when a contract
// becomes active.
func (s *financeService) activationRecords(o *domain.Order, res settlement.Result, actor domain.Actor) []*domain.FinancialRecord {
	now := s.opts.Now()
	due := now.AddDate(0, 0, s.opts.InvoiceDueDays)
	planned := []*domain.FinancialRecord{{
		Kind:        domain.RecordInvoice,
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Reference:   fmt.Sprintf("activation:%d:%d:invoice", o.ID, o.Version),
		Amount:      res.Total,
		VATAmount:   res.VAT,
		Currency:    o.Currency,
		Status:      domain.RecordStatusPending,
		Description: fmt.Sprintf("Rental contract %s", o.Number),
		IssuedOn:    now,
		DueOn:       &due,
		CreatedBy:   actor.UserID,
	}}
	if o.DepositTerms != nil && o.DepositTerms.Amount.IsPositive() {
		depositDue := now.AddDate(0, 0, int(o.DepositTerms.DueDays))
		planned = append(planned, &domain.FinancialRecord{
			Kind:        domain.RecordDeposit,
			OrderID:     o.ID,
			CustomerID:  o.CustomerID,
			Reference:   fmt.Sprintf("activation:%d:%d:deposit", o.ID, o.Version),
			Amount:      o.DepositTerms.Amount,
			Currency:    o.Currency,
			Status:      domain.RecordStatusPending,
			Description: fmt.Sprintf("Security deposit for %s", o.Number),
			IssuedOn:    now,
			DueOn:       &depositDue,
			CreatedBy:   actor.UserID,
		})
	}
	return planned
}

// voidOpen rejects the order's pending invoices and deposits. Held deposits
// are left for finance to refund.
func (s *financeService) voidOpen(ctx context.Context, orderID int32, reason string) ([]domain.FinancialRecord, error) {
	var voided []domain.FinancialRecord
	err := retry(ctx, s.opts, "voidOpen", func(int) error {
		records, err := s.financialRepo.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		var changes repository.RecordChanges
		voided = voided[:0]
		for i := range records {
			rec := records[i]
			to, ok := domain.NextRecordStatus(rec.Kind, rec.Status, domain.RecordEventVoid)
			if !ok || rec.Kind == domain.RecordVendorCost || rec.AppliedAmount.IsPositive() {
				continue
			}
			next := rec
			next.Status = to
			next.Description = joinNote(next.Description, reason)
			changes.Update = append(changes.Update, repository.RecordUpdate{Record: &next, ExpectedStatus: rec.Status, ExpectedVersion: rec.Version})
		}
		if len(changes.Update) == 0 {
			return nil
		}
		if err := s.financialRepo.Commit(ctx, changes); err != nil {
			return err
		}
		for _, u := range changes.Update {
			voided = append(voided, *u.Record)
		}
		return nil
	})
	return voided, err
}

// CustomerBalance sums what the customer owes and what the engine holds for
// them.
func (s *financeService) CustomerBalance(ctx context.Context, customerID int32) (*domain.BalanceSummary, error) {
	records, err := s.financialRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	sum := &domain.BalanceSummary{
		CustomerID:           customerID,
		InvoicesOutstanding:  decimal.Zero,
		PenaltiesOutstanding: decimal.Zero,
		PenaltiesPending:     decimal.Zero,
		DepositsHeld:         decimal.Zero,
	}
	for _, r := range records {
		switch {
		case r.Kind == domain.RecordInvoice && (r.Status == domain.RecordStatusPending || r.Status == domain.RecordStatusOverdue):
			sum.InvoicesOutstanding = sum.InvoicesOutstanding.Add(r.Outstanding())
		case r.Kind == domain.RecordPenalty && r.Status == domain.RecordStatusApplied:
			sum.PenaltiesOutstanding = sum.PenaltiesOutstanding.Add(r.Outstanding())
		case r.Kind == domain.RecordPenalty && r.Status == domain.RecordStatusPending:
			sum.PenaltiesPending = sum.PenaltiesPending.Add(r.Amount)
		case r.Kind == domain.RecordDeposit && r.Status == domain.RecordStatusHeld:
			sum.DepositsHeld = sum.DepositsHeld.Add(r.Outstanding())
		}
	}
	sum.Outstanding = sum.InvoicesOutstanding.Add(sum.PenaltiesOutstanding)
	return sum, nil
}

// MarkOverdueInvoices moves pending invoices due before asOf to overdue. An
// invoice paid concurrently is skipped.
func (s *financeService) MarkOverdueInvoices(ctx context.Context, asOf time.Time) (int, error) {
	logger.EnterMethod(ctx, "financeService.MarkOverdueInvoices", "asOf", asOf)

	candidates, err := s.financialRepo.ListOverdueCandidates(ctx, asOf)
	if err != nil {
		return 0, err
	}
	marked := 0
	var errs []error
	for i := range candidates {
		rec := candidates[i]
		to, ok := domain.NextRecordStatus(rec.Kind, rec.Status, domain.RecordEventMarkOverdue)
		if !ok {
			continue
		}
		next := rec
		next.Status = to
		err := s.financialRepo.Commit(ctx, repository.RecordChanges{
			Update: []repository.RecordUpdate{{Record: &next, ExpectedStatus: rec.Status, ExpectedVersion: rec.Version}},
		})
		if errors.Is(err, domain.ErrStaleSnapshot) {
			logger.DebugContext(ctx, "Invoice changed while marking overdue", "recordID", rec.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", rec.ID, err))
			continue
		}
		marked++
		s.publisher.Publish(ctx, events.Event{
			Type: events.FinanceRecordTransitioned, EntityID: next.ID, ActorID: domain.SystemActor.UserID, OccurredAt: s.opts.Now(),
			Payload: map[string]any{"event": domain.RecordEventMarkOverdue, "status": next.Status, "record": next},
		})
	}

	err = errors.Join(errs...)
	if err != nil {
		logger.ExitMethodWithError(ctx, "financeService.MarkOverdueInvoices", err, "marked", marked)
		return marked, err
	}
	logger.ExitMethod(ctx, "financeService.MarkOverdueInvoices", "marked", marked)
	return marked, nil
}
