package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/settlement"
)

// LedgerService owns equipment counters. Every counter change goes through
// one of its operations or through a reservation.
type LedgerService interface {
	ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry, actor domain.Actor) (*domain.EquipmentItem, error)
	RegisterItem(ctx context.Context, input RegisterItemInput, actor domain.Actor) (*domain.EquipmentItem, error)
	GetEquipmentSnapshot(ctx context.Context, ids []int32) ([]domain.EquipmentItem, error)
	ListEquipment(ctx context.Context, filter repository.EquipmentFilter) ([]domain.EquipmentItem, error)
	ListEntries(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error)
	Reconcile(ctx context.Context, equipmentID int32) (*ReconciliationReport, error)
	ResolveReconciliation(ctx context.Context, equipmentID int32, actor domain.Actor) (*domain.EquipmentItem, error)
}

type AvailabilityService interface {
	CheckAvailability(ctx context.Context, orderID int32) (*domain.AvailabilityReport, error)
}

type ReservationService interface {
	CommitReservation(ctx context.Context, orderID int32, expectedVersion int64, actor domain.Actor) (*domain.Order, error)
	ReleaseReservation(ctx context.Context, order *domain.Order, actor domain.Actor, reason string) ([]domain.LedgerEntry, error)
	ReleaseOrphanedReservations(ctx context.Context, grace time.Duration) (int, error)
}

type OrderService interface {
	CreateOrder(ctx context.Context, input CreateOrderInput, actor domain.Actor) (*domain.Order, error)
	GetOrder(ctx context.Context, id int32) (*domain.Order, error)
	ListOrders(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error)
	TransitionOrder(ctx context.Context, req TransitionRequest) (*TransitionResult, error)
	AllowedEvents(ctx context.Context, orderID int32) ([]domain.Event, error)
	SetDepositTerms(ctx context.Context, orderID int32, terms domain.DepositTerms, expectedVersion int64, actor domain.Actor) (*domain.Order, error)
	SplitOrder(ctx context.Context, orderID int32, actor domain.Actor) (*SplitResult, error)
}

type FinanceService interface {
	ComputeSettlement(ctx context.Context, orderID int32) (*settlement.Result, error)
	TransitionRecord(ctx context.Context, req RecordTransitionRequest) (*RecordTransitionResult, error)
	RecordPenalty(ctx context.Context, input PenaltyInput, actor domain.Actor) (*domain.FinancialRecord, error)
	RecordVendorCost(ctx context.Context, input VendorCostInput, actor domain.Actor) (*domain.FinancialRecord, error)
	ListRecords(ctx context.Context, orderID int32) ([]domain.FinancialRecord, error)
	CustomerBalance(ctx context.Context, customerID int32) (*domain.BalanceSummary, error)
	MarkOverdueInvoices(ctx context.Context, asOf time.Time) (int, error)
}

// VATRateProvider returns the VAT percentage configured for a currency.
// config.FinanceConfig satisfies it.
type VATRateProvider interface {
	VATRate(currency string) decimal.Decimal
}

// FixedVAT applies the same rate to every currency.
type FixedVAT decimal.Decimal

func (f FixedVAT) VATRate(string) decimal.Decimal { return decimal.Decimal(f) }

// Options tunes conflict handling and record issuing.
type Options struct {
	MaxRetries          int
	RetryBackoff        time.Duration
	InvoiceDueDays      int
	LateReturnGraceDays int
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 25 * time.Millisecond
	}
	if o.InvoiceDueDays <= 0 {
		o.InvoiceDueDays = 30
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Services bundles the engine's services built on one store.
type Services struct {
	Ledger       LedgerService
	Availability AvailabilityService
	Reservations ReservationService
	Orders       OrderService
	Finance      FinanceService
}

// New wires every service on store. All of them share the same publisher and
// options.
func New(store *repository.Store, vat VATRateProvider, publisher events.Publisher, opts Options) *Services {
	opts = opts.withDefaults()
	if publisher == nil {
		publisher = events.NewLogPublisher()
	}
	avail := newAvailabilityService(store, opts)
	res := newReservationService(store, avail, publisher, opts)
	fin := newFinanceService(store, publisher, opts)
	return &Services{
		Ledger:       newLedgerService(store, publisher, opts),
		Availability: avail,
		Reservations: res,
		Orders:       newOrderService(store, avail, res, fin, vat, publisher, opts),
		Finance:      fin,
	}
}

// numberer hands out document numbers from per-year series.
type numberer struct {
	seq repository.SequenceRepository
	now func() time.Time
}

func (n numberer) next(ctx context.Context, prefix string) (string, error) {
	at := n.now()
	v, err := n.seq.Next(ctx, domain.SeriesKey(prefix, at))
	if err != nil {
		return "", err
	}
	return domain.FormatNumber(prefix, at, v), nil
}

func publishSnapshots(ctx context.Context, p events.Publisher, actor domain.Actor, items []domain.EquipmentItem, at time.Time) {
	for _, item := range items {
		p.Publish(ctx, events.Event{
			Type:       events.LedgerSnapshotUpdated,
			EntityID:   item.ID,
			ActorID:    actor.UserID,
			OccurredAt: at,
			Payload:    item,
		})
	}
}
