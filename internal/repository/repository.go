package repository

import (
	"context"
	"time"

	"equipment-rental-backend/internal/domain"
)

// EquipmentRepository reads equipment items. Counters are written only through
// ledger entries: the opening entry passed to Create and
// LedgerRepository.ApplyBatch afterwards.
type EquipmentRepository interface {
	// Create assigns the item's ID. When opening is non-nil it is applied to
	// the zero counters and stored with the item, or neither is stored.
	Create(ctx context.Context, item *domain.EquipmentItem, opening *domain.LedgerEntry) error
	GetByID(ctx context.Context, id int32) (*domain.EquipmentItem, error)
	GetByCode(ctx context.Context, code string) (*domain.EquipmentItem, error)
	// GetSnapshot reads every requested item at one point in time. A missing
	// id yields ErrNotFound.
	GetSnapshot(ctx context.Context, ids []int32) (map[int32]domain.EquipmentItem, error)
	List(ctx context.Context, filter EquipmentFilter) ([]domain.EquipmentItem, error)
	ListIDs(ctx context.Context) ([]int32, error)
	// SetReconciliationHold sets or clears the hold. When counters is non-nil
	// the stored counters are replaced as well.
	SetReconciliationHold(ctx context.Context, id int32, hold bool, counters *domain.Counters) error
}

type EquipmentFilter struct {
	Category string
	OnHold   *bool
	Limit    int32
	Offset   int32
}

type LedgerRepository interface {
	// ApplyBatch locks every touched item, applies the entries in order and
	// persists them together, or persists nothing. Entries receive their ID
	// and CreatedAt. The updated items are returned in ascending id order.
	ApplyBatch(ctx context.Context, entries []*domain.LedgerEntry) ([]domain.EquipmentItem, error)
	ListByItem(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error)
	ListByOrders(ctx context.Context, orderIDs []int32) ([]domain.LedgerEntry, error)
	// ListOpenHoldings returns, per order and item, reservations that still
	// hold reserved units.
	ListOpenHoldings(ctx context.Context) ([]domain.Holding, error)
}

type OrderRepository interface {
	// Create assigns ID, line IDs and version 1.
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id int32) (*domain.Order, error)
	// Update writes o only if the stored row still has expectedStatus and
	// expectedVersion, then bumps o.Version. Otherwise it returns a
	// StaleSnapshotError and writes nothing.
	Update(ctx context.Context, o *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64) error
	// Convert updates source under the same compare-and-set as Update and
	// creates target in one transaction.
	Convert(ctx context.Context, source *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64, target *domain.Order) error
	// ListByReservationRef returns the orders whose reservation is booked
	// under ref: the sales order itself and any contract carrying it.
	ListByReservationRef(ctx context.Context, ref int32) ([]domain.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
}

type OrderFilter struct {
	Kind       domain.OrderKind
	Status     domain.OrderStatus
	CustomerID int32
	Limit      int32
	Offset     int32
}

// RecordUpdate is a compare-and-set write of an existing record.
type RecordUpdate struct {
	Record          *domain.FinancialRecord
	ExpectedStatus  domain.RecordStatus
	ExpectedVersion int64
}

// RecordChanges is applied atomically by FinancialRepository.Commit.
type RecordChanges struct {
	Create []*domain.FinancialRecord
	Update []RecordUpdate
}

type FinancialRepository interface {
	// Commit creates and updates records in one transaction. A reference
	// that already exists yields ErrDuplicate; a failed compare-and-set
	// yields a StaleSnapshotError.
	Commit(ctx context.Context, changes RecordChanges) error
	GetByID(ctx context.Context, id int32) (*domain.FinancialRecord, error)
	GetByReference(ctx context.Context, reference string) (*domain.FinancialRecord, error)
	ListByOrder(ctx context.Context, orderID int32) ([]domain.FinancialRecord, error)
	ListByCustomer(ctx context.Context, customerID int32) ([]domain.FinancialRecord, error)
	// ListOverdueCandidates returns pending invoices due before asOf.
	ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]domain.FinancialRecord, error)
}

type SequenceRepository interface {
	// Next returns the next value of a numbering series, starting at 1.
	Next(ctx context.Context, series string) (int64, error)
}

// Store groups every repository the engine needs.
type Store struct {
	Equipment EquipmentRepository
	Ledger    LedgerRepository
	Orders    OrderRepository
	Financial FinancialRepository
	Sequences SequenceRepository
}
