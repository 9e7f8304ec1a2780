package service_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

// MockOrderRepo
type MockOrderRepo struct {
	mock.Mock
}

func (m *MockOrderRepo) Create(ctx context.Context, o *domain.Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}
func (m *MockOrderRepo) GetByID(ctx context.Context, id int32) (*domain.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order).Clone(), args.Error(1)
}
func (m *MockOrderRepo) Update(ctx context.Context, o *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64) error {
	args := m.Called(ctx, o, expectedStatus, expectedVersion)
	return args.Error(0)
}
func (m *MockOrderRepo) Convert(ctx context.Context, source *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64, target *domain.Order) error {
	args := m.Called(ctx, source, expectedStatus, expectedVersion, target)
	return args.Error(0)
}
func (m *MockOrderRepo) ListByReservationRef(ctx context.Context, ref int32) ([]domain.Order, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).([]domain.Order), args.Error(1)
}
func (m *MockOrderRepo) List(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]domain.Order), args.Error(1)
}

// MockLedgerRepo
type MockLedgerRepo struct {
	mock.Mock
}

func (m *MockLedgerRepo) ApplyBatch(ctx context.Context, entries []*domain.LedgerEntry) ([]domain.EquipmentItem, error) {
	args := m.Called(ctx, entries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.EquipmentItem), args.Error(1)
}
func (m *MockLedgerRepo) ListByItem(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error) {
	args := m.Called(ctx, equipmentID)
	return args.Get(0).([]domain.LedgerEntry), args.Error(1)
}
func (m *MockLedgerRepo) ListByOrders(ctx context.Context, orderIDs []int32) ([]domain.LedgerEntry, error) {
	args := m.Called(ctx, orderIDs)
	return args.Get(0).([]domain.LedgerEntry), args.Error(1)
}
func (m *MockLedgerRepo) ListOpenHoldings(ctx context.Context) ([]domain.Holding, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Holding), args.Error(1)
}

// entriesOf matches a ledger batch of one type with the given total delta.
func entriesOf(t domain.EntryType, total int32) any {
	return mock.MatchedBy(func(entries []*domain.LedgerEntry) bool {
		var sum int32
		for _, e := range entries {
			if e.Type != t {
				return false
			}
			sum += e.Delta
		}
		return sum == total
	})
}
