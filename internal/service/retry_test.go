package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/events"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/repository/memory"
	"equipment-rental-backend/internal/service"
)

func mockedStore() (*repository.Store, *MockOrderRepo, *MockLedgerRepo) {
	store := memory.NewStore(memory.New(time.Second))
	orders, ledger := new(MockOrderRepo), new(MockLedgerRepo)
	store.Orders, store.Ledger = orders, ledger
	return store, orders, ledger
}

func draftSalesOrder(version int64) *domain.Order {
	return &domain.Order{
		ID:      5,
		Number:  "SO-25-005",
		Kind:    domain.OrderKindSalesOrder,
		Status:  domain.OrderStatusDraft,
		Version: version,
		Lines:   []domain.OrderLine{{ID: 1, EquipmentID: 1, Quantity: 3}},
	}
}

func TestReservationService_CommitReservation(t *testing.T) {
	ctx := context.Background()
	opts := service.Options{MaxRetries: 3, RetryBackoff: time.Millisecond}

	t.Run("Order write fails after reserving", func(t *testing.T) {
		store, orders, ledger := mockedStore()
		svc := service.NewReservationService(store, events.NewRecorder(), opts)

		orders.On("GetByID", mock.Anything, int32(5)).Return(draftSalesOrder(2), nil)
		ledger.On("ApplyBatch", mock.Anything, entriesOf(domain.EntryReserve, 3)).Return([]domain.EquipmentItem{{ID: 1}}, nil).Once()
		orders.On("Update", mock.Anything, mock.Anything, domain.OrderStatusDraft, int64(2)).
			Return(&domain.StaleSnapshotError{Entity: "order", ID: 5, Expected: 2, Actual: 3}).Once()
		ledger.On("ApplyBatch", mock.Anything, entriesOf(domain.EntryRelease, 3)).Return([]domain.EquipmentItem{{ID: 1}}, nil).Once()

		_, err := svc.CommitReservation(ctx, 5, 2, sales)
		require.ErrorIs(t, err, domain.ErrStaleSnapshot)
		orders.AssertExpectations(t)
		ledger.AssertExpectations(t)
	})

	t.Run("Lock timeout is retried", func(t *testing.T) {
		store, orders, ledger := mockedStore()
		svc := service.NewReservationService(store, events.NewRecorder(), opts)

		orders.On("GetByID", mock.Anything, int32(5)).Return(draftSalesOrder(2), nil)
		ledger.On("ApplyBatch", mock.Anything, entriesOf(domain.EntryReserve, 3)).Return(nil, fmt.Errorf("item 1: %w", domain.ErrLockTimeout)).Once()
		ledger.On("ApplyBatch", mock.Anything, entriesOf(domain.EntryReserve, 3)).Return([]domain.EquipmentItem{{ID: 1}}, nil).Once()
		orders.On("Update", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
			return o.ReservationHeld && o.StockCheck == domain.StockCheckAvailable && o.Lines[0].QuantityAvailable == 3
		}), domain.OrderStatusDraft, int64(2)).Return(nil).Once()

		o, err := svc.CommitReservation(ctx, 5, 2, sales)
		require.NoError(t, err)
		assert.True(t, o.ReservationHeld)
		ledger.AssertNumberOfCalls(t, "ApplyBatch", 2)
		orders.AssertExpectations(t)
	})

	t.Run("Lock timeouts exhaust retries", func(t *testing.T) {
		store, orders, ledger := mockedStore()
		svc := service.NewReservationService(store, events.NewRecorder(), service.Options{MaxRetries: 1, RetryBackoff: time.Millisecond})

		orders.On("GetByID", mock.Anything, int32(5)).Return(draftSalesOrder(2), nil)
		ledger.On("ApplyBatch", mock.Anything, entriesOf(domain.EntryReserve, 3)).Return(nil, domain.ErrLockTimeout)

		_, err := svc.CommitReservation(ctx, 5, 2, sales)
		require.ErrorIs(t, err, domain.ErrLockTimeout)
		ledger.AssertNumberOfCalls(t, "ApplyBatch", 2)
		orders.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestOrderService_TransitionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	quotation := func(version int64) *domain.Order {
		return &domain.Order{
			ID: 9, Kind: domain.OrderKindQuotation, Status: domain.OrderStatusDraft, Version: version,
			Lines: []domain.OrderLine{{ID: 1, EquipmentID: 1, Quantity: 1}},
		}
	}
	vat := service.FixedVAT(decimal.NewFromInt(5))

	t.Run("Re-evaluated against fresh state", func(t *testing.T) {
		store, orders, _ := mockedStore()
		svc := service.NewOrderService(store, vat, events.NewRecorder(), service.Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

		orders.On("GetByID", mock.Anything, int32(9)).Return(quotation(1), nil).Once()
		orders.On("Update", mock.Anything, mock.Anything, domain.OrderStatusDraft, int64(1)).
			Return(&domain.StaleSnapshotError{Entity: "order", ID: 9, Expected: 1, Actual: 2}).Once()
		orders.On("GetByID", mock.Anything, int32(9)).Return(quotation(2), nil).Once()
		orders.On("Update", mock.Anything, mock.MatchedBy(func(o *domain.Order) bool {
			return o.Status == domain.OrderStatusPendingApproval
		}), domain.OrderStatusDraft, int64(2)).Return(nil).Once()

		res, err := svc.TransitionOrder(ctx, service.TransitionRequest{OrderID: 9, Event: domain.EventSendForApproval, Actor: sales})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPendingApproval, res.Order.Status)
		orders.AssertExpectations(t)
	})

	t.Run("Gives up after max retries", func(t *testing.T) {
		store, orders, _ := mockedStore()
		svc := service.NewOrderService(store, vat, events.NewRecorder(), service.Options{MaxRetries: 1, RetryBackoff: time.Millisecond})

		orders.On("GetByID", mock.Anything, int32(9)).Return(quotation(1), nil).Times(2)
		orders.On("Update", mock.Anything, mock.Anything, domain.OrderStatusDraft, int64(1)).
			Return(&domain.StaleSnapshotError{Entity: "order", ID: 9, Expected: 1, Actual: 2}).Times(2)

		_, err := svc.TransitionOrder(ctx, service.TransitionRequest{OrderID: 9, Event: domain.EventSendForApproval, Actor: sales})
		require.ErrorIs(t, err, domain.ErrStaleSnapshot)
		orders.AssertExpectations(t)
	})

	t.Run("Expected version is not retried", func(t *testing.T) {
		store, orders, _ := mockedStore()
		svc := service.NewOrderService(store, vat, events.NewRecorder(), service.Options{MaxRetries: 3, RetryBackoff: time.Millisecond})

		orders.On("GetByID", mock.Anything, int32(9)).Return(quotation(4), nil).Once()

		expected := int64(3)
		_, err := svc.TransitionOrder(ctx, service.TransitionRequest{OrderID: 9, Event: domain.EventSendForApproval, Actor: sales, ExpectedVersion: &expected})
		require.ErrorIs(t, err, domain.ErrStaleSnapshot)
		orders.AssertExpectations(t)
		orders.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestOrderService_ActivationSupersededByCancel(t *testing.T) {
	ctx := context.Background()
	contract := func(status domain.OrderStatus, version int64) *domain.Order {
		return &domain.Order{
			ID: 11, Number: "RC-25-011", Kind: domain.OrderKindContract, Status: status, Version: version,
			CustomerID: 7, Currency: "AED", VATRate: decimal.NewFromInt(5), ReservationHeld: true, ReservationRef: 5,
			DepositTerms: &domain.DepositTerms{Amount: decimal.NewFromInt(500), DueDays: 7},
			Lines:        []domain.OrderLine{{ID: 1, EquipmentID: 1, Quantity: 3, UnitRate: decimal.NewFromInt(50), Duration: 5}},
		}
	}

	store, orders, _ := mockedStore()
	svc := service.NewOrderService(store, service.FixedVAT(decimal.NewFromInt(5)), events.NewRecorder(), service.Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	orders.On("GetByID", mock.Anything, int32(11)).Return(contract(domain.OrderStatusDraft, 3), nil).Once()
	orders.On("Update", mock.Anything, mock.Anything, domain.OrderStatusDraft, int64(3)).
		Return(&domain.StaleSnapshotError{Entity: "order", ID: 11, Expected: 3, Actual: 4}).Once()
	orders.On("GetByID", mock.Anything, int32(11)).Return(contract(domain.OrderStatusCancelled, 4), nil).Once()

	_, err := svc.TransitionOrder(ctx, service.TransitionRequest{OrderID: 11, Event: domain.EventApproveContract, Actor: manager})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	orders.AssertExpectations(t)

	records, err := store.Financial.ListByOrder(ctx, 11)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.RecordStatusRejected, r.Status, "%s %s", r.Kind, r.Number)
	}
}
