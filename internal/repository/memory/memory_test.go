package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

func seedItem(t *testing.T, store *repository.Store, code string, qty int32) *domain.EquipmentItem {
	t.Helper()
	ctx := context.Background()
	item := &domain.EquipmentItem{ItemCode: code, Description: code, DailyRate: decimal.NewFromInt(10)}
	require.NoError(t, store.Equipment.Create(ctx, item, nil))

	approver := int32(1)
	_, err := store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{{
		EquipmentID: item.ID, Type: domain.EntryAdjustment, Delta: qty,
		Reason: "opening stock", ApprovedBy: &approver, Approved: true,
	}})
	require.NoError(t, err)
	return item
}

func reserve(id, qty int32, order int32) *domain.LedgerEntry {
	return &domain.LedgerEntry{EquipmentID: id, Type: domain.EntryReserve, Delta: qty, OrderID: &order}
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		store := NewStore(New(time.Second))
		x := seedItem(t, store, "X", 10)
		y := seedItem(t, store, "Y", 3)

		entries := []*domain.LedgerEntry{reserve(y.ID, 2, 1), reserve(x.ID, 6, 1)}
		items, err := store.Ledger.ApplyBatch(ctx, entries)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, x.ID, items[0].ID)
		assert.Equal(t, domain.Counters{Total: 10, Available: 4, Reserved: 6}, items[0].Counters)
		assert.Equal(t, int64(2), items[0].Version)
		assert.NotZero(t, entries[0].ID)
		assert.Less(t, entries[0].ID, entries[1].ID)
	})

	t.Run("All or nothing", func(t *testing.T) {
		store := NewStore(New(time.Second))
		x := seedItem(t, store, "X", 10)
		y := seedItem(t, store, "Y", 3)

		_, err := store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{reserve(x.ID, 6, 1), reserve(y.ID, 4, 1)})
		assert.ErrorIs(t, err, domain.ErrInsufficientQuantity)

		snap, err := store.Equipment.GetSnapshot(ctx, []int32{x.ID, y.ID})
		require.NoError(t, err)
		assert.Equal(t, int32(10), snap[x.ID].Available)
		assert.Equal(t, int32(3), snap[y.ID].Available)

		entries, err := store.Ledger.ListByItem(ctx, x.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("Unknown item", func(t *testing.T) {
		store := NewStore(New(time.Second))
		_, err := store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{reserve(99, 1, 1)})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Held item rejects writes", func(t *testing.T) {
		store := NewStore(New(time.Second))
		x := seedItem(t, store, "X", 10)
		require.NoError(t, store.Equipment.SetReconciliationHold(ctx, x.ID, true, nil))

		_, err := store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{reserve(x.ID, 1, 1)})
		assert.ErrorIs(t, err, domain.ErrReconciliation)
	})

	t.Run("Lock timeout", func(t *testing.T) {
		db := New(20 * time.Millisecond)
		store := NewStore(db)
		x := seedItem(t, store, "X", 10)

		unlock, err := db.lockItems(ctx, []int32{x.ID})
		require.NoError(t, err)
		defer unlock()

		_, err = store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{reserve(x.ID, 1, 1)})
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
	})

	t.Run("Cancelled context persists nothing", func(t *testing.T) {
		store := NewStore(New(time.Second))
		x := seedItem(t, store, "X", 10)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Ledger.ApplyBatch(cctx, []*domain.LedgerEntry{reserve(x.ID, 1, 1)})
		assert.Error(t, err)

		item, err := store.Equipment.GetByID(ctx, x.ID)
		require.NoError(t, err)
		assert.Equal(t, int32(10), item.Available)
	})
}

func TestConcurrentReservationsNeverOverbook(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(5 * time.Second))
	x := seedItem(t, store, "X", 3)
	y := seedItem(t, store, "Y", 50)

	var wg sync.WaitGroup
	var committed, rejected atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(order int32) {
			defer wg.Done()
			// alternate the item order so lock ordering is exercised
			entries := []*domain.LedgerEntry{reserve(x.ID, 2, order), reserve(y.ID, 1, order)}
			if order%2 == 0 {
				entries[0], entries[1] = entries[1], entries[0]
			}
			_, err := store.Ledger.ApplyBatch(ctx, entries)
			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, domain.ErrInsufficientQuantity):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int32(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, int32(39), rejected.Load())

	snap, err := store.Equipment.GetSnapshot(ctx, []int32{x.ID, y.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.Counters{Total: 3, Available: 1, Reserved: 2}, snap[x.ID].Counters)
	assert.Equal(t, domain.Counters{Total: 50, Available: 49, Reserved: 1}, snap[y.ID].Counters)

	for _, id := range []int32{x.ID, y.ID} {
		entries, err := store.Ledger.ListByItem(ctx, id)
		require.NoError(t, err)
		replayed, err := domain.Replay(id, entries)
		require.NoError(t, err)
		assert.Equal(t, snap[id].Counters, replayed)
	}
}

func TestListOpenHoldings(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(time.Second))
	x := seedItem(t, store, "X", 10)

	_, err := store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{reserve(x.ID, 4, 1), reserve(x.ID, 2, 2)})
	require.NoError(t, err)
	two := int32(2)
	_, err = store.Ledger.ApplyBatch(ctx, []*domain.LedgerEntry{{EquipmentID: x.ID, Type: domain.EntryRelease, Delta: 2, OrderID: &two}})
	require.NoError(t, err)

	holdings, err := store.Ledger.ListOpenHoldings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int32(1), holdings[0].OrderID)
	assert.Equal(t, int32(4), holdings[0].Reserved)
}

func TestOrderCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(time.Second))

	o := &domain.Order{Kind: domain.OrderKindSalesOrder, Status: domain.OrderStatusDraft,
		Lines: []domain.OrderLine{{EquipmentID: 1, Quantity: 2}}}
	require.NoError(t, store.Orders.Create(ctx, o))
	assert.Equal(t, int64(1), o.Version)
	assert.NotZero(t, o.Lines[0].ID)
	assert.Equal(t, int32(1), o.Lines[0].LineNo)

	first := o.Clone()
	first.Status = domain.OrderStatusPendingApproval
	require.NoError(t, store.Orders.Update(ctx, first, domain.OrderStatusDraft, 1))
	assert.Equal(t, int64(2), first.Version)

	second := o.Clone()
	second.Status = domain.OrderStatusCancelled
	err := store.Orders.Update(ctx, second, domain.OrderStatusDraft, 1)
	var stale *domain.StaleSnapshotError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(2), stale.Actual)

	stored, err := store.Orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingApproval, stored.Status)

	t.Run("Convert is atomic", func(t *testing.T) {
		src := stored.Clone()
		src.Status = domain.OrderStatusConverted
		target := &domain.Order{Kind: domain.OrderKindContract, Status: domain.OrderStatusDraft, ReservationRef: src.ID}

		err := store.Orders.Convert(ctx, src, domain.OrderStatusApproved, stored.Version, target)
		assert.ErrorIs(t, err, domain.ErrStaleSnapshot)
		assert.Zero(t, target.ID)

		require.NoError(t, store.Orders.Convert(ctx, src, domain.OrderStatusPendingApproval, stored.Version, target))
		assert.NotZero(t, target.ID)

		chain, err := store.Orders.ListByReservationRef(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, chain, 2)
	})
}

func TestFinancialCommit(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(time.Second))

	inv := &domain.FinancialRecord{Kind: domain.RecordInvoice, OrderID: 1, CustomerID: 7, Reference: "activation:1",
		Amount: decimal.NewFromInt(100), Status: domain.RecordStatusPending}
	require.NoError(t, store.Financial.Commit(ctx, repository.RecordChanges{Create: []*domain.FinancialRecord{inv}}))
	assert.NotZero(t, inv.ID)

	dup := &domain.FinancialRecord{Kind: domain.RecordInvoice, OrderID: 1, Reference: "activation:1", Status: domain.RecordStatusPending}
	err := store.Financial.Commit(ctx, repository.RecordChanges{Create: []*domain.FinancialRecord{dup}})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	paid := *inv
	paid.Status = domain.RecordStatusPaid
	payment := &domain.FinancialRecord{Kind: domain.RecordPayment, OrderID: 1, Reference: "payment:1", Status: domain.RecordStatusPaid}
	require.NoError(t, store.Financial.Commit(ctx, repository.RecordChanges{
		Create: []*domain.FinancialRecord{payment},
		Update: []repository.RecordUpdate{{Record: &paid, ExpectedStatus: domain.RecordStatusPending, ExpectedVersion: 1}},
	}))

	err = store.Financial.Commit(ctx, repository.RecordChanges{
		Update: []repository.RecordUpdate{{Record: &paid, ExpectedStatus: domain.RecordStatusPending, ExpectedVersion: 1}},
	})
	assert.ErrorIs(t, err, domain.ErrStaleSnapshot)

	records, err := store.Financial.ListByOrder(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, domain.RecordStatusPaid, records[0].Status)

	got, err := store.Financial.GetByReference(ctx, "payment:1")
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)
}

func TestSequences(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(time.Second))

	a, _ := store.Sequences.Next(ctx, "SO-25")
	b, _ := store.Sequences.Next(ctx, "SO-25")
	c, _ := store.Sequences.Next(ctx, "RC-25")
	assert.Equal(t, []int64{1, 2, 1}, []int64{a, b, c})
}

func TestCreateWithOpeningStock(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New(time.Second))
	approver := int32(1)

	item := &domain.EquipmentItem{ItemCode: "PROP-3M", Description: "Steel prop 3m"}
	opening := &domain.LedgerEntry{Type: domain.EntryAdjustment, Delta: 12, Reason: "opening stock", ApprovedBy: &approver, Approved: true}
	require.NoError(t, store.Equipment.Create(ctx, item, opening))
	assert.Equal(t, domain.Counters{Total: 12, Available: 12}, item.Counters)
	assert.Equal(t, int64(1), item.Version)
	assert.Equal(t, item.ID, opening.EquipmentID)

	entries, err := store.Ledger.ListByItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	replayed, err := domain.Replay(item.ID, entries)
	require.NoError(t, err)
	assert.Equal(t, item.Counters, replayed)

	bad := &domain.EquipmentItem{ItemCode: "PROP-4M", Description: "Steel prop 4m"}
	err = store.Equipment.Create(ctx, bad, &domain.LedgerEntry{Type: domain.EntryAdjustment, Delta: -3, Reason: "typo", ApprovedBy: &approver})
	require.ErrorIs(t, err, domain.ErrInsufficientQuantity)
	_, err = store.Equipment.GetByCode(ctx, "PROP-4M")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
