package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
	"equipment-rental-backend/internal/repository/postgres"
)

var now = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func equipmentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "item_code", "description", "category", "unit", "daily_rate", "weekly_rate",
		"monthly_rate", "currency", "quantity_total", "quantity_available", "quantity_reserved", "quantity_on_rent",
		"quantity_damaged", "version", "reconciliation_hold", "created_on", "updated_on"})
}

func addItem(rows *sqlmock.Rows, id int32, c domain.Counters, version int64, hold bool) *sqlmock.Rows {
	return rows.AddRow(id, "ITEM-1", "Steel prop", "props", "pcs", "10.00", "60.00", "200.00", "AED",
		c.Total, c.Available, c.Reserved, c.OnRent, c.Damaged, version, hold, now, now)
}

func TestLedgerRepository_ApplyBatch(t *testing.T) {
	ctx := context.Background()
	order := int32(5)

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, 500*time.Millisecond)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = '500ms'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items WHERE id = ANY\\(\\$1\\) ORDER BY id FOR UPDATE").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{Total: 10, Available: 10}, 1, false))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(int32(1), domain.EntryReserve, int32(6), int32(0), &order, "SO-25-001", "batch-1", "", int32(3), nil, false).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(101), now))
		mock.ExpectQuery("UPDATE equipment_items").
			WithArgs(int32(10), int32(4), int32(6), int32(0), int32(0), int64(2), int32(1)).
			WillReturnRows(sqlmock.NewRows([]string{"updated_on"}).AddRow(now))
		mock.ExpectCommit()

		entry := &domain.LedgerEntry{EquipmentID: 1, Type: domain.EntryReserve, Delta: 6, OrderID: &order,
			Reference: "SO-25-001", BatchID: "batch-1", ActorID: 3}
		items, err := repo.ApplyBatch(ctx, []*domain.LedgerEntry{entry})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, domain.Counters{Total: 10, Available: 4, Reserved: 6}, items[0].Counters)
		assert.Equal(t, int64(2), items[0].Version)
		assert.Equal(t, int64(101), entry.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Insufficient quantity rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, time.Second)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{Total: 10, Available: 4, Reserved: 6}, 2, false))
		mock.ExpectRollback()

		_, err = repo.ApplyBatch(ctx, []*domain.LedgerEntry{{EquipmentID: 1, Type: domain.EntryReserve, Delta: 5, OrderID: &order}})
		assert.ErrorIs(t, err, domain.ErrInsufficientQuantity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Lock timeout", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, time.Second)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items").
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		_, err = repo.ApplyBatch(ctx, []*domain.LedgerEntry{{EquipmentID: 1, Type: domain.EntryReserve, Delta: 1}})
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
		assert.True(t, domain.IsRetryable(err))
	})

	t.Run("Held item", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, time.Second)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{Total: 10, Available: 10}, 1, true))
		mock.ExpectRollback()

		_, err = repo.ApplyBatch(ctx, []*domain.LedgerEntry{{EquipmentID: 1, Type: domain.EntryDamage, Delta: 1}})
		assert.ErrorIs(t, err, domain.ErrReconciliation)
	})

	t.Run("Missing item", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, time.Second)

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items").WillReturnRows(equipmentRows())
		mock.ExpectRollback()

		_, err = repo.ApplyBatch(ctx, []*domain.LedgerEntry{{EquipmentID: 9, Type: domain.EntryDamage, Delta: 1}})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Unknown owning order", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewLedgerRepository(db, time.Second)

		missing := int32(404)
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM equipment_items").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{Total: 10, Available: 10}, 1, false))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(int32(1), domain.EntryReserve, int32(2), int32(0), &missing, "", "", "", int32(0), nil, false).
			WillReturnError(&pq.Error{Code: "23503", Detail: "Key (order_id)=(404) is not present in table \"orders\"."})
		mock.ExpectRollback()

		_, err = repo.ApplyBatch(ctx, []*domain.LedgerEntry{reserveFor(1, 2, missing)})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func reserveFor(equipmentID, qty, orderID int32) *domain.LedgerEntry {
	return &domain.LedgerEntry{EquipmentID: equipmentID, Type: domain.EntryReserve, Delta: qty, OrderID: &orderID}
}

func TestLedgerRepository_ListOpenHoldings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewLedgerRepository(db, time.Second)

	mock.ExpectQuery("SELECT order_id, equipment_id").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "equipment_id", "reserved", "on_rent", "last_entry_at"}).
			AddRow(5, 1, 6, 0, now))

	holdings, err := repo.ListOpenHoldings(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, domain.Holding{OrderID: 5, EquipmentID: 1, Reserved: 6, LastEntryAt: now}, holdings[0])
}

func TestEquipmentRepository_GetSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewEquipmentRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM equipment_items WHERE id = ANY").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{Total: 10, Available: 4, Reserved: 6}, 2, false))

		snap, err := repo.GetSnapshot(ctx, []int32{1, 1})
		require.NoError(t, err)
		assert.Equal(t, int32(4), snap[1].Available)
		assert.True(t, decimal.NewFromInt(10).Equal(snap[1].DailyRate))
	})

	t.Run("Missing item", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewEquipmentRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM equipment_items WHERE id = ANY").
			WillReturnRows(addItem(equipmentRows(), 1, domain.Counters{}, 0, false))

		_, err = repo.GetSnapshot(ctx, []int32{1, 2})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestEquipmentRepository_Create(t *testing.T) {
	ctx := context.Background()
	approver := int32(4)

	t.Run("With opening stock", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewEquipmentRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO equipment_items").
			WithArgs("PROP-3M", "Steel prop 3m", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "AED",
				int32(12), int32(12), int32(0), int32(0), int32(0), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_on", "updated_on"}).AddRow(7, now, now))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(int32(7), domain.EntryAdjustment, int32(12), int32(0), nil, "", "", "opening stock", int32(4), &approver, true).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), now))
		mock.ExpectCommit()

		item := &domain.EquipmentItem{ItemCode: "PROP-3M", Description: "Steel prop 3m", Currency: "AED",
			DailyRate: decimal.NewFromInt(10)}
		opening := &domain.LedgerEntry{Type: domain.EntryAdjustment, Delta: 12, Reason: "opening stock",
			ActorID: 4, ApprovedBy: &approver, Approved: true}
		require.NoError(t, repo.Create(ctx, item, opening))
		assert.Equal(t, int32(7), item.ID)
		assert.Equal(t, domain.Counters{Total: 12, Available: 12}, item.Counters)
		assert.Equal(t, int64(1), item.Version)
		assert.Equal(t, int64(1), opening.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Failed opening entry leaves no item", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewEquipmentRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO equipment_items").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_on", "updated_on"}).AddRow(8, now, now))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		item := &domain.EquipmentItem{ItemCode: "PROP-4M", Description: "Steel prop 4m", Currency: "AED"}
		opening := &domain.LedgerEntry{Type: domain.EntryAdjustment, Delta: 5, Reason: "opening stock", ApprovedBy: &approver, Approved: true}
		err = repo.Create(ctx, item, opening)
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate code", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewEquipmentRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO equipment_items").
			WillReturnError(&pq.Error{Code: "23505", Detail: "Key (item_code)=(PROP-3M) already exists."})
		mock.ExpectRollback()

		item := &domain.EquipmentItem{ItemCode: "PROP-3M", Description: "Steel prop 3m", Currency: "AED"}
		err = repo.Create(ctx, item, nil)
		assert.ErrorIs(t, err, domain.ErrDuplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func orderRow(id int32, status domain.OrderStatus, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "number", "kind", "source_order_id", "reservation_ref", "customer_id",
		"customer_name", "project_name", "site_location", "currency", "rental_start", "rental_end", "subtotal",
		"vat_rate", "vat_amount", "total", "deposit_amount", "deposit_due_days", "status", "stock_check_status",
		"reservation_held", "version", "created_by", "approved_by", "approved_at", "created_at", "updated_at"}).
		AddRow(id, "SO-25-001", "sales_order", nil, 0, 11, "Acme Contracting", "Tower B", "Dubai", "AED", now,
			now.AddDate(0, 0, 9), "12500.00", "5.00", "625.00", "13125.00", "2000.00", 7, string(status), "available",
			true, version, 3, nil, nil, now, now)
}

func TestOrderRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewOrderRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id = \\$1").WithArgs(int32(5)).
		WillReturnRows(orderRow(5, domain.OrderStatusApproved, 3))
	mock.ExpectQuery("SELECT (.+) FROM order_lines WHERE order_id = ANY").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "line_no", "equipment_id", "description", "quantity",
			"quantity_available", "unit_rate", "rate_basis", "duration", "wastage_charges", "cutting_charges",
			"line_total"}).
			AddRow(21, 5, 1, 1, "Steel prop", 10, 10, "125.00", "day", 10, "0", "0", "12500.00"))

	o, err := repo.GetByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderKindSalesOrder, o.Kind)
	assert.Equal(t, domain.OrderStatusApproved, o.Status)
	assert.Nil(t, o.SourceOrderID)
	require.NotNil(t, o.DepositTerms)
	assert.True(t, decimal.NewFromInt(2000).Equal(o.DepositTerms.Amount))
	assert.Equal(t, int32(7), o.DepositTerms.DueDays)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, domain.RateBasisDay, o.Lines[0].RateBasis)
	assert.True(t, decimal.NewFromInt(13125).Equal(o.Total))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewOrderRepository(db)

		o := &domain.Order{ID: 5, Status: domain.OrderStatusApproved, StockCheck: domain.StockCheckAvailable,
			Lines: []domain.OrderLine{{ID: 21, LineNo: 1, EquipmentID: 1, Quantity: 10}}}

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE orders").
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), now))
		mock.ExpectExec("DELETE FROM order_lines").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE order_lines").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Update(ctx, o, domain.OrderStatusPendingApproval, 3))
		assert.Equal(t, int64(4), o.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Stale version", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewOrderRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE orders").
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))
		mock.ExpectQuery("SELECT version FROM orders").WithArgs(int32(5)).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(6)))
		mock.ExpectRollback()

		err = repo.Update(ctx, &domain.Order{ID: 5, Status: domain.OrderStatusApproved}, domain.OrderStatusPendingApproval, 3)
		var stale *domain.StaleSnapshotError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, int64(3), stale.Expected)
		assert.Equal(t, int64(6), stale.Actual)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFinancialRepository_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("Duplicate reference", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewFinancialRepository(db)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO financial_records").
			WillReturnError(&pq.Error{Code: "23505", Detail: "Key (reference)=(activation:9:invoice) already exists."})
		mock.ExpectRollback()

		err = repo.Commit(ctx, repository.RecordChanges{Create: []*domain.FinancialRecord{{
			Number: "INV-25-001", Kind: domain.RecordInvoice, OrderID: 9, Reference: "activation:9:invoice",
			Amount: decimal.NewFromInt(100), Status: domain.RecordStatusPending, IssuedOn: now,
		}}})
		assert.ErrorIs(t, err, domain.ErrDuplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Create and update", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		repo := postgres.NewFinancialRepository(db)

		payment := &domain.FinancialRecord{Number: "PAY-25-001", Kind: domain.RecordPayment, OrderID: 9,
			Amount: decimal.NewFromInt(100), Status: domain.RecordStatusPaid, IssuedOn: now}
		invoice := &domain.FinancialRecord{ID: 3, Kind: domain.RecordInvoice, Status: domain.RecordStatusPaid,
			AppliedAmount: decimal.NewFromInt(100)}

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO financial_records").
			WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).AddRow(4, 1, now, now))
		mock.ExpectQuery("UPDATE financial_records").
			WithArgs(domain.RecordStatusPaid, sqlmock.AnyArg(), nil, "", nil, int32(3), domain.RecordStatusPending, int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(2, now))
		mock.ExpectCommit()

		err = repo.Commit(ctx, repository.RecordChanges{
			Create: []*domain.FinancialRecord{payment},
			Update: []repository.RecordUpdate{{Record: invoice, ExpectedStatus: domain.RecordStatusPending, ExpectedVersion: 1}},
		})
		require.NoError(t, err)
		assert.Equal(t, int32(4), payment.ID)
		assert.Equal(t, int64(2), invoice.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSequenceRepository_Next(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewSequenceRepository(db)

	mock.ExpectQuery("INSERT INTO number_series").WithArgs("SO-25").
		WillReturnRows(sqlmock.NewRows([]string{"last_value"}).AddRow(int64(8)))

	next, err := repo.Next(context.Background(), "SO-25")
	require.NoError(t, err)
	assert.Equal(t, int64(8), next)
}
