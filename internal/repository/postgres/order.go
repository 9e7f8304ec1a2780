package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

const orderColumns = `id, number, kind, source_order_id, reservation_ref, customer_id, customer_name, project_name,
	site_location, currency, rental_start, rental_end, subtotal, vat_rate, vat_amount, total,
	deposit_amount, deposit_due_days, status, stock_check_status, reservation_held, version,
	created_by, approved_by, approved_at, created_at, updated_at`

const lineColumns = `id, order_id, line_no, equipment_id, description, quantity, quantity_available, unit_rate,
	rate_basis, duration, wastage_charges, cutting_charges, line_total`

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &orderRepository{db: db}
}

func scanOrder(row scanner, o *domain.Order) error {
	var depositAmount decimal.NullDecimal
	var depositDays sql.NullInt32
	err := row.Scan(&o.ID, &o.Number, &o.Kind, &o.SourceOrderID, &o.ReservationRef, &o.CustomerID, &o.CustomerName,
		&o.ProjectName, &o.SiteLocation, &o.Currency, &o.RentalStart, &o.RentalEnd, &o.Subtotal, &o.VATRate,
		&o.VATAmount, &o.Total, &depositAmount, &depositDays, &o.Status, &o.StockCheck, &o.ReservationHeld,
		&o.Version, &o.CreatedBy, &o.ApprovedBy, &o.ApprovedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return err
	}
	if depositAmount.Valid {
		o.DepositTerms = &domain.DepositTerms{Amount: depositAmount.Decimal, DueDays: depositDays.Int32}
	}
	return nil
}

func depositArgs(o *domain.Order) (decimal.NullDecimal, sql.NullInt32) {
	if o.DepositTerms == nil {
		return decimal.NullDecimal{}, sql.NullInt32{}
	}
	return decimal.NullDecimal{Decimal: o.DepositTerms.Amount, Valid: true},
		sql.NullInt32{Int32: o.DepositTerms.DueDays, Valid: true}
}

func (r *orderRepository) Create(ctx context.Context, o *domain.Order) error {
	logger.EnterMethod(ctx, "orderRepository.Create", "number", o.Number, "kind", o.Kind)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := insertOrder(ctx, tx, o); err != nil {
		logger.ExitMethodWithError(ctx, "orderRepository.Create", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	logger.ExitMethod(ctx, "orderRepository.Create", "orderID", o.ID)
	return nil
}

func insertOrder(ctx context.Context, q dbtx, o *domain.Order) error {
	amount, days := depositArgs(o)
	query := `INSERT INTO orders (number, kind, source_order_id, reservation_ref, customer_id, customer_name, project_name,
	                              site_location, currency, rental_start, rental_end, subtotal, vat_rate, vat_amount, total,
	                              deposit_amount, deposit_due_days, status, stock_check_status, reservation_held, version,
	                              created_by, approved_by, approved_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1, $21, $22, $23)
	          RETURNING id, version, created_at, updated_at`
	logger.DatabaseCall(ctx, "INSERT", "orders", "number", o.Number)
	err := q.QueryRowContext(ctx, query, o.Number, o.Kind, o.SourceOrderID, o.ReservationRef, o.CustomerID, o.CustomerName,
		o.ProjectName, o.SiteLocation, o.Currency, o.RentalStart, o.RentalEnd, o.Subtotal, o.VATRate, o.VATAmount, o.Total,
		amount, days, o.Status, o.StockCheck, o.ReservationHeld, o.CreatedBy, o.ApprovedBy, o.ApprovedAt).
		Scan(&o.ID, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	logger.DatabaseResult(ctx, "INSERT", 1, err, "orderID", o.ID)
	if err != nil {
		return mapError(err)
	}
	return saveLines(ctx, q, o)
}

// saveLines inserts new lines, updates existing ones and removes lines no
// longer on the order.
func saveLines(ctx context.Context, q dbtx, o *domain.Order) error {
	keep := make([]int64, 0, len(o.Lines))
	for _, l := range o.Lines {
		if l.ID != 0 {
			keep = append(keep, int64(l.ID))
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1 AND NOT (id = ANY($2))`,
		o.ID, pq.Array(keep)); err != nil {
		return mapError(err)
	}

	insert := `INSERT INTO order_lines (order_id, line_no, equipment_id, description, quantity, quantity_available,
	                                   unit_rate, rate_basis, duration, wastage_charges, cutting_charges, line_total)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`
	update := `UPDATE order_lines
	           SET line_no = $1, equipment_id = $2, description = $3, quantity = $4, quantity_available = $5,
	               unit_rate = $6, rate_basis = $7, duration = $8, wastage_charges = $9, cutting_charges = $10,
	               line_total = $11
	           WHERE id = $12 AND order_id = $13`
	for i := range o.Lines {
		l := &o.Lines[i]
		l.OrderID = o.ID
		if l.LineNo == 0 {
			l.LineNo = int32(i + 1)
		}
		if l.ID == 0 {
			err := q.QueryRowContext(ctx, insert, o.ID, l.LineNo, l.EquipmentID, l.Description, l.Quantity,
				l.QuantityAvailable, l.UnitRate, l.RateBasis, l.Duration, l.WastageCharges, l.CuttingCharges, l.LineTotal).
				Scan(&l.ID)
			if err != nil {
				return mapError(err)
			}
			continue
		}
		if _, err := q.ExecContext(ctx, update, l.LineNo, l.EquipmentID, l.Description, l.Quantity, l.QuantityAvailable,
			l.UnitRate, l.RateBasis, l.Duration, l.WastageCharges, l.CuttingCharges, l.LineTotal, l.ID, o.ID); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, id int32) (*domain.Order, error) {
	var o domain.Order
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if err := scanOrder(r.db.QueryRowContext(ctx, query, id), &o); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	orders := []*domain.Order{&o}
	if err := r.loadLines(ctx, orders); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepository) loadLines(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[int32]*domain.Order, len(orders))
	ids := make([]int64, len(orders))
	for i, o := range orders {
		byID[o.ID] = o
		ids[i] = int64(o.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, line_no, id`, pq.Array(ids))
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.LineNo, &l.EquipmentID, &l.Description, &l.Quantity,
			&l.QuantityAvailable, &l.UnitRate, &l.RateBasis, &l.Duration, &l.WastageCharges, &l.CuttingCharges,
			&l.LineTotal); err != nil {
			return err
		}
		if o, ok := byID[l.OrderID]; ok {
			o.Lines = append(o.Lines, l)
		}
	}
	return rows.Err()
}

func (r *orderRepository) Update(ctx context.Context, o *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64) error {
	logger.EnterMethod(ctx, "orderRepository.Update", "orderID", o.ID, "status", o.Status, "expectedVersion", expectedVersion)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := updateOrder(ctx, tx, o, expectedStatus, expectedVersion); err != nil {
		logger.ExitMethodWithError(ctx, "orderRepository.Update", err, "orderID", o.ID)
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	logger.ExitMethod(ctx, "orderRepository.Update", "orderID", o.ID, "version", o.Version)
	return nil
}

func updateOrder(ctx context.Context, q dbtx, o *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64) error {
	amount, days := depositArgs(o)
	query := `UPDATE orders
	          SET customer_name = $1, project_name = $2, site_location = $3, rental_start = $4, rental_end = $5,
	              subtotal = $6, vat_rate = $7, vat_amount = $8, total = $9, deposit_amount = $10, deposit_due_days = $11,
	              status = $12, stock_check_status = $13, reservation_held = $14, approved_by = $15, approved_at = $16,
	              version = version + 1, updated_at = NOW()
	          WHERE id = $17 AND status = $18 AND version = $19
	          RETURNING version, updated_at`
	logger.DatabaseCall(ctx, "UPDATE", "orders", "orderID", o.ID, "expectedVersion", expectedVersion)
	err := q.QueryRowContext(ctx, query, o.CustomerName, o.ProjectName, o.SiteLocation, o.RentalStart, o.RentalEnd,
		o.Subtotal, o.VATRate, o.VATAmount, o.Total, amount, days, o.Status, o.StockCheck, o.ReservationHeld,
		o.ApprovedBy, o.ApprovedAt, o.ID, expectedStatus, expectedVersion).Scan(&o.Version, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var actual int64
		if err := q.QueryRowContext(ctx, `SELECT version FROM orders WHERE id = $1`, o.ID).Scan(&actual); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("order %d: %w", o.ID, domain.ErrNotFound)
			}
			return mapError(err)
		}
		return &domain.StaleSnapshotError{Entity: "order", ID: o.ID, Expected: expectedVersion, Actual: actual}
	}
	logger.DatabaseResult(ctx, "UPDATE", 1, err, "orderID", o.ID)
	if err != nil {
		return mapError(err)
	}
	return saveLines(ctx, q, o)
}

func (r *orderRepository) Convert(ctx context.Context, source *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64, target *domain.Order) error {
	logger.EnterMethod(ctx, "orderRepository.Convert", "sourceID", source.ID, "targetKind", target.Kind)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if err := updateOrder(ctx, tx, source, expectedStatus, expectedVersion); err != nil {
		logger.ExitMethodWithError(ctx, "orderRepository.Convert", err, "sourceID", source.ID)
		return err
	}
	if err := insertOrder(ctx, tx, target); err != nil {
		logger.ExitMethodWithError(ctx, "orderRepository.Convert", err, "sourceID", source.ID)
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	logger.ExitMethod(ctx, "orderRepository.Convert", "sourceID", source.ID, "targetID", target.ID)
	return nil
}

func (r *orderRepository) ListByReservationRef(ctx context.Context, ref int32) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 OR reservation_ref = $1 ORDER BY id`
	return r.list(ctx, query, ref)
}

func (r *orderRepository) List(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error) {
	var conds []string
	var args []any
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CustomerID != 0 {
		args = append(args, filter.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.list(ctx, query, args...)
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	logger.DatabaseCall(ctx, "SELECT", "orders")
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.DatabaseResult(ctx, "SELECT", 0, err)
		return nil, mapError(err)
	}

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := scanOrder(rows, &o); err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	logger.DatabaseResult(ctx, "SELECT", int64(len(orders)), nil)

	ptrs := make([]*domain.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := r.loadLines(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}
