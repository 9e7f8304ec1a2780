package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

const equipmentColumns = `id, item_code, description, category, unit, daily_rate, weekly_rate, monthly_rate, currency,
	quantity_total, quantity_available, quantity_reserved, quantity_on_rent, quantity_damaged,
	version, reconciliation_hold, created_on, updated_on`

type equipmentRepository struct {
	db *sql.DB
}

func NewEquipmentRepository(db *sql.DB) repository.EquipmentRepository {
	return &equipmentRepository{db: db}
}

func scanEquipment(row scanner, item *domain.EquipmentItem) error {
	return row.Scan(&item.ID, &item.ItemCode, &item.Description, &item.Category, &item.Unit,
		&item.DailyRate, &item.WeeklyRate, &item.MonthlyRate, &item.Currency,
		&item.Total, &item.Available, &item.Reserved, &item.OnRent, &item.Damaged,
		&item.Version, &item.ReconciliationHold, &item.CreatedOn, &item.UpdatedOn)
}

// Create inserts the item. A non-nil opening entry is applied to the new
// item's zero counters and inserted in the same transaction.
func (r *equipmentRepository) Create(ctx context.Context, item *domain.EquipmentItem, opening *domain.LedgerEntry) error {
	var (
		counters domain.Counters
		version  int64
	)
	if opening != nil {
		next, err := counters.Apply(opening)
		if err != nil {
			return err
		}
		counters, version = next, 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	query := `INSERT INTO equipment_items (item_code, description, category, unit, daily_rate, weekly_rate, monthly_rate, currency,
	                                       quantity_total, quantity_available, quantity_reserved, quantity_on_rent,
	                                       quantity_damaged, version)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id, created_on, updated_on`
	logger.DatabaseCall(ctx, "INSERT", "equipment_items", "itemCode", item.ItemCode)

	err = tx.QueryRowContext(ctx, query, item.ItemCode, item.Description, item.Category, item.Unit,
		item.DailyRate, item.WeeklyRate, item.MonthlyRate, item.Currency,
		counters.Total, counters.Available, counters.Reserved, counters.OnRent, counters.Damaged, version).
		Scan(&item.ID, &item.CreatedOn, &item.UpdatedOn)
	logger.DatabaseResult(ctx, "INSERT", 1, err, "equipmentID", item.ID)
	if err != nil {
		return mapError(err)
	}

	if opening != nil {
		opening.EquipmentID = item.ID
		if err := insertEntry(ctx, tx, opening); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	item.Counters = counters
	item.Version = version
	item.ReconciliationHold = false
	return nil
}

func (r *equipmentRepository) GetByID(ctx context.Context, id int32) (*domain.EquipmentItem, error) {
	var item domain.EquipmentItem
	query := `SELECT ` + equipmentColumns + ` FROM equipment_items WHERE id = $1`
	if err := scanEquipment(r.db.QueryRowContext(ctx, query, id), &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return &item, nil
}

func (r *equipmentRepository) GetByCode(ctx context.Context, code string) (*domain.EquipmentItem, error) {
	var item domain.EquipmentItem
	query := `SELECT ` + equipmentColumns + ` FROM equipment_items WHERE item_code = $1`
	if err := scanEquipment(r.db.QueryRowContext(ctx, query, code), &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("equipment code %s: %w", code, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return &item, nil
}

// GetSnapshot reads all items with a single statement, which PostgreSQL
// evaluates against one snapshot.
func (r *equipmentRepository) GetSnapshot(ctx context.Context, ids []int32) (map[int32]domain.EquipmentItem, error) {
	want := uniqueSorted(ids)
	query := `SELECT ` + equipmentColumns + ` FROM equipment_items WHERE id = ANY($1)`
	logger.DatabaseCall(ctx, "SELECT", "equipment_items", "ids", want)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(int64s(want)))
	if err != nil {
		logger.DatabaseResult(ctx, "SELECT", 0, err)
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[int32]domain.EquipmentItem, len(want))
	for rows.Next() {
		var item domain.EquipmentItem
		if err := scanEquipment(rows, &item); err != nil {
			return nil, err
		}
		out[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	logger.DatabaseResult(ctx, "SELECT", int64(len(out)), nil)

	for _, id := range want {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
		}
	}
	return out, nil
}

func (r *equipmentRepository) List(ctx context.Context, filter repository.EquipmentFilter) ([]domain.EquipmentItem, error) {
	var conds []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.OnHold != nil {
		args = append(args, *filter.OnHold)
		conds = append(conds, fmt.Sprintf("reconciliation_hold = $%d", len(args)))
	}

	query := `SELECT ` + equipmentColumns + ` FROM equipment_items`
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

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var items []domain.EquipmentItem
	for rows.Next() {
		var item domain.EquipmentItem
		if err := scanEquipment(rows, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *equipmentRepository) ListIDs(ctx context.Context) ([]int32, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM equipment_items ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *equipmentRepository) SetReconciliationHold(ctx context.Context, id int32, hold bool, counters *domain.Counters) error {
	logger.DatabaseCall(ctx, "UPDATE", "equipment_items", "equipmentID", id, "hold", hold)

	var res sql.Result
	var err error
	if counters == nil {
		res, err = r.db.ExecContext(ctx,
			`UPDATE equipment_items SET reconciliation_hold = $1, updated_on = NOW() WHERE id = $2`, hold, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE equipment_items
			 SET reconciliation_hold = $1, quantity_total = $2, quantity_available = $3, quantity_reserved = $4,
			     quantity_on_rent = $5, quantity_damaged = $6, version = version + 1, updated_on = NOW()
			 WHERE id = $7`,
			hold, counters.Total, counters.Available, counters.Reserved, counters.OnRent, counters.Damaged, id)
	}
	if err != nil {
		logger.DatabaseResult(ctx, "UPDATE", 0, err)
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	logger.DatabaseResult(ctx, "UPDATE", n, nil, "equipmentID", id)
	if n == 0 {
		return fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
