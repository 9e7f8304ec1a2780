package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

const ledgerColumns = `id, equipment_id, entry_type, delta, damaged_quantity, order_id, reference, batch_id,
	reason, actor_id, approved_by, approved, created_at`

type ledgerRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewLedgerRepository(db *sql.DB, lockTimeout time.Duration) repository.LedgerRepository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &ledgerRepository{db: db, lockTimeout: lockTimeout}
}

func scanEntry(row scanner, e *domain.LedgerEntry) error {
	return row.Scan(&e.ID, &e.EquipmentID, &e.Type, &e.Delta, &e.DamagedQuantity, &e.OrderID,
		&e.Reference, &e.BatchID, &e.Reason, &e.ActorID, &e.ApprovedBy, &e.Approved, &e.CreatedAt)
}

// ApplyBatch runs in one transaction: lock the touched rows in id order, stage
// every entry against the locked counters, then insert the entries and write
// the counters back.
func (r *ledgerRepository) ApplyBatch(ctx context.Context, entries []*domain.LedgerEntry) ([]domain.EquipmentItem, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	logger.EnterMethod(ctx, "ledgerRepository.ApplyBatch", "entries", len(entries))

	ids := make([]int32, len(entries))
	for i, e := range entries {
		ids[i] = e.EquipmentID
	}
	ids = uniqueSorted(ids)

	items, err := r.applyBatch(ctx, ids, entries)
	if err != nil {
		logger.ExitMethodWithError(ctx, "ledgerRepository.ApplyBatch", err, "equipmentIDs", ids)
		return nil, err
	}
	logger.ExitMethod(ctx, "ledgerRepository.ApplyBatch", "equipmentIDs", ids)
	return items, nil
}

func (r *ledgerRepository) applyBatch(ctx context.Context, ids []int32, entries []*domain.LedgerEntry) ([]domain.EquipmentItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return nil, mapError(err)
	}

	logger.DatabaseCall(ctx, "SELECT FOR UPDATE", "equipment_items", "ids", ids)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+equipmentColumns+` FROM equipment_items WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		pq.Array(int64s(ids)))
	if err != nil {
		logger.DatabaseResult(ctx, "SELECT FOR UPDATE", 0, mapError(err))
		return nil, mapError(err)
	}
	staged := make(map[int32]*domain.EquipmentItem, len(ids))
	for rows.Next() {
		var item domain.EquipmentItem
		if err := scanEquipment(rows, &item); err != nil {
			rows.Close()
			return nil, err
		}
		staged[item.ID] = &item
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	logger.DatabaseResult(ctx, "SELECT FOR UPDATE", int64(len(staged)), nil)

	for _, id := range ids {
		item, ok := staged[id]
		if !ok {
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
		}
		if item.ReconciliationHold {
			return nil, &domain.ReconciliationError{EquipmentID: id, Stored: item.Counters, Detail: "item is on reconciliation hold"}
		}
	}

	for _, e := range entries {
		item := staged[e.EquipmentID]
		next, err := item.Counters.Apply(e)
		if err != nil {
			return nil, err
		}
		item.Counters = next
		item.Version++
	}

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	logger.DatabaseResult(ctx, "INSERT", int64(len(entries)), nil, "table", "ledger_entries")

	update := `UPDATE equipment_items
	           SET quantity_total = $1, quantity_available = $2, quantity_reserved = $3, quantity_on_rent = $4,
	               quantity_damaged = $5, version = $6, updated_on = NOW()
	           WHERE id = $7 RETURNING updated_on`
	out := make([]domain.EquipmentItem, 0, len(ids))
	for _, id := range ids {
		item := staged[id]
		c := item.Counters
		if err := tx.QueryRowContext(ctx, update, c.Total, c.Available, c.Reserved, c.OnRent, c.Damaged, item.Version, id).
			Scan(&item.UpdatedOn); err != nil {
			return nil, mapError(err)
		}
		out = append(out, *item)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *domain.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (equipment_id, entry_type, delta, damaged_quantity, order_id, reference, batch_id,
	                                      reason, actor_id, approved_by, approved)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id, created_at`
	err := tx.QueryRowContext(ctx, query, e.EquipmentID, e.Type, e.Delta, e.DamagedQuantity, e.OrderID,
		e.Reference, e.BatchID, e.Reason, e.ActorID, e.ApprovedBy, e.Approved).Scan(&e.ID, &e.CreatedAt)
	return mapError(err)
}

func (r *ledgerRepository) ListByItem(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE equipment_id = $1 ORDER BY id`
	return r.list(ctx, query, equipmentID)
}

func (r *ledgerRepository) ListByOrders(ctx context.Context, orderIDs []int32) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE order_id = ANY($1) ORDER BY id`
	return r.list(ctx, query, pq.Array(int64s(orderIDs)))
}

func (r *ledgerRepository) list(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	logger.DatabaseCall(ctx, "SELECT", "ledger_entries")
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.DatabaseResult(ctx, "SELECT", 0, err)
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	logger.DatabaseResult(ctx, "SELECT", int64(len(entries)), rows.Err())
	return entries, rows.Err()
}

func (r *ledgerRepository) ListOpenHoldings(ctx context.Context) ([]domain.Holding, error) {
	query := `
		SELECT order_id, equipment_id,
		       SUM(CASE entry_type WHEN 'reserve' THEN delta WHEN 'release' THEN -delta WHEN 'dispatch' THEN -delta ELSE 0 END) AS reserved,
		       SUM(CASE entry_type WHEN 'dispatch' THEN delta WHEN 'return' THEN -delta ELSE 0 END) AS on_rent,
		       MAX(created_at) AS last_entry_at
		FROM ledger_entries
		WHERE order_id IS NOT NULL
		GROUP BY order_id, equipment_id
		HAVING SUM(CASE entry_type WHEN 'reserve' THEN delta WHEN 'release' THEN -delta WHEN 'dispatch' THEN -delta ELSE 0 END) > 0
		ORDER BY order_id, equipment_id`
	logger.DatabaseCall(ctx, "SELECT", "ledger_entries", "purpose", "open holdings")

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.OrderID, &h.EquipmentID, &h.Reserved, &h.OnRent, &h.LastEntryAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	logger.DatabaseResult(ctx, "SELECT", int64(len(out)), nil)
	return out, nil
}
