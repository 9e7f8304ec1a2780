package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
	"equipment-rental-backend/internal/repository"
)

const recordColumns = `id, number, kind, order_id, customer_id, related_record_id, COALESCE(reference, ''), amount,
	vat_amount, applied_amount, currency, status, penalty_reason, vendor_name, description, issued_on, due_on,
	settled_on, version, created_by, created_at, updated_at`

type financialRepository struct {
	db *sql.DB
}

func NewFinancialRepository(db *sql.DB) repository.FinancialRepository {
	return &financialRepository{db: db}
}

func scanRecord(row scanner, rec *domain.FinancialRecord) error {
	return row.Scan(&rec.ID, &rec.Number, &rec.Kind, &rec.OrderID, &rec.CustomerID, &rec.RelatedRecordID, &rec.Reference,
		&rec.Amount, &rec.VATAmount, &rec.AppliedAmount, &rec.Currency, &rec.Status, &rec.PenaltyReason, &rec.VendorName,
		&rec.Description, &rec.IssuedOn, &rec.DueOn, &rec.SettledOn, &rec.Version, &rec.CreatedBy, &rec.CreatedAt,
		&rec.UpdatedAt)
}

func (r *financialRepository) Commit(ctx context.Context, changes repository.RecordChanges) error {
	logger.EnterMethod(ctx, "financialRepository.Commit", "create", len(changes.Create), "update", len(changes.Update))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO financial_records (number, kind, order_id, customer_id, related_record_id, reference, amount,
	                                          vat_amount, applied_amount, currency, status, penalty_reason, vendor_name,
	                                          description, issued_on, due_on, settled_on, version, created_by)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18)
	           RETURNING id, version, created_at, updated_at`
	for _, rec := range changes.Create {
		logger.DatabaseCall(ctx, "INSERT", "financial_records", "kind", rec.Kind, "reference", rec.Reference)
		err := tx.QueryRowContext(ctx, insert, rec.Number, rec.Kind, rec.OrderID, rec.CustomerID, rec.RelatedRecordID,
			nullString(rec.Reference), rec.Amount, rec.VATAmount, rec.AppliedAmount, rec.Currency, rec.Status,
			rec.PenaltyReason, rec.VendorName, rec.Description, rec.IssuedOn, rec.DueOn, rec.SettledOn, rec.CreatedBy).
			Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
		logger.DatabaseResult(ctx, "INSERT", 1, err, "recordID", rec.ID)
		if err != nil {
			err = mapError(err)
			logger.ExitMethodWithError(ctx, "financialRepository.Commit", err, "reference", rec.Reference)
			return err
		}
	}

	update := `UPDATE financial_records
	           SET status = $1, applied_amount = $2, related_record_id = $3, description = $4, settled_on = $5,
	               version = version + 1, updated_at = NOW()
	           WHERE id = $6 AND status = $7 AND version = $8
	           RETURNING version, updated_at`
	for _, u := range changes.Update {
		rec := u.Record
		logger.DatabaseCall(ctx, "UPDATE", "financial_records", "recordID", rec.ID, "status", rec.Status)
		err := tx.QueryRowContext(ctx, update, rec.Status, rec.AppliedAmount, rec.RelatedRecordID, rec.Description,
			rec.SettledOn, rec.ID, u.ExpectedStatus, u.ExpectedVersion).Scan(&rec.Version, &rec.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			err = staleRecord(ctx, tx, rec.ID, u.ExpectedVersion)
		} else {
			err = mapError(err)
		}
		logger.DatabaseResult(ctx, "UPDATE", 1, err, "recordID", rec.ID)
		if err != nil {
			logger.ExitMethodWithError(ctx, "financialRepository.Commit", err, "recordID", rec.ID)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	logger.ExitMethod(ctx, "financialRepository.Commit")
	return nil
}

func staleRecord(ctx context.Context, q dbtx, id int32, expected int64) error {
	var actual int64
	if err := q.QueryRowContext(ctx, `SELECT version FROM financial_records WHERE id = $1`, id).Scan(&actual); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %d: %w", id, domain.ErrNotFound)
		}
		return mapError(err)
	}
	return &domain.StaleSnapshotError{Entity: "financial_record", ID: id, Expected: expected, Actual: actual}
}

func (r *financialRepository) GetByID(ctx context.Context, id int32) (*domain.FinancialRecord, error) {
	var rec domain.FinancialRecord
	query := `SELECT ` + recordColumns + ` FROM financial_records WHERE id = $1`
	if err := scanRecord(r.db.QueryRowContext(ctx, query, id), &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %d: %w", id, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return &rec, nil
}

func (r *financialRepository) GetByReference(ctx context.Context, reference string) (*domain.FinancialRecord, error) {
	var rec domain.FinancialRecord
	query := `SELECT ` + recordColumns + ` FROM financial_records WHERE reference = $1`
	if err := scanRecord(r.db.QueryRowContext(ctx, query, reference), &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record reference %s: %w", reference, domain.ErrNotFound)
		}
		return nil, mapError(err)
	}
	return &rec, nil
}

func (r *financialRepository) ListByOrder(ctx context.Context, orderID int32) ([]domain.FinancialRecord, error) {
	return r.list(ctx, `SELECT `+recordColumns+` FROM financial_records WHERE order_id = $1 ORDER BY id`, orderID)
}

func (r *financialRepository) ListByCustomer(ctx context.Context, customerID int32) ([]domain.FinancialRecord, error) {
	return r.list(ctx, `SELECT `+recordColumns+` FROM financial_records WHERE customer_id = $1 ORDER BY id`, customerID)
}

func (r *financialRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]domain.FinancialRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM financial_records
	          WHERE kind = 'invoice' AND status = 'pending' AND due_on < $1 ORDER BY id`
	return r.list(ctx, query, asOf)
}

func (r *financialRepository) list(ctx context.Context, query string, args ...any) ([]domain.FinancialRecord, error) {
	logger.DatabaseCall(ctx, "SELECT", "financial_records")
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.DatabaseResult(ctx, "SELECT", 0, err)
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.FinancialRecord
	for rows.Next() {
		var rec domain.FinancialRecord
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	logger.DatabaseResult(ctx, "SELECT", int64(len(out)), rows.Err())
	return out, rows.Err()
}

type sequenceRepository struct {
	db *sql.DB
}

func NewSequenceRepository(db *sql.DB) repository.SequenceRepository {
	return &sequenceRepository{db: db}
}

func (r *sequenceRepository) Next(ctx context.Context, series string) (int64, error) {
	query := `INSERT INTO number_series (series, last_value) VALUES ($1, 1)
	          ON CONFLICT (series) DO UPDATE SET last_value = number_series.last_value + 1
	          RETURNING last_value`
	var next int64
	logger.DatabaseCall(ctx, "UPSERT", "number_series", "series", series)
	err := r.db.QueryRowContext(ctx, query, series).Scan(&next)
	logger.DatabaseResult(ctx, "UPSERT", 1, err, "series", series, "value", next)
	return next, mapError(err)
}
