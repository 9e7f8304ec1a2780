package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

type financialRepository struct {
	db *DB
}

func (r *financialRepository) Commit(ctx context.Context, changes repository.RecordChanges) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()

	batchRefs := make(map[string]bool, len(changes.Create))
	for _, rec := range changes.Create {
		if rec.Reference == "" {
			continue
		}
		if _, exists := d.refs[rec.Reference]; exists || batchRefs[rec.Reference] {
			return fmt.Errorf("record reference %s: %w", rec.Reference, domain.ErrDuplicate)
		}
		batchRefs[rec.Reference] = true
	}
	for _, u := range changes.Update {
		stored, ok := d.records[u.Record.ID]
		if !ok {
			return fmt.Errorf("record %d: %w", u.Record.ID, domain.ErrNotFound)
		}
		if stored.Status != u.ExpectedStatus || stored.Version != u.ExpectedVersion {
			return &domain.StaleSnapshotError{Entity: "financial_record", ID: u.Record.ID, Expected: u.ExpectedVersion, Actual: stored.Version}
		}
	}

	now := d.now()
	for _, rec := range changes.Create {
		d.nextRecordID++
		rec.ID = d.nextRecordID
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		stored := *rec
		d.records[rec.ID] = &stored
		if rec.Reference != "" {
			d.refs[rec.Reference] = rec.ID
		}
	}
	for _, u := range changes.Update {
		u.Record.Version = u.ExpectedVersion + 1
		u.Record.UpdatedAt = now
		stored := *u.Record
		d.records[stored.ID] = &stored
	}
	return nil
}

func (r *financialRepository) GetByID(ctx context.Context, id int32) (*domain.FinancialRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rec, ok := r.db.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, domain.ErrNotFound)
	}
	out := *rec
	return &out, nil
}

func (r *financialRepository) GetByReference(ctx context.Context, reference string) (*domain.FinancialRecord, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	id, ok := r.db.refs[reference]
	if !ok {
		return nil, fmt.Errorf("record reference %s: %w", reference, domain.ErrNotFound)
	}
	out := *r.db.records[id]
	return &out, nil
}

func (r *financialRepository) ListByOrder(ctx context.Context, orderID int32) ([]domain.FinancialRecord, error) {
	return r.list(func(rec *domain.FinancialRecord) bool { return rec.OrderID == orderID }), nil
}

func (r *financialRepository) ListByCustomer(ctx context.Context, customerID int32) ([]domain.FinancialRecord, error) {
	return r.list(func(rec *domain.FinancialRecord) bool { return rec.CustomerID == customerID }), nil
}

func (r *financialRepository) ListOverdueCandidates(ctx context.Context, asOf time.Time) ([]domain.FinancialRecord, error) {
	return r.list(func(rec *domain.FinancialRecord) bool {
		return rec.Kind == domain.RecordInvoice &&
			rec.Status == domain.RecordStatusPending &&
			rec.DueOn != nil && rec.DueOn.Before(asOf)
	}), nil
}

func (r *financialRepository) list(match func(*domain.FinancialRecord) bool) []domain.FinancialRecord {
	r.db.mu.RLock()
	var out []domain.FinancialRecord
	for _, rec := range r.db.records {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	r.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type sequenceRepository struct {
	db *DB
}

func (r *sequenceRepository) Next(ctx context.Context, series string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.series[series]++
	return r.db.series[series], nil
}
