package memory

import (
	"context"
	"fmt"
	"sort"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

type orderRepository struct {
	db *DB
}

func (r *orderRepository) Create(ctx context.Context, o *domain.Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.db.insertOrder(o)
	return nil
}

// insertOrder requires d.mu held for writing.
func (d *DB) insertOrder(o *domain.Order) {
	now := d.now()
	d.nextOrderID++
	o.ID = d.nextOrderID
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	d.assignLineIDs(o)
	d.orders[o.ID] = o.Clone()
}

func (d *DB) assignLineIDs(o *domain.Order) {
	for i := range o.Lines {
		l := &o.Lines[i]
		l.OrderID = o.ID
		if l.LineNo == 0 {
			l.LineNo = int32(i + 1)
		}
		if l.ID == 0 {
			d.nextLineID++
			l.ID = d.nextLineID
		}
	}
}

func (r *orderRepository) GetByID(ctx context.Context, id int32) (*domain.Order, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	o, ok := r.db.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

func (r *orderRepository) Update(ctx context.Context, o *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if err := r.db.checkOrder(o.ID, expectedStatus, expectedVersion); err != nil {
		return err
	}
	r.db.storeOrder(o, expectedVersion)
	return nil
}

func (r *orderRepository) Convert(ctx context.Context, source *domain.Order, expectedStatus domain.OrderStatus, expectedVersion int64, target *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if err := r.db.checkOrder(source.ID, expectedStatus, expectedVersion); err != nil {
		return err
	}
	r.db.storeOrder(source, expectedVersion)
	r.db.insertOrder(target)
	return nil
}

func (d *DB) checkOrder(id int32, expectedStatus domain.OrderStatus, expectedVersion int64) error {
	stored, ok := d.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
	}
	if stored.Status != expectedStatus || stored.Version != expectedVersion {
		return &domain.StaleSnapshotError{Entity: "order", ID: id, Expected: expectedVersion, Actual: stored.Version}
	}
	return nil
}

func (d *DB) storeOrder(o *domain.Order, expectedVersion int64) {
	o.Version = expectedVersion + 1
	o.UpdatedAt = d.now()
	d.assignLineIDs(o)
	d.orders[o.ID] = o.Clone()
}

func (r *orderRepository) ListByReservationRef(ctx context.Context, ref int32) ([]domain.Order, error) {
	r.db.mu.RLock()
	var out []domain.Order
	for _, o := range r.db.orders {
		if o.ID == ref || o.ReservationRef == ref {
			out = append(out, *o.Clone())
		}
	}
	r.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *orderRepository) List(ctx context.Context, filter repository.OrderFilter) ([]domain.Order, error) {
	r.db.mu.RLock()
	var out []domain.Order
	for _, o := range r.db.orders {
		if filter.Kind != "" && o.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.CustomerID != 0 && o.CustomerID != filter.CustomerID {
			continue
		}
		out = append(out, *o.Clone())
	}
	r.db.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}
