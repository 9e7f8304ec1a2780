package memory

import (
	"context"
	"fmt"
	"sort"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

type equipmentRepository struct {
	db *DB
}

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

	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.items {
		if existing.ItemCode == item.ItemCode {
			return fmt.Errorf("equipment code %s: %w", item.ItemCode, domain.ErrDuplicate)
		}
	}

	d.nextItemID++
	now := d.now()
	item.ID = d.nextItemID
	item.Counters = counters
	item.Version = version
	item.ReconciliationHold = false
	item.CreatedOn = now
	item.UpdatedOn = now

	if opening != nil {
		d.nextEntryID++
		opening.ID = d.nextEntryID
		opening.EquipmentID = item.ID
		opening.CreatedAt = now
		d.entries = append(d.entries, *opening)
	}

	stored := *item
	d.items[item.ID] = &stored
	d.itemLocks[item.ID] = make(chan struct{}, 1)
	return nil
}

func (r *equipmentRepository) GetByID(ctx context.Context, id int32) (*domain.EquipmentItem, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	item, ok := r.db.items[id]
	if !ok {
		return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
	}
	out := *item
	return &out, nil
}

func (r *equipmentRepository) GetByCode(ctx context.Context, code string) (*domain.EquipmentItem, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	for _, item := range r.db.items {
		if item.ItemCode == code {
			out := *item
			return &out, nil
		}
	}
	return nil, fmt.Errorf("equipment code %s: %w", code, domain.ErrNotFound)
}

func (r *equipmentRepository) GetSnapshot(ctx context.Context, ids []int32) (map[int32]domain.EquipmentItem, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	out := make(map[int32]domain.EquipmentItem, len(ids))
	for _, id := range ids {
		item, ok := r.db.items[id]
		if !ok {
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
		}
		out[id] = *item
	}
	return out, nil
}

func (r *equipmentRepository) List(ctx context.Context, filter repository.EquipmentFilter) ([]domain.EquipmentItem, error) {
	r.db.mu.RLock()
	var items []domain.EquipmentItem
	for _, item := range r.db.items {
		if filter.Category != "" && item.Category != filter.Category {
			continue
		}
		if filter.OnHold != nil && item.ReconciliationHold != *filter.OnHold {
			continue
		}
		items = append(items, *item)
	}
	r.db.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return page(items, filter.Limit, filter.Offset), nil
}

func (r *equipmentRepository) ListIDs(ctx context.Context) ([]int32, error) {
	r.db.mu.RLock()
	ids := make([]int32, 0, len(r.db.items))
	for id := range r.db.items {
		ids = append(ids, id)
	}
	r.db.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *equipmentRepository) SetReconciliationHold(ctx context.Context, id int32, hold bool, counters *domain.Counters) error {
	unlock, err := r.db.lockItems(ctx, []int32{id})
	if err != nil {
		return err
	}
	defer unlock()

	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()

	item := d.items[id]
	item.ReconciliationHold = hold
	if counters != nil {
		item.Counters = *counters
		item.Version++
	}
	item.UpdatedOn = d.now()
	return nil
}
