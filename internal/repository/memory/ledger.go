package memory

import (
	"context"
	"sort"

	"equipment-rental-backend/internal/domain"
)

type ledgerRepository struct {
	db *DB
}

func (r *ledgerRepository) ApplyBatch(ctx context.Context, entries []*domain.LedgerEntry) ([]domain.EquipmentItem, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	ids := make([]int32, len(entries))
	for i, e := range entries {
		ids[i] = e.EquipmentID
	}

	d := r.db
	unlock, err := d.lockItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Stage against copies; nothing is visible until every entry applies.
	d.mu.RLock()
	staged := make(map[int32]*domain.EquipmentItem, len(ids))
	for _, id := range ids {
		if _, ok := staged[id]; ok {
			continue
		}
		item := *d.items[id]
		staged[id] = &item
	}
	d.mu.RUnlock()

	for _, item := range staged {
		if item.ReconciliationHold {
			return nil, &domain.ReconciliationError{
				EquipmentID: item.ID,
				Stored:      item.Counters,
				Detail:      "item is on reconciliation hold",
			}
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

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	now := d.now()
	for _, e := range entries {
		d.nextEntryID++
		e.ID = d.nextEntryID
		e.CreatedAt = now
		d.entries = append(d.entries, *e)
	}
	out := make([]domain.EquipmentItem, 0, len(staged))
	for id, item := range staged {
		item.UpdatedOn = now
		d.items[id] = item
		out = append(out, *item)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ledgerRepository) ListByItem(ctx context.Context, equipmentID int32) ([]domain.LedgerEntry, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range r.db.entries {
		if e.EquipmentID == equipmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *ledgerRepository) ListByOrders(ctx context.Context, orderIDs []int32) ([]domain.LedgerEntry, error) {
	want := make(map[int32]bool, len(orderIDs))
	for _, id := range orderIDs {
		want[id] = true
	}

	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var out []domain.LedgerEntry
	for _, e := range r.db.entries {
		if e.OrderID != nil && want[*e.OrderID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *ledgerRepository) ListOpenHoldings(ctx context.Context) ([]domain.Holding, error) {
	r.db.mu.RLock()
	byOrder := make(map[int32][]domain.LedgerEntry)
	for _, e := range r.db.entries {
		if e.OrderID != nil {
			byOrder[*e.OrderID] = append(byOrder[*e.OrderID], e)
		}
	}
	r.db.mu.RUnlock()

	var out []domain.Holding
	for _, entries := range byOrder {
		for _, h := range domain.Holdings(entries) {
			if h.Reserved > 0 {
				out = append(out, *h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].EquipmentID < out[j].EquipmentID
	})
	return out, nil
}
