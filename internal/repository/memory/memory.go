// Package memory is an in-process implementation of the repositories. It
// keeps the same locking contract as the PostgreSQL store: ledger batches lock
// their items in ascending id order with a bounded wait, and every read of
// several items sees one consistent state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/repository"
)

const defaultLockTimeout = 2 * time.Second

// DB holds all state. mu guards the maps; itemLocks serialize ledger writers
// per equipment item and are held across a whole batch.
type DB struct {
	mu sync.RWMutex

	items     map[int32]*domain.EquipmentItem
	itemLocks map[int32]chan struct{}
	entries   []domain.LedgerEntry

	orders  map[int32]*domain.Order
	records map[int32]*domain.FinancialRecord
	refs    map[string]int32
	series  map[string]int64

	nextItemID   int32
	nextEntryID  int64
	nextOrderID  int32
	nextLineID   int32
	nextRecordID int32

	lockTimeout time.Duration
	now         func() time.Time
}

func New(lockTimeout time.Duration) *DB {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &DB{
		items:       make(map[int32]*domain.EquipmentItem),
		itemLocks:   make(map[int32]chan struct{}),
		orders:      make(map[int32]*domain.Order),
		records:     make(map[int32]*domain.FinancialRecord),
		refs:        make(map[string]int32),
		series:      make(map[string]int64),
		lockTimeout: lockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewStore returns the repositories backed by db.
func NewStore(db *DB) *repository.Store {
	return &repository.Store{
		Equipment: &equipmentRepository{db: db},
		Ledger:    &ledgerRepository{db: db},
		Orders:    &orderRepository{db: db},
		Financial: &financialRepository{db: db},
		Sequences: &sequenceRepository{db: db},
	}
}

// SetClock replaces the time source used for timestamps.
func (d *DB) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// lockItems acquires the per-item locks of ids in ascending order. It gives up
// with ErrLockTimeout once the lock timeout has passed.
func (d *DB) lockItems(ctx context.Context, ids []int32) (func(), error) {
	sorted := uniqueSorted(ids)

	timer := time.NewTimer(d.lockTimeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range sorted {
		d.mu.RLock()
		lock, ok := d.itemLocks[id]
		d.mu.RUnlock()
		if !ok {
			release()
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrNotFound)
		}
		select {
		case lock <- struct{}{}:
			held = append(held, lock)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-timer.C:
			release()
			return nil, fmt.Errorf("equipment %d: %w", id, domain.ErrLockTimeout)
		}
	}
	return release, nil
}

func uniqueSorted(ids []int32) []int32 {
	seen := make(map[int32]bool, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func page[T any](rows []T, limit, offset int32) []T {
	if offset > 0 {
		if int(offset) >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && int(limit) < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
