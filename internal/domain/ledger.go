package domain

import (
	"fmt"
	"time"
)

type EntryType string

const (
	EntryReserve    EntryType = "reserve"
	EntryRelease    EntryType = "release"
	EntryDispatch   EntryType = "dispatch"
	EntryReturn     EntryType = "return"
	EntryDamage     EntryType = "damage"
	EntryRepair     EntryType = "repair"
	EntryWriteOff   EntryType = "write_off"
	EntryAdjustment EntryType = "adjustment"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryReserve, EntryRelease, EntryDispatch, EntryReturn, EntryDamage,
		EntryRepair, EntryWriteOff, EntryAdjustment:
		return true
	}
	return false
}

// OrderBound reports whether entries of this type move stock held by an
// order's reservation. Those are booked only by reservations and order
// transitions, which keep the order's holding in step.
func (t EntryType) OrderBound() bool {
	switch t {
	case EntryReserve, EntryRelease, EntryDispatch, EntryReturn:
		return true
	}
	return false
}

// RequiresApproval reports whether an entry of this type needs a reason and an
// approving actor.
func (t EntryType) RequiresApproval() bool {
	return t == EntryAdjustment || t == EntryWriteOff
}

// LedgerEntry is one immutable quantity-affecting event. OrderID names the
// order whose reservation the entry belongs to; Reference is the number of the
// document that requested it.
type LedgerEntry struct {
	ID              int64     `json:"id"`
	EquipmentID     int32     `json:"equipment_id"`
	Type            EntryType `json:"type"`
	Delta           int32     `json:"delta"`
	DamagedQuantity int32     `json:"damaged_quantity,omitempty"`
	OrderID         *int32    `json:"order_id,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	BatchID         string    `json:"batch_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	ActorID         int32     `json:"actor_id"`
	ApprovedBy      *int32    `json:"approved_by,omitempty"`
	Approved        bool      `json:"approved"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the entry's shape without looking at any counters.
func (e *LedgerEntry) Validate() error {
	if e.EquipmentID <= 0 {
		return NewValidationError("equipment_id", "must be positive")
	}
	if !e.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown entry type %q", e.Type))
	}
	if e.Type == EntryAdjustment {
		if e.Delta == 0 {
			return NewValidationError("delta", "adjustment must be nonzero")
		}
	} else if e.Delta <= 0 {
		return NewValidationError("delta", "must be positive")
	}
	if e.DamagedQuantity != 0 {
		if e.Type != EntryReturn {
			return NewValidationError("damaged_quantity", "only return entries carry damaged units")
		}
		if e.DamagedQuantity < 0 || e.DamagedQuantity > e.Delta {
			return NewValidationError("damaged_quantity", "must be between 0 and the returned quantity")
		}
	}
	if e.Type.RequiresApproval() {
		if e.Reason == "" {
			return NewValidationError("reason", fmt.Sprintf("%s requires a reason", e.Type))
		}
		if e.ApprovedBy == nil {
			return NewValidationError("approved_by", fmt.Sprintf("%s requires an approver", e.Type))
		}
	}
	return nil
}

// Apply returns the counters that result from applying e. The receiver is left
// untouched when the entry cannot be applied.
func (c Counters) Apply(e *LedgerEntry) (Counters, error) {
	if !c.Balanced() {
		return c, &ReconciliationError{EquipmentID: e.EquipmentID, Stored: c, Detail: fmt.Sprintf("counters %s are not balanced", c)}
	}
	short := func(counter string, have int32) error {
		return &InsufficientQuantityError{EquipmentID: e.EquipmentID, Counter: counter, Requested: e.Delta, Available: have}
	}

	next := c
	q := e.Delta
	switch e.Type {
	case EntryReserve:
		if c.Available < q {
			return c, short("available", c.Available)
		}
		next.Available -= q
		next.Reserved += q
	case EntryRelease:
		if c.Reserved < q {
			return c, short("reserved", c.Reserved)
		}
		next.Reserved -= q
		next.Available += q
	case EntryDispatch:
		if c.Reserved < q {
			return c, short("reserved", c.Reserved)
		}
		next.Reserved -= q
		next.OnRent += q
	case EntryReturn:
		if c.OnRent < q {
			return c, short("on_rent", c.OnRent)
		}
		next.OnRent -= q
		next.Available += q - e.DamagedQuantity
		next.Damaged += e.DamagedQuantity
	case EntryDamage:
		if c.Available < q {
			return c, short("available", c.Available)
		}
		next.Available -= q
		next.Damaged += q
	case EntryRepair:
		if c.Damaged < q {
			return c, short("damaged", c.Damaged)
		}
		next.Damaged -= q
		next.Available += q
	case EntryWriteOff:
		if c.Damaged < q {
			return c, short("damaged", c.Damaged)
		}
		next.Damaged -= q
		next.Total -= q
	case EntryAdjustment:
		if c.Available+q < 0 {
			return c, &InsufficientQuantityError{EquipmentID: e.EquipmentID, Counter: "available", Requested: -q, Available: c.Available}
		}
		next.Available += q
		next.Total += q
	default:
		return c, NewValidationError("type", fmt.Sprintf("unknown entry type %q", e.Type))
	}

	if !next.Balanced() {
		return c, short("total", c.Total)
	}
	return next, nil
}

// Replay folds entries over zero counters. Any entry that cannot be applied
// means the ledger itself is inconsistent.
func Replay(equipmentID int32, entries []LedgerEntry) (Counters, error) {
	var c Counters
	for i := range entries {
		next, err := c.Apply(&entries[i])
		if err != nil {
			return c, &ReconciliationError{
				EquipmentID: equipmentID,
				Replayed:    c,
				Detail:      fmt.Sprintf("entry %d (%s %d) cannot be replayed: %v", entries[i].ID, entries[i].Type, entries[i].Delta, err),
			}
		}
		c = next
	}
	return c, nil
}

// Holding is what one order's reservation currently holds of one item.
type Holding struct {
	OrderID     int32     `json:"order_id"`
	EquipmentID int32     `json:"equipment_id"`
	Reserved    int32     `json:"reserved"`
	OnRent      int32     `json:"on_rent"`
	LastEntryAt time.Time `json:"last_entry_at"`
}

// Holdings sums reservation-related entries per equipment item.
func Holdings(entries []LedgerEntry) map[int32]*Holding {
	out := make(map[int32]*Holding)
	for _, e := range entries {
		h, ok := out[e.EquipmentID]
		if !ok {
			h = &Holding{EquipmentID: e.EquipmentID}
			if e.OrderID != nil {
				h.OrderID = *e.OrderID
			}
			out[e.EquipmentID] = h
		}
		switch e.Type {
		case EntryReserve:
			h.Reserved += e.Delta
		case EntryRelease:
			h.Reserved -= e.Delta
		case EntryDispatch:
			h.Reserved -= e.Delta
			h.OnRent += e.Delta
		case EntryReturn:
			h.OnRent -= e.Delta
		}
		if e.CreatedAt.After(h.LastEntryAt) {
			h.LastEntryAt = e.CreatedAt
		}
	}
	return out
}
