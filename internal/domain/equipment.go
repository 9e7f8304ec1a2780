package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Counters are the quantity buckets of one equipment item.
type Counters struct {
	Total     int32 `json:"quantity_total"`
	Available int32 `json:"quantity_available"`
	Reserved  int32 `json:"quantity_reserved"`
	OnRent    int32 `json:"quantity_on_rent"`
	Damaged   int32 `json:"quantity_damaged"`
}

// Balanced reports whether total equals the sum of the buckets and no bucket
// is negative.
func (c Counters) Balanced() bool {
	if c.Total < 0 || c.Available < 0 || c.Reserved < 0 || c.OnRent < 0 || c.Damaged < 0 {
		return false
	}
	return c.Total == c.Available+c.Reserved+c.OnRent+c.Damaged
}

func (c Counters) String() string {
	return fmt.Sprintf("{total:%d available:%d reserved:%d on_rent:%d damaged:%d}",
		c.Total, c.Available, c.Reserved, c.OnRent, c.Damaged)
}

type EquipmentItem struct {
	ID          int32           `json:"id"`
	ItemCode    string          `json:"item_code"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Unit        string          `json:"unit"`
	DailyRate   decimal.Decimal `json:"daily_rate"`
	WeeklyRate  decimal.Decimal `json:"weekly_rate"`
	MonthlyRate decimal.Decimal `json:"monthly_rate"`
	Currency    string          `json:"currency"`
	Counters
	// Version increases by one with every ledger entry applied to the item.
	Version            int64     `json:"version"`
	ReconciliationHold bool      `json:"reconciliation_hold"`
	CreatedOn          time.Time `json:"created_on"`
	UpdatedOn          time.Time `json:"updated_on"`
}

// RateFor returns the item's list rate for a rate basis.
func (e *EquipmentItem) RateFor(basis RateBasis) decimal.Decimal {
	switch basis {
	case RateBasisWeek:
		return e.WeeklyRate
	case RateBasisMonth:
		return e.MonthlyRate
	default:
		return e.DailyRate
	}
}
