package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderKind string

const (
	OrderKindQuotation  OrderKind = "quotation"
	OrderKindSalesOrder OrderKind = "sales_order"
	OrderKindContract   OrderKind = "contract"
)

func (k OrderKind) Valid() bool {
	return k == OrderKindQuotation || k == OrderKindSalesOrder || k == OrderKindContract
}

// NumberPrefix is the numbering series prefix for documents of this kind.
func (k OrderKind) NumberPrefix() string {
	switch k {
	case OrderKindQuotation:
		return "QT"
	case OrderKindSalesOrder:
		return "SO"
	default:
		return "RC"
	}
}

type OrderStatus string

const (
	OrderStatusDraft           OrderStatus = "draft"
	OrderStatusPendingApproval OrderStatus = "pending_approval"
	OrderStatusApproved        OrderStatus = "approved"
	OrderStatusConverted       OrderStatus = "converted"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusExtended        OrderStatus = "extended"
	OrderStatusReturned        OrderStatus = "returned"
	OrderStatusClosed          OrderStatus = "closed"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no event can leave the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusClosed, OrderStatusCancelled, OrderStatusRejected, OrderStatusConverted:
		return true
	}
	return false
}

type StockCheckStatus string

const (
	StockCheckPending     StockCheckStatus = "pending"
	StockCheckChecking    StockCheckStatus = "checking"
	StockCheckAvailable   StockCheckStatus = "available"
	StockCheckPartial     StockCheckStatus = "partial"
	StockCheckUnavailable StockCheckStatus = "unavailable"
)

type RateBasis string

const (
	RateBasisDay   RateBasis = "day"
	RateBasisWeek  RateBasis = "week"
	RateBasisMonth RateBasis = "month"
)

func (b RateBasis) Valid() bool {
	return b == RateBasisDay || b == RateBasisWeek || b == RateBasisMonth
}

// DepositTerms are agreed before a contract can be activated.
type DepositTerms struct {
	Amount  decimal.Decimal `json:"amount"`
	DueDays int32           `json:"due_days"`
}

type OrderLine struct {
	ID                int32           `json:"id"`
	OrderID           int32           `json:"order_id"`
	LineNo            int32           `json:"line_no"`
	EquipmentID       int32           `json:"equipment_id"`
	Description       string          `json:"description"`
	Quantity          int32           `json:"quantity"`
	QuantityAvailable int32           `json:"quantity_available"`
	UnitRate          decimal.Decimal `json:"unit_rate"`
	RateBasis         RateBasis       `json:"rate_basis"`
	Duration          int32           `json:"duration"`
	WastageCharges    decimal.Decimal `json:"wastage_charges"`
	CuttingCharges    decimal.Decimal `json:"cutting_charges"`
	LineTotal         decimal.Decimal `json:"line_total"`
}

// Order is one demand record. Quotations, sales orders and contracts are
// successive documents linked through SourceOrderID. ReservationRef is the id
// of the sales order whose ledger entries hold stock for the chain.
type Order struct {
	ID              int32            `json:"id"`
	Number          string           `json:"number"`
	Kind            OrderKind        `json:"kind"`
	SourceOrderID   *int32           `json:"source_order_id,omitempty"`
	ReservationRef  int32            `json:"reservation_ref,omitempty"`
	CustomerID      int32            `json:"customer_id"`
	CustomerName    string           `json:"customer_name"`
	ProjectName     string           `json:"project_name"`
	SiteLocation    string           `json:"site_location"`
	Currency        string           `json:"currency"`
	RentalStart     *time.Time       `json:"rental_start,omitempty"`
	RentalEnd       *time.Time       `json:"rental_end,omitempty"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	VATRate         decimal.Decimal  `json:"vat_rate"`
	VATAmount       decimal.Decimal  `json:"vat_amount"`
	Total           decimal.Decimal  `json:"total"`
	DepositTerms    *DepositTerms    `json:"deposit_terms,omitempty"`
	Status          OrderStatus      `json:"status"`
	StockCheck      StockCheckStatus `json:"stock_check_status"`
	ReservationHeld bool             `json:"reservation_held"`
	Lines           []OrderLine      `json:"lines"`
	Version         int64            `json:"version"`
	CreatedBy       int32            `json:"created_by"`
	ApprovedBy      *int32           `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers can stage changes without touching the
// original.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	if o.DepositTerms != nil {
		t := *o.DepositTerms
		c.DepositTerms = &t
	}
	return &c
}

// Quantities aggregates ordered quantity per equipment item.
func (o *Order) Quantities() map[int32]int32 {
	out := make(map[int32]int32, len(o.Lines))
	for _, l := range o.Lines {
		out[l.EquipmentID] += l.Quantity
	}
	return out
}

// EquipmentIDs returns the distinct items referenced by the lines, in line order.
func (o *Order) EquipmentIDs() []int32 {
	seen := make(map[int32]bool, len(o.Lines))
	var ids []int32
	for _, l := range o.Lines {
		if !seen[l.EquipmentID] {
			seen[l.EquipmentID] = true
			ids = append(ids, l.EquipmentID)
		}
	}
	return ids
}

// ReservationOwner is the order id ledger entries for this order are booked
// against.
func (o *Order) ReservationOwner() int32 {
	if o.ReservationRef != 0 {
		return o.ReservationRef
	}
	return o.ID
}

// FormatNumber renders a document number such as RC-25-007.
func FormatNumber(prefix string, at time.Time, seq int64) string {
	return fmt.Sprintf("%s-%02d-%03d", prefix, at.Year()%100, seq)
}

// SeriesKey names the numbering series a document number is drawn from.
func SeriesKey(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%02d", prefix, at.Year()%100)
}

// LineResult is the availability of one order line at a snapshot.
type LineResult struct {
	LineID            int32 `json:"line_id"`
	EquipmentID       int32 `json:"equipment_id"`
	QuantityOrdered   int32 `json:"quantity_ordered"`
	QuantityAvailable int32 `json:"quantity_available"`
	IsAvailable       bool  `json:"is_available"`
}

type AvailabilityReport struct {
	OrderID      int32            `json:"order_id"`
	Status       StockCheckStatus `json:"status"`
	Lines        []LineResult     `json:"lines"`
	OrderVersion int64            `json:"order_version"`
}

// AggregateStockStatus classifies a set of line results.
func AggregateStockStatus(lines []LineResult) StockCheckStatus {
	if len(lines) == 0 {
		return StockCheckUnavailable
	}
	full, some := 0, 0
	for _, l := range lines {
		if l.IsAvailable {
			full++
		}
		if l.QuantityAvailable > 0 {
			some++
		}
	}
	switch {
	case full == len(lines):
		return StockCheckAvailable
	case some == 0:
		return StockCheckUnavailable
	default:
		return StockCheckPartial
	}
}
