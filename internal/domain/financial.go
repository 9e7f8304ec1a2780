package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type RecordKind string

const (
	RecordInvoice    RecordKind = "invoice"
	RecordPayment    RecordKind = "payment"
	RecordDeposit    RecordKind = "deposit"
	RecordPenalty    RecordKind = "penalty"
	RecordVendorCost RecordKind = "vendor_cost"
)

// NumberPrefix is the numbering series prefix for records of this kind.
func (k RecordKind) NumberPrefix() string {
	switch k {
	case RecordInvoice:
		return "INV"
	case RecordPayment:
		return "PAY"
	case RecordDeposit:
		return "DEP"
	case RecordPenalty:
		return "PEN"
	default:
		return "VC"
	}
}

type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusPaid     RecordStatus = "paid"
	RecordStatusOverdue  RecordStatus = "overdue"
	RecordStatusHeld     RecordStatus = "held"
	RecordStatusReturned RecordStatus = "returned"
	RecordStatusApplied  RecordStatus = "applied"
	RecordStatusRejected RecordStatus = "rejected"
)

type PenaltyReason string

const (
	PenaltyLateReturn        PenaltyReason = "late_return"
	PenaltyDamage            PenaltyReason = "damage"
	PenaltyMissingItems      PenaltyReason = "missing_items"
	PenaltyContractViolation PenaltyReason = "contract_violation"
)

func (r PenaltyReason) Valid() bool {
	switch r {
	case PenaltyLateReturn, PenaltyDamage, PenaltyMissingItems, PenaltyContractViolation:
		return true
	}
	return false
}

// FinancialRecord is an invoice, payment, deposit, penalty or vendor cost
// attached to an order. AppliedAmount is what has been paid against an invoice
// or penalty, or consumed from a deposit by penalties.
type FinancialRecord struct {
	ID              int32           `json:"id"`
	Number          string          `json:"number"`
	Kind            RecordKind      `json:"kind"`
	OrderID         int32           `json:"order_id"`
	CustomerID      int32           `json:"customer_id"`
	RelatedRecordID *int32          `json:"related_record_id,omitempty"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	AppliedAmount   decimal.Decimal `json:"applied_amount"`
	Currency        string          `json:"currency"`
	Status          RecordStatus    `json:"status"`
	PenaltyReason   PenaltyReason   `json:"penalty_reason,omitempty"`
	VendorName      string          `json:"vendor_name,omitempty"`
	Description     string          `json:"description"`
	IssuedOn        time.Time       `json:"issued_on"`
	DueOn           *time.Time      `json:"due_on,omitempty"`
	SettledOn       *time.Time      `json:"settled_on,omitempty"`
	Version         int64           `json:"version"`
	CreatedBy       int32           `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Outstanding is the part of the amount not yet covered.
func (r *FinancialRecord) Outstanding() decimal.Decimal {
	return r.Amount.Sub(r.AppliedAmount)
}

type RecordEvent string

const (
	RecordEventRecordPayment  RecordEvent = "record_payment"
	RecordEventMarkOverdue    RecordEvent = "mark_overdue"
	RecordEventReceiveDeposit RecordEvent = "receive_deposit"
	RecordEventRefundDeposit  RecordEvent = "refund_deposit"
	RecordEventApplyPenalty   RecordEvent = "apply_penalty"
	RecordEventWaivePenalty   RecordEvent = "waive_penalty"
	RecordEventVoid           RecordEvent = "void"
)

type recordKey struct {
	kind  RecordKind
	from  RecordStatus
	event RecordEvent
}

// Payments may leave a record in its current status until it is fully
// covered, so record_payment rows name the status reached on full settlement.
var recordTransitions = map[recordKey]RecordStatus{
	{RecordInvoice, RecordStatusPending, RecordEventRecordPayment}:    RecordStatusPaid,
	{RecordInvoice, RecordStatusOverdue, RecordEventRecordPayment}:    RecordStatusPaid,
	{RecordInvoice, RecordStatusPending, RecordEventMarkOverdue}:      RecordStatusOverdue,
	{RecordInvoice, RecordStatusPending, RecordEventVoid}:             RecordStatusRejected,
	{RecordDeposit, RecordStatusPending, RecordEventReceiveDeposit}:   RecordStatusHeld,
	{RecordDeposit, RecordStatusHeld, RecordEventRefundDeposit}:       RecordStatusReturned,
	{RecordDeposit, RecordStatusPending, RecordEventVoid}:             RecordStatusRejected,
	{RecordPenalty, RecordStatusPending, RecordEventApplyPenalty}:     RecordStatusApplied,
	{RecordPenalty, RecordStatusPending, RecordEventWaivePenalty}:     RecordStatusRejected,
	{RecordPenalty, RecordStatusApplied, RecordEventRecordPayment}:    RecordStatusPaid,
	{RecordVendorCost, RecordStatusPending, RecordEventRecordPayment}: RecordStatusPaid,
	{RecordVendorCost, RecordStatusPending, RecordEventVoid}:          RecordStatusRejected,
}

func NextRecordStatus(kind RecordKind, from RecordStatus, event RecordEvent) (RecordStatus, bool) {
	to, ok := recordTransitions[recordKey{kind, from, event}]
	return to, ok
}

func AllowedRecordEvents(kind RecordKind, from RecordStatus) []RecordEvent {
	var events []RecordEvent
	for key := range recordTransitions {
		if key.kind == kind && key.from == from {
			events = append(events, key.event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// BalanceSummary is a customer's outstanding-balance view.
type BalanceSummary struct {
	CustomerID           int32           `json:"customer_id"`
	InvoicesOutstanding  decimal.Decimal `json:"invoices_outstanding"`
	PenaltiesOutstanding decimal.Decimal `json:"penalties_outstanding"`
	PenaltiesPending     decimal.Decimal `json:"penalties_pending"`
	DepositsHeld         decimal.Decimal `json:"deposits_held"`
	Outstanding          decimal.Decimal `json:"outstanding"`
}
