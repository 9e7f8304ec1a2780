package domain

import "sort"

type Event string

const (
	EventSendForApproval     Event = "send_for_approval"
	EventApprove             Event = "approve"
	EventReject              Event = "reject"
	EventCancel              Event = "cancel"
	EventConvertToSalesOrder Event = "convert_to_sales_order"
	EventConvertToContract   Event = "convert_to_contract"
	EventApproveContract     Event = "approve_contract"
	EventDispatch            Event = "dispatch"
	EventExtend              Event = "extend"
	EventReturnEquipment     Event = "return_equipment"
	EventClose               Event = "close"
)

// Guard names a precondition evaluated against current order, ledger and
// finance state before a transition is applied.
type Guard string

const (
	GuardHasLines             Guard = "has_lines"
	GuardStockChecked         Guard = "stock_checked"
	GuardApproverRole         Guard = "approver_role"
	GuardReservationHeld      Guard = "reservation_held"
	GuardDepositTermsRecorded Guard = "deposit_terms_recorded"
	GuardReservedOutstanding  Guard = "reserved_outstanding"
	GuardLaterRentalEnd       Guard = "later_rental_end"
	GuardAllDispatched        Guard = "all_dispatched"
	GuardNothingOnRent        Guard = "nothing_on_rent"
	GuardDepositSettled       Guard = "deposit_settled"
	GuardPenaltiesApplied     Guard = "penalties_applied"
)

// Effect names the ledger or record work a transition requests.
type Effect string

const (
	EffectNone                   Effect = ""
	EffectCommitReservation      Effect = "commit_reservation"
	EffectReleaseReservation     Effect = "release_reservation"
	EffectCreateSalesOrder       Effect = "create_sales_order"
	EffectCreateContract         Effect = "create_contract"
	EffectIssueActivationRecords Effect = "issue_activation_records"
	EffectDispatch               Effect = "dispatch"
	EffectReprice                Effect = "reprice"
	EffectReturn                 Effect = "return"
	EffectCancelContract         Effect = "cancel_contract"
)

type Transition struct {
	Kind   OrderKind
	From   OrderStatus
	Event  Event
	To     OrderStatus
	Guards []Guard
	Effect Effect
}

type transitionKey struct {
	kind  OrderKind
	from  OrderStatus
	event Event
}

var transitionTable = buildTransitionTable([]Transition{
	{Kind: OrderKindQuotation, From: OrderStatusDraft, Event: EventSendForApproval, To: OrderStatusPendingApproval, Guards: []Guard{GuardHasLines}},
	{Kind: OrderKindQuotation, From: OrderStatusPendingApproval, Event: EventApprove, To: OrderStatusApproved, Guards: []Guard{GuardApproverRole}},
	{Kind: OrderKindQuotation, From: OrderStatusApproved, Event: EventConvertToSalesOrder, To: OrderStatusConverted, Effect: EffectCreateSalesOrder},
	{Kind: OrderKindQuotation, From: OrderStatusDraft, Event: EventReject, To: OrderStatusRejected},
	{Kind: OrderKindQuotation, From: OrderStatusPendingApproval, Event: EventReject, To: OrderStatusRejected},
	{Kind: OrderKindQuotation, From: OrderStatusDraft, Event: EventCancel, To: OrderStatusCancelled},
	{Kind: OrderKindQuotation, From: OrderStatusPendingApproval, Event: EventCancel, To: OrderStatusCancelled},
	{Kind: OrderKindQuotation, From: OrderStatusApproved, Event: EventCancel, To: OrderStatusCancelled},

	{Kind: OrderKindSalesOrder, From: OrderStatusDraft, Event: EventSendForApproval, To: OrderStatusPendingApproval, Guards: []Guard{GuardHasLines, GuardStockChecked}},
	{Kind: OrderKindSalesOrder, From: OrderStatusPendingApproval, Event: EventApprove, To: OrderStatusApproved, Guards: []Guard{GuardApproverRole}, Effect: EffectCommitReservation},
	{Kind: OrderKindSalesOrder, From: OrderStatusApproved, Event: EventConvertToContract, To: OrderStatusConverted, Guards: []Guard{GuardReservationHeld}, Effect: EffectCreateContract},
	{Kind: OrderKindSalesOrder, From: OrderStatusDraft, Event: EventReject, To: OrderStatusRejected, Effect: EffectReleaseReservation},
	{Kind: OrderKindSalesOrder, From: OrderStatusPendingApproval, Event: EventReject, To: OrderStatusRejected, Effect: EffectReleaseReservation},
	{Kind: OrderKindSalesOrder, From: OrderStatusDraft, Event: EventCancel, To: OrderStatusCancelled, Effect: EffectReleaseReservation},
	{Kind: OrderKindSalesOrder, From: OrderStatusPendingApproval, Event: EventCancel, To: OrderStatusCancelled, Effect: EffectReleaseReservation},
	{Kind: OrderKindSalesOrder, From: OrderStatusApproved, Event: EventCancel, To: OrderStatusCancelled, Effect: EffectReleaseReservation},

	{Kind: OrderKindContract, From: OrderStatusDraft, Event: EventSendForApproval, To: OrderStatusPendingApproval, Guards: []Guard{GuardReservationHeld}},
	{Kind: OrderKindContract, From: OrderStatusDraft, Event: EventApproveContract, To: OrderStatusActive, Guards: []Guard{GuardApproverRole, GuardDepositTermsRecorded, GuardReservationHeld}, Effect: EffectIssueActivationRecords},
	{Kind: OrderKindContract, From: OrderStatusPendingApproval, Event: EventApproveContract, To: OrderStatusActive, Guards: []Guard{GuardApproverRole, GuardDepositTermsRecorded, GuardReservationHeld}, Effect: EffectIssueActivationRecords},
	{Kind: OrderKindContract, From: OrderStatusActive, Event: EventDispatch, To: OrderStatusActive, Guards: []Guard{GuardReservedOutstanding}, Effect: EffectDispatch},
	{Kind: OrderKindContract, From: OrderStatusExtended, Event: EventDispatch, To: OrderStatusExtended, Guards: []Guard{GuardReservedOutstanding}, Effect: EffectDispatch},
	{Kind: OrderKindContract, From: OrderStatusActive, Event: EventExtend, To: OrderStatusExtended, Guards: []Guard{GuardLaterRentalEnd}, Effect: EffectReprice},
	{Kind: OrderKindContract, From: OrderStatusExtended, Event: EventExtend, To: OrderStatusExtended, Guards: []Guard{GuardLaterRentalEnd}, Effect: EffectReprice},
	{Kind: OrderKindContract, From: OrderStatusActive, Event: EventReturnEquipment, To: OrderStatusReturned, Guards: []Guard{GuardAllDispatched}, Effect: EffectReturn},
	{Kind: OrderKindContract, From: OrderStatusExtended, Event: EventReturnEquipment, To: OrderStatusReturned, Guards: []Guard{GuardAllDispatched}, Effect: EffectReturn},
	{Kind: OrderKindContract, From: OrderStatusReturned, Event: EventClose, To: OrderStatusClosed, Guards: []Guard{GuardDepositSettled, GuardPenaltiesApplied}},
	{Kind: OrderKindContract, From: OrderStatusDraft, Event: EventReject, To: OrderStatusRejected, Effect: EffectReleaseReservation},
	{Kind: OrderKindContract, From: OrderStatusPendingApproval, Event: EventReject, To: OrderStatusRejected, Effect: EffectReleaseReservation},
	{Kind: OrderKindContract, From: OrderStatusDraft, Event: EventCancel, To: OrderStatusCancelled, Effect: EffectCancelContract},
	{Kind: OrderKindContract, From: OrderStatusPendingApproval, Event: EventCancel, To: OrderStatusCancelled, Effect: EffectCancelContract},
	{Kind: OrderKindContract, From: OrderStatusActive, Event: EventCancel, To: OrderStatusCancelled, Guards: []Guard{GuardNothingOnRent}, Effect: EffectCancelContract},
	{Kind: OrderKindContract, From: OrderStatusExtended, Event: EventCancel, To: OrderStatusCancelled, Guards: []Guard{GuardNothingOnRent}, Effect: EffectCancelContract},
})

func buildTransitionTable(rows []Transition) map[transitionKey]Transition {
	table := make(map[transitionKey]Transition, len(rows))
	for _, t := range rows {
		key := transitionKey{t.Kind, t.From, t.Event}
		if _, dup := table[key]; dup {
			panic("duplicate transition " + string(t.Kind) + "/" + string(t.From) + "/" + string(t.Event))
		}
		if t.From.Terminal() {
			panic("transition out of terminal status " + string(t.From))
		}
		table[key] = t
	}
	return table
}

// LookupTransition returns the table row for (kind, from, event).
func LookupTransition(kind OrderKind, from OrderStatus, event Event) (Transition, bool) {
	t, ok := transitionTable[transitionKey{kind, from, event}]
	return t, ok
}

// AllowedEvents lists the events the table accepts from a status, sorted.
func AllowedEvents(kind OrderKind, from OrderStatus) []Event {
	var events []Event
	for key := range transitionTable {
		if key.kind == kind && key.from == from {
			events = append(events, key.event)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Transitions returns a copy of every table row, for documentation endpoints
// and tests.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitionTable))
	for _, t := range transitionTable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Event < out[j].Event
	})
	return out
}
