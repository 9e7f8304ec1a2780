// Package events carries domain events from the engine to external
// collaborators such as notification and reporting.
package events

import (
	"context"
	"sync"
	"time"

	"equipment-rental-backend/internal/logger"
)

type Type string

const (
	LedgerSnapshotUpdated     Type = "ledger.snapshot_updated"
	OrderCreated              Type = "order.created"
	OrderTransitioned         Type = "order.transitioned"
	FinanceRecordIssued       Type = "finance.record_issued"
	FinanceRecordTransitioned Type = "finance.record_transitioned"
	ReconciliationFlagged     Type = "reconciliation.flagged"
)

type Event struct {
	Type       Type      `json:"type"`
	EntityID   int32     `json:"entity_id"`
	ActorID    int32     `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// Publisher delivers events after the state change they describe has been
// committed. Publishing never fails the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	logger.WithComponent("events").InfoContext(ctx, "Domain event",
		"event_type", e.Type,
		"entity_id", e.EntityID,
		"actor_id", e.ActorID,
		"occurred_at", e.OccurredAt,
		"payload", e.Payload,
	)
}

// Recorder keeps published events in memory. Tests use it to assert on side
// effects.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}
