// Package notify carries invoice and dispute lifecycle events from the
// reconciler, negotiator and arbitration bridge to their listeners
// (outbound webhooks, the live WebSocket stream, logs).
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/arcinvoice/internal/idgen"
)

// EventType names a lifecycle event.
type EventType string

const (
	PaymentReceived   EventType = "payment_received"
	EscrowFunded      EventType = "escrow_funded"
	MilestoneFunded   EventType = "milestone_funded"
	MilestoneApproved EventType = "milestone_approved"
	MilestoneReleased EventType = "milestone_released"
	FundsReleased     EventType = "funds_released"
	FundsRefunded     EventType = "funds_refunded"

	DisputeOpened      EventType = "dispute_opened"
	ResolutionProposed EventType = "resolution_proposed"
	ResolutionRejected EventType = "resolution_rejected"
	DisputeResolved    EventType = "dispute_resolved"
	DisputeExpired     EventType = "dispute_expired"
	DisputeEscalated   EventType = "dispute_escalated"
	RulingReceived     EventType = "ruling_received"
	RulingExecuted     EventType = "ruling_executed"
)

// Event is one lifecycle notification.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	InvoiceID   string         `json:"invoiceId"`
	DisputeID   string         `json:"disputeId,omitempty"`
	CaseID      string         `json:"caseId,omitempty"`
	MilestoneID string         `json:"milestoneId,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Amount      int64          `json:"amount,omitempty"`
	TxRef       string         `json:"txRef,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Notifier receives events. Implementations must not block the caller for
// long; slow delivery belongs on a goroutine.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event)

func (f Func) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Stamp fills ID and Timestamp when unset.
func Stamp(e Event) Event {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Logger writes each event as a structured log line.
func Logger(l *slog.Logger) Notifier {
	return Func(func(ctx context.Context, e Event) {
		l.InfoContext(ctx, "lifecycle event",
			"event", e.Type, "invoice_id", e.InvoiceID, "dispute_id", e.DisputeID, "tx_ref", e.TxRef)
	})
}

// Recorder keeps events in memory; tests use it to assert emissions.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Types drains buffered events and returns their types in order.
func (r *Recorder) Types() []EventType {
	var out []EventType
	for {
		select {
		case e := <-r.ch:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}
