// Package events carries order and payment state changes to the
// notification subsystem. Publishing happens after the state change has
// committed and a failure never undoes it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Type string

const (
	OrderCreated         Type = "order.created"
	OrderStatusChanged   Type = "order.status_changed"
	PaymentStatusChanged Type = "payment.status_changed"
)

type Event struct {
	EventID     string    `json:"event_id"`
	Type        Type      `json:"type"`
	OrderID     int64     `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	OldStatus   string    `json:"old_status,omitempty"`
	NewStatus   string    `json:"new_status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func New(t Type, orderID int64, orderNumber, oldStatus, newStatus string) Event {
	return Event{
		EventID:     uuid.NewString(),
		Type:        t,
		OrderID:     orderID,
		OrderNumber: orderNumber,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
		OccurredAt:  time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher publishes events and absorbs failures: they are logged and
// counted, never returned.
type Dispatcher struct {
	pub      Publisher
	log      *zap.Logger
	failures prometheus.Counter
}

func NewDispatcher(pub Publisher, log *zap.Logger, failures prometheus.Counter) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{pub: pub, log: log, failures: failures}
}

func (d *Dispatcher) Dispatch(ctx context.Context, evs ...Event) {
	if d == nil || d.pub == nil {
		return
	}
	for _, ev := range evs {
		if err := d.pub.Publish(ctx, ev); err != nil {
			if d.failures != nil {
				d.failures.Inc()
			}
			d.log.Warn("publish event failed",
				zap.String("event_id", ev.EventID),
				zap.String("type", string(ev.Type)),
				zap.String("order_number", ev.OrderNumber),
				zap.Error(err),
			)
		}
	}
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("domain event",
		zap.String("event_id", ev.EventID),
		zap.String("type", string(ev.Type)),
		zap.Int64("order_id", ev.OrderID),
		zap.String("order_number", ev.OrderNumber),
		zap.String("old_status", ev.OldStatus),
		zap.String("new_status", ev.NewStatus),
	)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
