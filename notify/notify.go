// Package notify hands pipeline events to whoever needs to hear about them.
// Delivery is best effort: a dispatcher never blocks the pipeline and its
// errors are only logged by callers.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"ticket-monitor/utils"
)

// Priority orders notifications for downstream channels.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Event types emitted by the pipeline.
const (
	EventRecommendation    = "ticket.recommended"
	EventPurchaseSuccess   = "purchase.succeeded"
	EventPurchaseFailed    = "purchase.failed"
	EventManualReview      = "purchase.manual_review"
	EventCircuitOpen       = "purchase.circuit_open"
	EventCycleCompleted    = "cycle.completed"
	EventOperatorAttention = "platform.operator_attention"
)

// Event is one delivered notification.
type Event struct {
	Type     string    `json:"type"`
	Priority Priority  `json:"priority"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}

// Dispatcher accepts notifications.
type Dispatcher interface {
	Notify(ctx context.Context, eventType string, payload any, priority Priority) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, eventType string, payload any, priority Priority) error

func (f DispatcherFunc) Notify(ctx context.Context, eventType string, payload any, priority Priority) error {
	return f(ctx, eventType, payload, priority)
}

// Log writes every notification to a logger.
type Log struct {
	logger *utils.Logger
}

// NewLog creates a logging dispatcher.
func NewLog(logger *utils.Logger) *Log {
	return &Log{logger: logger.With("notify")}
}

func (l *Log) Notify(_ context.Context, eventType string, payload any, priority Priority) error {
	switch priority {
	case PriorityCritical, PriorityHigh:
		l.logger.Warn("%s (%s): %+v", eventType, priority, payload)
	default:
		l.logger.Info("%s (%s): %+v", eventType, priority, payload)
	}
	return nil
}

// Multi fans a notification out to every dispatcher. All are tried even
// when some fail; their errors are joined.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, eventType string, payload any, priority Priority) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, eventType, payload, priority); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ring keeps the most recent notifications in memory.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	now    func() time.Time
}

// NewRing creates a Ring holding up to size events.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{events: make([]Event, size), now: time.Now}
}

func (r *Ring) Notify(_ context.Context, eventType string, payload any, priority Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = Event{Type: eventType, Priority: priority, Payload: payload, At: r.now()}
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns the stored events, oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Count returns how many stored events have the given type.
func (r *Ring) Count(eventType string) int {
	n := 0
	for _, e := range r.Recent() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
