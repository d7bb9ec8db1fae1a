package domain

import (
	"sync"
	"time"
)

type EventType string

const (
	EventPositionStarting   EventType = "position-starting"
	EventPartExecuting      EventType = "part-executing"
	EventPartCompleted      EventType = "part-completed"
	EventPositionCompleted  EventType = "position-completed"
	EventPositionClosed     EventType = "position-closed"
	EventPositionLiquidated EventType = "position-liquidated"
	EventError              EventType = "error"
)

// ErrorSource names which side of the system an error event belongs to.
type ErrorSource string

const (
	SourcePrimary        ErrorSource = "primary"
	SourceHedge          ErrorSource = "hedge"
	SourceInitialization ErrorSource = "initialization"
	SourceBoth           ErrorSource = "both"
	SourceUnknown        ErrorSource = "unknown"
)

// Event is the payload contract for external subscribers. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type       EventType
	PositionID string
	Time       time.Time

	Config *PositionConfig // position-starting

	PartNumber int // part-executing, part-completed, error (optional)
	TotalParts int

	PrimaryOrderID string // part-completed
	HedgeOrderID   string
	PrimaryFilled  float64 // part-completed, position-completed
	HedgeFilled    float64

	PrimaryOrders []string // position-completed
	HedgeOrders   []string

	Err    string // error, position-liquidated
	Source ErrorSource
}

// EventBus is a minimal synchronous publish/subscribe fan-out. Publishers
// call it only after the corresponding durable-store write, so a subscriber
// that reacts to an event and queries the store never sees a stale status.
type EventBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
