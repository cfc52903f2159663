package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventStale    EventType = "stale"    // a record no longer described a live process and was removed
	EventDiscover EventType = "discover" // a process was found by scanning and recorded
	EventError    EventType = "error"
)

// Record describes the service instance an event is about.
type Record struct {
	Instance string `json:"instance"`
	// Host is the machine the supervisor ran on.
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	// RunID identifies the supervisor invocation that produced the event.
	RunID string `json:"run_id"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
