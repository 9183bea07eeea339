package observability

import (
	"log"
	"time"
)

// EventKind classifies queue and ledger lifecycle events.
type EventKind string

const (
	EventAdded      EventKind = "ADDED"
	EventCharged    EventKind = "CHARGED"
	EventRolledBack EventKind = "ROLLED_BACK"
	EventFailed     EventKind = "FAILED"
	EventCompleted  EventKind = "COMPLETED"
)

// Event is the payload delivered to hooks for every queue add/process and
// ledger mutation.
type Event struct {
	JobID     string            `json:"jobId,omitempty"`
	QueueName string            `json:"queueName,omitempty"`
	Kind      EventKind         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Hook observes events. Implementations must be safe for concurrent use.
type Hook interface {
	OnEvent(Event)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(Event)

func (f HookFunc) OnEvent(e Event) { f(e) }

// Hooks fans events out to registered hooks. Delivery is fire-and-forget:
// each hook runs in its own goroutine and a panicking hook never propagates
// into the emitter.
type Hooks struct {
	hooks []Hook
}

// NewHooks creates a fan-out over the given hooks.
func NewHooks(hooks ...Hook) *Hooks {
	return &Hooks{hooks: hooks}
}

// Emit delivers the event to every hook without blocking the caller.
func (h *Hooks) Emit(e Event) {
	if h == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, hook := range h.hooks {
		go func(hook Hook) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[EVENTS] hook panic recovered: %v", r)
				}
			}()
			hook.OnEvent(e)
		}(hook)
	}
}
