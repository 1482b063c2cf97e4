package bus

import "time"

// EventBus is an in-process pub/sub bus used to observe world activity.
//
// Delivery is synchronous: Publish calls handlers in the caller goroutine,
// and multiple handler errors are joined. Handlers must not call back into
// the publisher while it holds its own locks.
type EventBus interface {
	Publish(event Event) error
	// Subscribe registers a handler for one event type. The wildcard type "*"
	// receives every event.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	Unsubscribe(Subscription) error

	GetMetrics() EventBusMetrics
}

// Event types published by the world.
const (
	EntityPut      = "entity.put"
	EntityDeleted  = "entity.deleted"
	ChangesCleared = "changes.cleared"

	Wildcard = "*"
)

// Event is a value; handlers must treat Data as read-only.
type Event struct {
	Type      string
	Source    string
	Timestamp time.Time
	Subject   string
	Data      any
}

type EventHandler func(Event) error

type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}
