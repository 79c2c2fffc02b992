package types

import (
	"time"

	"github.com/google/uuid"
)

// NotificationEvent is anything that flows through the dispatcher's queue.
//
// Events are immutable once enqueued. The only exception is the ScaleScope of
// a ClusterScaleEvent, whose cluster ID may be filled in exactly once during
// resolution.
type NotificationEvent interface {
	// EventID returns a unique identifier for the event
	EventID() string
	// Timestamp returns the time the event was created
	Timestamp() time.Time
	// CanClearQueue reports whether enqueueing this event removes every
	// currently queued event whose CanBeCleared returns true
	CanClearQueue() bool
	// CanBeCleared reports whether a queue-clearing event may discard this one
	CanBeCleared() bool
	// DedupeKey identifies events that are equal for the purposes of draining:
	// events with the same key collapse into one
	DedupeKey() string
}

// EventSink accepts notification events. Implementations must be safe to
// call from any goroutine.
type EventSink interface {
	Enqueue(event NotificationEvent)
}

// EventProducer is a source of notification events that feeds a sink
type EventProducer interface {
	// Name identifies the producer in logs
	Name() string
	// Start begins delivering events to the sink. It must not block.
	Start(sink EventSink) error
	// Stop halts event delivery
	Stop()
}

// EventBase carries the identity shared by every event
type EventBase struct {
	ID        string
	CreatedAt time.Time
}

// NewEventBase creates a base with a fresh random ID
func NewEventBase() EventBase {
	return EventBase{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

func (b EventBase) EventID() string {
	return b.ID
}

func (b EventBase) Timestamp() time.Time {
	return b.CreatedAt
}

func (b EventBase) CanClearQueue() bool {
	return false
}

func (b EventBase) CanBeCleared() bool {
	return false
}

// DedupeKey defaults to the event ID, so distinct events never collapse
func (b EventBase) DedupeKey() string {
	return b.ID
}

// Ptr returns a pointer to v. Event data uses pointers to mark fields that
// are present in a notification.
func Ptr[T any](v T) *T {
	return &v
}
