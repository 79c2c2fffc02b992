package dispatcher

import (
	"context"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// Queue is the dispatcher's unbounded notification queue. It is safe for
// concurrent use by any number of producers and a single consumer.
type Queue struct {
	logger *zap.Logger

	mu     sync.Mutex
	events []types.NotificationEvent
	// ready holds a token whenever events may be waiting
	ready chan struct{}
}

var _ types.EventSink = (*Queue)(nil)

// NewQueue creates an empty queue
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{
		logger: logger.Named("queue"),
		ready:  make(chan struct{}, 1),
	}
}

// Enqueue appends an event. An event that can clear the queue first removes
// every queued event that can be cleared.
func (q *Queue) Enqueue(event types.NotificationEvent) {
	q.mu.Lock()
	if event.CanClearQueue() {
		kept := q.events[:0]
		for _, queued := range q.events {
			if !queued.CanBeCleared() {
				kept = append(kept, queued)
			}
		}
		if cleared := len(q.events) - len(kept); cleared > 0 {
			q.logger.Debug("Cleared queued events", zap.Int("cleared", cleared), zap.String("eventID", event.EventID()))
		}
		clear(q.events[len(kept):])
		q.events = kept
	}
	q.events = append(q.events, event)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain blocks until at least one event is queued, then removes and returns
// every queued event in arrival order. Events with the same DedupeKey
// collapse into the first of them.
func (q *Queue) Drain(ctx context.Context) ([]types.NotificationEvent, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			batch := q.events
			q.events = nil
			q.mu.Unlock()
			return q.dedupe(batch), nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) dedupe(batch []types.NotificationEvent) []types.NotificationEvent {
	unique := orderedmap.NewOrderedMap[string, types.NotificationEvent]()
	for _, event := range batch {
		key := event.DedupeKey()
		if _, seen := unique.Get(key); seen {
			continue
		}
		unique.Set(key, event)
	}
	if collapsed := len(batch) - unique.Len(); collapsed > 0 {
		q.logger.Debug("Collapsed duplicate events", zap.Int("collapsed", collapsed))
	}

	out := make([]types.NotificationEvent, 0, unique.Len())
	for el := unique.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
