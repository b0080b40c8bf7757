package events

import (
	"sync"
	"time"
)

// EventType names a fleet lifecycle event
type EventType string

const (
	EventWorkerActivated   EventType = "WORKER_ACTIVATED"
	EventWorkerStarted     EventType = "WORKER_STARTED"
	EventWorkerStopped     EventType = "WORKER_STOPPED"
	EventWorkerLimitSet    EventType = "WORKER_LIMIT_CHANGED"
	EventWorkerTerminated  EventType = "WORKER_TERMINATED"
	EventPendingStaged     EventType = "PENDING_STAGED"
	EventPendingApproved   EventType = "PENDING_APPROVED"
	EventReconcileComplete EventType = "RECONCILE_COMPLETED"
	EventDurableWriteFail  EventType = "DURABLE_WRITE_FAILED"
	EventError             EventType = "ERROR"
)

// Event is one lifecycle notification. Data always carries "worker_id" for
// worker events.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one event
type Subscriber func(Event)

// EventBus fans lifecycle events out to subscribers. A nil *EventBus drops
// everything, so components can run without one.
type EventBus struct {
	mu     sync.RWMutex
	byType map[EventType][]Subscriber
	any    []Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{byType: make(map[EventType][]Subscriber)}
}

// Subscribe registers fn for one event type
func (eb *EventBus) Subscribe(eventType EventType, fn Subscriber) {
	eb.mu.Lock()
	eb.byType[eventType] = append(eb.byType[eventType], fn)
	eb.mu.Unlock()
}

// SubscribeAll registers fn for every event type
func (eb *EventBus) SubscribeAll(fn Subscriber) {
	eb.mu.Lock()
	eb.any = append(eb.any, fn)
	eb.mu.Unlock()
}

func (eb *EventBus) targets(t EventType) []Subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]Subscriber, 0, len(eb.byType[t])+len(eb.any))
	out = append(out, eb.byType[t]...)
	return append(out, eb.any...)
}

// Publish delivers event to its subscribers, each on its own goroutine.
// Publishing never waits for a subscriber.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, fn := range eb.targets(event.Type) {
		go fn(event)
	}
}

// PublishWorker publishes eventType for workerID, merging extra into the data
func (eb *EventBus) PublishWorker(eventType EventType, workerID string, extra map[string]interface{}) {
	if eb == nil {
		return
	}
	data := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		data[k] = v
	}
	data["worker_id"] = workerID
	eb.Publish(Event{Type: eventType, Data: data})
}

// PublishError reports a failure that has no better event type
func (eb *EventBus) PublishError(source, message string, err error) {
	if eb == nil {
		return
	}
	data := map[string]interface{}{"source": source, "message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
