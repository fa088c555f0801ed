package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a stack lifecycle event on the in-process bus.
// Events are also persisted by the store; this bus exists so interactive
// consumers (CLI follow mode, API streaming) can observe them live.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// StackID is the associated stack ID.
	StackID string `json:"stack_id,omitempty"`

	// ResourceName is the associated resource name, if applicable.
	ResourceName string `json:"resource_name,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeStackStarted    = "stack.action_started"
	EventTypeStackCompleted  = "stack.action_completed"
	EventTypeStackFailed     = "stack.action_failed"
	EventTypeResourceStarted = "resource.action_started"
	EventTypeResourceDone    = "resource.action_completed"
	EventTypeResourceFailed  = "resource.action_failed"
	EventTypeRollbackStarted = "stack.rollback_started"
	EventTypePolicyDenied    = "policy.denied"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventBus fans out engine events to subscribers.
type EventBus struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	nextID      uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	id         uint64
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) *EventBus {
	if !cfg.Enabled {
		return &EventBus{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		eb.wg.Add(1)
		go eb.processEvents()
	}

	return eb
}

// Publish publishes an event to all subscribers.
func (eb *EventBus) Publish(event Event) error {
	if !eb.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if eb.config.EnableAsync {
		select {
		case eb.buffer <- event:
			return nil
		case <-eb.ctx.Done():
			return fmt.Errorf("event bus stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	eb.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber. A nil filter receives
// everything. The returned function removes the subscription.
func (eb *EventBus) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subscribers = append(eb.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, entry := range eb.subscribers {
			if entry.id == id {
				eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
				return
			}
		}
	}
}

// processEvents delivers events from the buffer asynchronously.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.buffer:
			eb.deliverEvent(event)
		case <-eb.ctx.Done():
			// Drain whatever is left before shutting down
			for {
				select {
				case event := <-eb.buffer:
					eb.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (eb *EventBus) deliverEvent(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, entry := range eb.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event bus.
func (eb *EventBus) Shutdown(ctx context.Context) error {
	if !eb.config.Enabled {
		return nil
	}

	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

// FilterByStackID creates a filter that only allows events for a specific stack.
func FilterByStackID(stackID string) EventFilter {
	return func(event Event) bool {
		return event.StackID == stackID
	}
}

// FilterByLevel creates a filter that only allows events of a given level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}
