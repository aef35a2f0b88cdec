package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a lifecycle event.
type EventType string

const (
	// Data lifecycle events.
	EventPreWrite   EventType = "PreWrite"
	EventPostWrite  EventType = "PostWrite"
	EventPreDelete  EventType = "PreDelete"
	EventPostDelete EventType = "PostDelete"

	// Durability lifecycle events.
	EventPreFlush   EventType = "PreFlush"
	EventPostFlush  EventType = "PostFlush"
	EventPostResync EventType = "PostResync"

	// Engine lifecycle events.
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"

	// Snapshot lifecycle events.
	EventPreExportSnapshot  EventType = "PreExportSnapshot"
	EventPostExportSnapshot EventType = "PostExportSnapshot"
	EventPreImportSnapshot  EventType = "PreImportSnapshot"
	EventPostImportSnapshot EventType = "PostImportSnapshot"
)

// EventManager defines the interface for managing and triggering listeners.
type EventManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener Listener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously and an error cancels the operation;
	// Post-events run sync or async based on the listener's preference.
	Trigger(ctx context.Context, event Event) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// Event is the interface that all event objects implement.
type Event interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for Event.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreWritePayload carries a pending put before it reaches the mirror.
// Fields are pointers so listeners can rewrite the key or payload.
type PreWritePayload struct {
	Key   *string
	Value *string
}

// NewPreWriteEvent creates an event fired before a key is written.
func NewPreWriteEvent(payload PreWritePayload) Event {
	return &BaseEvent{eventType: EventPreWrite, payload: payload}
}

// PostWritePayload describes a put that has been applied to the mirror.
type PostWritePayload struct {
	Key   string
	Value string
}

// NewPostWriteEvent creates an event fired after a key has been written.
func NewPostWriteEvent(payload PostWritePayload) Event {
	return &BaseEvent{eventType: EventPostWrite, payload: payload}
}

// PreDeletePayload carries a pending delete. The key pointer allows rewrites.
type PreDeletePayload struct {
	Key *string
}

// NewPreDeleteEvent creates an event fired before a key is removed.
func NewPreDeleteEvent(payload PreDeletePayload) Event {
	return &BaseEvent{eventType: EventPreDelete, payload: payload}
}

// PostDeletePayload describes a delete that has been applied to the mirror.
type PostDeletePayload struct {
	Key string
}

// NewPostDeleteEvent creates an event fired after a key has been removed.
func NewPostDeleteEvent(payload PostDeletePayload) Event {
	return &BaseEvent{eventType: EventPostDelete, payload: payload}
}

// PreFlushPayload describes the batch about to be committed.
type PreFlushPayload struct {
	Entries int
}

// NewPreFlushEvent creates an event fired before a flush attempt.
func NewPreFlushEvent(payload PreFlushPayload) Event {
	return &BaseEvent{eventType: EventPreFlush, payload: payload}
}

// PostFlushPayload describes the outcome of a flush attempt.
type PostFlushPayload struct {
	Revision uint64
	Entries  int
	Error    error
}

// NewPostFlushEvent creates an event fired after a flush attempt finishes.
func NewPostFlushEvent(payload PostFlushPayload) Event {
	return &BaseEvent{eventType: EventPostFlush, payload: payload}
}

// PostResyncPayload describes a completed mirror rebuild.
type PostResyncPayload struct {
	Revision uint64
	Cause    string
	Duration time.Duration
}

// NewPostResyncEvent creates an event fired after the mirror has been rebuilt.
func NewPostResyncEvent(payload PostResyncPayload) Event {
	return &BaseEvent{eventType: EventPostResync, payload: payload}
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct{}

// NewPreStartEngineEvent creates an event for before the engine starts.
func NewPreStartEngineEvent() Event {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPostStartEngineEvent creates an event for after the engine has started.
func NewPostStartEngineEvent() Event {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPreCloseEngineEvent creates an event for before the engine closes.
func NewPreCloseEngineEvent() Event {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

// NewPostCloseEngineEvent creates an event for after the engine has closed.
func NewPostCloseEngineEvent() Event {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// SnapshotPayload carries information about a snapshot export or import.
type SnapshotPayload struct {
	Path     string
	Revision uint64
	Entries  int
}

// NewPreExportSnapshotEvent creates an event for before a snapshot is written.
func NewPreExportSnapshotEvent(payload SnapshotPayload) Event {
	return &BaseEvent{eventType: EventPreExportSnapshot, payload: payload}
}

// NewPostExportSnapshotEvent creates an event for after a snapshot is written.
func NewPostExportSnapshotEvent(payload SnapshotPayload) Event {
	return &BaseEvent{eventType: EventPostExportSnapshot, payload: payload}
}

// NewPreImportSnapshotEvent creates an event for before a snapshot is restored.
func NewPreImportSnapshotEvent(payload SnapshotPayload) Event {
	return &BaseEvent{eventType: EventPreImportSnapshot, payload: payload}
}

// NewPostImportSnapshotEvent creates an event for after a snapshot is restored.
func NewPostImportSnapshotEvent(payload SnapshotPayload) Event {
	return &BaseEvent{eventType: EventPostImportSnapshot, payload: payload}
}

// Listener defines the interface for components that subscribe to events.
type Listener interface {
	// OnEvent is called by the EventManager when a registered event fires.
	// Returning an error from a "Pre" event cancels the operation.
	// Errors from "Post" events are logged without affecting the operation.
	OnEvent(ctx context.Context, event Event) error

	// Priority returns the listener's priority. Lower numbers run first.
	Priority() int

	// IsAsync indicates if the listener should run asynchronously for
	// Post-events. Pre-events are always synchronous.
	IsAsync() bool
}

// ListenerFunc adapts a function into a synchronous Listener with priority 100.
type ListenerFunc func(ctx context.Context, event Event) error

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                  { return 100 }
func (f ListenerFunc) IsAsync() bool                                  { return false }

type listenerWithPriority struct {
	listener Listener
	priority int
}

// DefaultEventManager is a concrete implementation of EventManager.
type DefaultEventManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewEventManager creates a new DefaultEventManager.
func NewEventManager(logger *slog.Logger) EventManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultEventManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultEventManager) Register(eventType EventType, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultEventManager) Trigger(ctx context.Context, event Event) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreEvent := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-events MUST be synchronous to allow for cancellation.
		if isPreEvent || !isListenerAsync {
			if isPreEvent && isListenerAsync {
				m.logger.Warn("Listener for Pre-event requested async execution, but Pre-events are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreEvent {
					return fmt.Errorf("pre-event listener for %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-event listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-event listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultEventManager) Stop() {
	m.wg.Wait()
}
