package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/offsetwal/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Log Events
	EventPreWALAppend     EventType = "PreWALAppend"
	EventPostWALAppend    EventType = "PostWALAppend"
	EventPostStateUpdate  EventType = "PostStateUpdate"
	EventOnStaleUpdate    EventType = "OnStaleUpdate"
	EventPostLogReset     EventType = "PostLogReset"
	EventPostWALRecovery  EventType = "PostWALRecovery"
	EventPostWriterClose  EventType = "PostWriterClose"
	EventPostOffsetUpdate EventType = "PostOffsetUpdate"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreWALAppend) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// WALAppendPayload contains the entry about to be appended.
type WALAppendPayload struct {
	Entry *core.LogEntry
}

// PostWALAppendPayload describes an appended entry and where it landed.
type PostWALAppendPayload struct {
	Entry     *core.LogEntry
	Info      core.CachedEntryInfo
	Relocated bool
}

func NewPreWALAppendEvent(payload WALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALAppend, payload: payload}
}

func NewPostWALAppendEvent(payload PostWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALAppend, payload: payload}
}

// StateUpdatePayload describes a state transition written to the log.
type StateUpdatePayload struct {
	Position  int64
	State     core.EntryState
	Persisted bool
}

func NewPostStateUpdateEvent(payload StateUpdatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStateUpdate, payload: payload}
}

// StaleUpdatePayload describes a state update dropped because its slot was overwritten.
type StaleUpdatePayload struct {
	LayerInfo core.LayerInfo
	State     core.EntryState
}

func NewOnStaleUpdateEvent(payload StaleUpdatePayload) HookEvent {
	return &BaseEvent{eventType: EventOnStaleUpdate, payload: payload}
}

// LogResetPayload contains data for a PostLogReset event.
type LogResetPayload struct {
	Path string
}

func NewPostLogResetEvent(payload LogResetPayload) HookEvent {
	return &BaseEvent{eventType: EventPostLogReset, payload: payload}
}

// PostWALRecoveryPayload summarizes a recovery pass.
type PostWALRecoveryPayload struct {
	Path     string
	Scanned  int
	Replayed int
	Failed   int
	Reset    bool
}

func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// WriterClosePayload contains data for a PostWriterClose event.
type WriterClosePayload struct {
	Path string
	Err  error
}

func NewPostWriterCloseEvent(payload WriterClosePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWriterClose, payload: payload}
}

// OffsetUpdatePayload reports the outcome of one offset update forwarded to the store.
type OffsetUpdatePayload struct {
	Key    []byte
	Value  []byte
	Logged bool
	Err    error
}

func NewPostOffsetUpdateEvent(payload OffsetUpdatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostOffsetUpdate, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority > item.priority,
	// so listeners with equal priority keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
