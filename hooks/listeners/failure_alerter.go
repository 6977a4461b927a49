package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/offsetwal/core"
	"github.com/INLOpen/offsetwal/hooks"
)

// FailureAlerterListener logs a warning whenever a log record is marked FAILED
// or a state update is dropped because its slot was already reused.
type FailureAlerterListener struct {
	logger *slog.Logger
}

// NewFailureAlerterListener creates a new listener for monitoring failed offset updates.
func NewFailureAlerterListener(logger *slog.Logger) *FailureAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FailureAlerterListener{
		logger: logger.With("component", "FailureAlerterListener"),
	}
}

// Register subscribes the listener to the events it handles.
func (l *FailureAlerterListener) Register(m hooks.HookManager) {
	m.Register(hooks.EventPostStateUpdate, l)
	m.Register(hooks.EventOnStaleUpdate, l)
	m.Register(hooks.EventPostOffsetUpdate, l)
}

// OnEvent handles PostStateUpdate, OnStaleUpdate and PostOffsetUpdate events.
func (l *FailureAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostStateUpdate:
		payload, ok := event.Payload().(hooks.StateUpdatePayload)
		if !ok {
			return l.wrongPayload(event)
		}
		if payload.State == core.EntryStateFailed {
			l.logger.Warn("Offset update marked as failed in the log",
				"position", payload.Position,
				"persisted", payload.Persisted,
			)
		}
	case hooks.EventOnStaleUpdate:
		payload, ok := event.Payload().(hooks.StaleUpdatePayload)
		if !ok {
			return l.wrongPayload(event)
		}
		l.logger.Warn("State update dropped for a reused log slot",
			"slot", payload.LayerInfo.String(),
			"state", payload.State.String(),
		)
	case hooks.EventPostOffsetUpdate:
		payload, ok := event.Payload().(hooks.OffsetUpdatePayload)
		if !ok {
			return l.wrongPayload(event)
		}
		if payload.Err != nil && !payload.Logged {
			l.logger.Warn("Offset update failed and was not recorded in the log",
				"key", string(payload.Key),
				"error", payload.Err,
			)
		}
	}
	return nil
}

func (l *FailureAlerterListener) wrongPayload(event hooks.HookEvent) error {
	l.logger.Error("Received event with incorrect payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
	return nil
}

// Priority defines the execution order.
func (l *FailureAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *FailureAlerterListener) IsAsync() bool { return true }
