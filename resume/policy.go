package resume

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
)

// Operation names a step of the strategy whose failure needs a decision.
type Operation string

const (
	OpWALAppend         Operation = "wal_append"
	OpWALUpdateState    Operation = "wal_update_state"
	OpRemoteUpdate      Operation = "remote_update"
	OpReplayUpdate      Operation = "replay_update"
	OpReplayDecode      Operation = "replay_decode"
	OpLogReset          Operation = "log_reset"
	OpDelegateLoadCache Operation = "delegate_load_cache"
	OpRecoveryRead      Operation = "recovery_read"
	OpClose             Operation = "close"
)

// Action is what happens to an error from an Operation.
type Action int

const (
	// Propagate returns the error to the caller.
	Propagate Action = iota
	// LogAndContinue logs the error and carries on.
	LogAndContinue
)

func (a Action) String() string {
	switch a {
	case Propagate:
		return "propagate"
	case LogAndContinue:
		return "log-and-continue"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Policy maps each Operation to an Action. Operations missing from the table
// propagate.
type Policy struct {
	actions map[Operation]Action
	logger  *slog.Logger
}

// DefaultActions is the failure table used by the strategy unless overridden.
// Losing the log entry for one update never blocks the update itself, while
// the store's own answers always reach the caller.
func DefaultActions() map[Operation]Action {
	return map[Operation]Action{
		OpWALAppend:         LogAndContinue,
		OpWALUpdateState:    LogAndContinue,
		OpRemoteUpdate:      Propagate,
		OpReplayUpdate:      LogAndContinue,
		OpReplayDecode:      LogAndContinue,
		OpLogReset:          LogAndContinue,
		OpDelegateLoadCache: Propagate,
		OpRecoveryRead:      Propagate,
		OpClose:             LogAndContinue,
	}
}

// NewPolicy creates a policy from a table.
func NewPolicy(actions map[Operation]Action, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Policy{actions: maps.Clone(actions), logger: logger.With("component", "ResumePolicy")}
}

// DefaultPolicy creates a policy from DefaultActions.
func DefaultPolicy(logger *slog.Logger) *Policy {
	return NewPolicy(DefaultActions(), logger)
}

// With returns a copy of p with op mapped to action.
func (p *Policy) With(op Operation, action Action) *Policy {
	actions := maps.Clone(p.actions)
	actions[op] = action
	return &Policy{actions: actions, logger: p.logger}
}

// Action returns the action for op.
func (p *Policy) Action(op Operation) Action {
	if a, ok := p.actions[op]; ok {
		return a
	}
	return Propagate
}

// Handle applies the policy to err. It returns nil when err is nil or the
// operation continues past failures.
func (p *Policy) Handle(op Operation, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if p.Action(op) == LogAndContinue {
		p.logger.Warn("Continuing after failure", append([]any{"operation", string(op), "error", err}, attrs...)...)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
