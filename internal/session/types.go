// Package session runs reading sessions: one time-bounded, paced sequence of
// actions at a time, observable and cancellable from the outside.
package session

import (
	"context"
	"errors"
	"time"

	"wereadbot/internal/config"
)

type Status string

const (
	Idle      Status = "idle"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Stopped   Status = "stopped"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Stopped
}

var ErrAlreadyRunning = errors.New("session already running")

// State is a snapshot of the current (or last) session.
type State struct {
	ID          string     `json:"session_id,omitempty"`
	Trigger     string     `json:"trigger,omitempty"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Progress    int        `json:"progress"`
	CurrentStep int        `json:"current_step"`
	TotalSteps  int        `json:"total_steps"`
	Actions     int        `json:"actions"`
	Error       string     `json:"error,omitempty"`
}

// Outcome is published once per session when it reaches a terminal state.
type Outcome struct {
	ID        string        `json:"id"`
	Trigger   string        `json:"trigger,omitempty"`
	Status    Status        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Actions   int           `json:"actions"`
	Error     string        `json:"error,omitempty"`
}

// Action is one unit of reading work.
type Action struct {
	SessionID string
	Seq       int
	Elapsed   time.Duration
	Config    config.Tree
}

// Executor performs actions against the reading service.
type Executor interface {
	Read(ctx context.Context, a Action) error
}

type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Read(ctx context.Context, a Action) error { return f(ctx, a) }

// ConfigSource yields the persisted configuration for a new session.
type ConfigSource interface {
	Load() (config.Tree, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type triggerKey struct{}

// WithTrigger tags sessions started with ctx ("api", "schedule", "daemon",
// "cli"). The tag ends up in State and Outcome.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the tag set by WithTrigger, or "manual".
func TriggerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok && v != "" {
		return v
	}
	return "manual"
}
