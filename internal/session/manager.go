package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wereadbot/internal/activity"
	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/pacing"
	"wereadbot/internal/runtime/supervisor"
	logx "wereadbot/pkg/logx"
)

// Manager owns the single session slot of the process.
//
// State is written by the session goroutine (and by Start for the
// idle->running transition) and read through Status snapshots.
type Manager struct {
	src  ConfigSource
	exec Executor

	activity *activity.Log
	bus      eventbus.Bus
	log      logx.Logger
	sampler  *pacing.Sampler
	sup      *supervisor.Supervisor
	ownSup   bool
	now      func() time.Time

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithActivity(l *activity.Log) Option            { return func(m *Manager) { m.activity = l } }
func WithBus(b eventbus.Bus) Option                  { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option                { return func(m *Manager) { m.log = l } }
func WithSampler(s *pacing.Sampler) Option           { return func(m *Manager) { m.sampler = s } }
func WithSupervisor(s *supervisor.Supervisor) Option { return func(m *Manager) { m.sup = s } }

func NewManager(src ConfigSource, exec Executor, opts ...Option) *Manager {
	m := &Manager{
		src:   src,
		exec:  exec,
		bus:   eventbus.Nop{},
		log:   logx.Nop(),
		now:   time.Now,
		state: State{Status: Idle},
	}
	for _, o := range opts {
		o(m)
	}
	if m.activity == nil {
		m.activity = activity.New()
	}
	if m.bus == nil {
		m.bus = eventbus.Nop{}
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.sampler == nil {
		m.sampler = pacing.NewSampler(nil)
	}
	if m.sup == nil {
		m.sup = supervisor.New(context.Background(), supervisor.WithLogger(m.log))
		m.ownSup = true
	}
	return m
}

// Start launches a session with override merged over the stored config and
// returns its id without waiting. ctx scopes the call only; the session
// outlives it and ends through Stop or Close.
func (m *Manager) Start(ctx context.Context, override config.Tree) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.state.Status == Running {
		m.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(m.sup.Context())
	done := make(chan struct{})
	m.state = State{
		ID:        id,
		Trigger:   TriggerFrom(ctx),
		Status:    Running,
		StartTime: m.now(),
		Progress:  0,
	}
	m.cancel = cancel
	m.done = done
	started := m.state
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, Data: started})
	m.log.Info("session starting", logx.String("session_id", id), logx.String("trigger", started.Trigger))

	override = config.Clone(override)
	m.sup.Go("session", func(context.Context) error {
		defer close(done)
		m.run(runCtx, id, override)
		return nil
	})
	return id, nil
}

// Stop asks the running session to end. It returns false when nothing was
// running. Repeated calls are harmless.
func (m *Manager) Stop() bool {
	m.mu.RLock()
	running := m.state.Status == Running
	cancel := m.cancel
	m.mu.RUnlock()
	if !running || cancel == nil {
		return false
	}
	cancel()
	m.activity.Record(activity.Info, "stop requested", nil)
	return true
}

// Status returns a consistent snapshot of the current or last session.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	if st.EndTime != nil {
		t := *st.EndTime
		st.EndTime = &t
	}
	return st
}

func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status == Running
}

// Wait blocks until the current session (if any) has finished.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the running session and waits for it to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()
	if err := m.Wait(ctx); err != nil {
		return err
	}
	if m.ownSup {
		return m.sup.Stop(ctx)
	}
	return nil
}

func (m *Manager) update(fn func(st *State)) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	return m.state
}

// finish moves the session to its terminal state exactly once.
func (m *Manager) finish(id string, status Status, actions int, cause error) Outcome {
	end := m.now()
	m.mu.Lock()
	st := &m.state
	st.Status = status
	st.EndTime = &end
	st.Actions = actions
	if status == Completed {
		st.Progress = 100
	}
	if cause != nil {
		st.Error = cause.Error()
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	out := Outcome{
		ID:        id,
		Trigger:   st.Trigger,
		Status:    status,
		StartTime: st.StartTime,
		EndTime:   end,
		Duration:  end.Sub(st.StartTime),
		Actions:   actions,
		Error:     st.Error,
	}
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Time: end, Data: out})
	m.log.Info("session finished",
		logx.String("session_id", id),
		logx.String("status", string(status)),
		logx.Int("actions", actions),
		logx.Duration("duration", out.Duration),
	)
	return out
}

func (m *Manager) run(ctx context.Context, id string, override config.Tree) {
	r := &runner{m: m, id: id}
	status, err := func() (status Status, err error) {
		defer func() {
			if p := recover(); p != nil {
				status, err = Failed, fmt.Errorf("panic: %v", p)
			}
		}()
		return r.execute(ctx, override)
	}()

	switch status {
	case Completed:
		m.activity.Record(activity.Info, fmt.Sprintf("reading completed, %d actions sent", r.actions), map[string]any{"session_id": id})
	case Stopped:
		m.activity.Record(activity.Info, "session stopped", map[string]any{"session_id": id, "actions": r.actions})
	default:
		status = Failed
		m.activity.Record(activity.Error, fmt.Sprintf("session failed: %v", err), map[string]any{"session_id": id})
	}
	m.finish(id, status, r.actions, err)
}
