package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wereadbot/internal/activity"
	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/pacing"
)

type staticSource struct {
	tree config.Tree
	err  error
}

func (s staticSource) Load() (config.Tree, error) {
	if s.err != nil {
		return nil, s.err
	}
	return config.Merge(config.Defaults(), s.tree), nil
}

func fastConfig() config.Tree {
	return config.Tree{
		"app":              map[string]any{"startup_delay": "0-0"},
		"reading":          map[string]any{"target_duration": "0.01-0.01", "reading_interval": "0.1-0.1"},
		"human_simulation": map[string]any{"enabled": false},
		"network":          map[string]any{"rate_limit": 0, "retry_delay": "0-0"},
	}
}

func slowConfig() config.Tree {
	return config.Tree{
		"app":              map[string]any{"startup_delay": "0-0"},
		"reading":          map[string]any{"target_duration": "60-60", "reading_interval": "30-30"},
		"human_simulation": map[string]any{"enabled": false},
	}
}

var noop = ExecutorFunc(func(context.Context, Action) error { return nil })

func newTestManager(t *testing.T, src ConfigSource, exec Executor, opts ...Option) (*Manager, *activity.Log) {
	t.Helper()
	log := activity.New()
	opts = append([]Option{WithActivity(log), WithSampler(pacing.NewSampler(rand.New(rand.NewPCG(7, 8))))}, opts...)
	m := NewManager(src, exec, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, log
}

func waitTerminal(t *testing.T, m *Manager, within time.Duration) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("session did not finish within %v (status %s)", within, m.Status().Status)
	}
	return m.Status()
}

func hasEntry(log *activity.Log, substr string) bool {
	for _, e := range log.Query(0) {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSessionCompletes(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Action) error { calls.Add(1); return nil })
	m, log := newTestManager(t, staticSource{tree: fastConfig()}, exec)

	if st := m.Status(); st.Status != Idle {
		t.Fatalf("initial status = %s", st.Status)
	}
	id, err := m.Start(context.Background(), nil)
	if err != nil || id == "" {
		t.Fatalf("Start = %q, %v", id, err)
	}

	st := waitTerminal(t, m, 2*time.Second)
	if st.Status != Completed || st.Progress != 100 {
		t.Fatalf("state = %+v", st)
	}
	if st.ID != id || st.EndTime == nil || st.EndTime.Before(st.StartTime) {
		t.Fatalf("bookkeeping = %+v", st)
	}
	if st.Actions == 0 || int(calls.Load()) != st.Actions {
		t.Fatalf("actions = %d, executor calls = %d", st.Actions, calls.Load())
	}
	if st.TotalSteps < 5 || st.TotalSteps > 7 {
		t.Fatalf("TotalSteps = %d, want about 6", st.TotalSteps)
	}
	if !hasEntry(log, "progress 0%") {
		t.Fatal("first progress snapshot should report 0%")
	}
	if !hasEntry(log, "reading completed") {
		t.Fatal("missing completion summary")
	}
}

func TestSessionStop(t *testing.T) {
	t.Parallel()
	m, log := newTestManager(t, staticSource{tree: slowConfig()}, noop)

	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if !m.Stop() {
		t.Fatal("Stop reported nothing running")
	}

	st := waitTerminal(t, m, time.Second)
	if st.Status != Stopped || st.EndTime == nil {
		t.Fatalf("state = %+v", st)
	}
	if m.Stop() {
		t.Fatal("second Stop should be a no-op")
	}
	if !hasEntry(log, "session stopped") {
		t.Fatal("missing stop notice")
	}
}

func TestStopDuringStartupDelay(t *testing.T) {
	t.Parallel()
	cfg := slowConfig()
	cfg["app"] = map[string]any{"startup_delay": "30-30"}
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Action) error { calls.Add(1); return nil })
	m, _ := newTestManager(t, staticSource{tree: cfg}, exec)

	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	if st := waitTerminal(t, m, time.Second); st.Status != Stopped {
		t.Fatalf("status = %s", st.Status)
	}
	if calls.Load() != 0 {
		t.Fatal("no action should run after a stop during the startup delay")
	}
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, staticSource{tree: slowConfig()}, noop)

	id, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Status()
	if _, err := m.Start(context.Background(), nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v", err)
	}
	after := m.Status()
	if after.ID != id || after.StartTime != before.StartTime || after.Status != Running {
		t.Fatalf("state changed by rejected Start: %+v", after)
	}
	if !m.Running() {
		t.Fatal("Running() = false")
	}
}

func TestStopWhenIdle(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, staticSource{tree: fastConfig()}, noop)
	if m.Stop() {
		t.Fatal("Stop on idle manager returned true")
	}
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on idle = %v", err)
	}
	if m.Status().Status != Idle {
		t.Fatal("idle manager changed state")
	}
}

func TestOverrideIsMerged(t *testing.T) {
	t.Parallel()
	var seen atomic.Value
	exec := ExecutorFunc(func(_ context.Context, a Action) error {
		seen.Store(a.Config.String("reading.mode", ""))
		return nil
	})
	m, _ := newTestManager(t, staticSource{tree: fastConfig()}, exec)
	override := config.Tree{"reading": map[string]any{"mode": "sequential"}}
	if _, err := m.Start(context.Background(), override); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, 2*time.Second)
	if got, _ := seen.Load().(string); got != "sequential" {
		t.Fatalf("executor saw mode %q", got)
	}
}

func TestSessionFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  ConfigSource
		exec Executor
		want string
	}{
		{
			name: "config load",
			src:  staticSource{err: errors.New("disk gone")},
			exec: noop,
			want: "disk gone",
		},
		{
			name: "permanent action error",
			src:  staticSource{tree: fastConfig()},
			exec: ExecutorFunc(func(context.Context, Action) error { return Permanent(errors.New("cookie expired")) }),
			want: "cookie expired",
		},
		{
			name: "retries exhausted",
			src:  staticSource{tree: fastConfig()},
			exec: ExecutorFunc(func(context.Context, Action) error { return errors.New("503") }),
			want: "503",
		},
		{
			name: "panic",
			src:  staticSource{tree: fastConfig()},
			exec: ExecutorFunc(func(context.Context, Action) error { panic("bad reader") }),
			want: "bad reader",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, log := newTestManager(t, tt.src, tt.exec)
			if _, err := m.Start(context.Background(), nil); err != nil {
				t.Fatal(err)
			}
			st := waitTerminal(t, m, 2*time.Second)
			if st.Status != Failed || !strings.Contains(st.Error, tt.want) {
				t.Fatalf("state = %+v", st)
			}
			if !hasEntry(log, "session failed") {
				t.Fatal("failure not logged")
			}
			if m.Running() {
				t.Fatal("running flag not cleared")
			}
		})
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, Action) error {
		if calls.Add(1) <= 2 {
			return errors.New("timeout")
		}
		return nil
	})
	m, log := newTestManager(t, staticSource{tree: fastConfig()}, exec)
	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if st := waitTerminal(t, m, 2*time.Second); st.Status != Completed {
		t.Fatalf("state = %+v", st)
	}
	warnings := 0
	for _, e := range log.Query(0) {
		if e.Level == activity.Warning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("warnings = %d, want 2", warnings)
	}
}

func TestBreaksAreClippedToDeadline(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg["human_simulation"] = map[string]any{"enabled": true, "break_probability": 1, "break_duration": "120-120"}
	m, log := newTestManager(t, staticSource{tree: cfg}, noop)
	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if st := waitTerminal(t, m, 2*time.Second); st.Status != Completed || st.Actions != 1 {
		t.Fatalf("state = %+v", st)
	}
	if !hasEntry(log, "taking a break") {
		t.Fatal("break not logged")
	}
}

func TestRateLimitStopsAtDeadline(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg["network"] = map[string]any{"rate_limit": 1}
	m, _ := newTestManager(t, staticSource{tree: cfg}, noop)
	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	st := waitTerminal(t, m, 3*time.Second)
	if st.Status != Completed || st.Actions != 1 || st.Progress != 100 {
		t.Fatalf("state = %+v", st)
	}
	// the refused slot does not cut the session short of its 600ms target
	if ran := st.EndTime.Sub(st.StartTime); ran < 600*time.Millisecond {
		t.Fatalf("session ended after %v, before its target", ran)
	}
}

func TestStopWhileWaitingOutRateLimit(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg["reading"] = map[string]any{"target_duration": "1-1", "reading_interval": "0.1-0.1"}
	cfg["network"] = map[string]any{"rate_limit": 1}
	m, _ := newTestManager(t, staticSource{tree: cfg}, noop)
	if _, err := m.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Status().Actions < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first action never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if !m.Running() {
		t.Fatal("session ended before its target")
	}
	m.Stop()
	if st := waitTerminal(t, m, time.Second); st.Status != Stopped {
		t.Fatalf("state = %+v", st)
	}
}

func TestOutcomePublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	m, _ := newTestManager(t, staticSource{tree: fastConfig()}, noop, WithBus(bus))

	id, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, 2*time.Second)

	var sawStart bool
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.SessionStarted:
				sawStart = true
			case eventbus.SessionFinished:
				out, ok := ev.Data.(Outcome)
				if !ok || out.ID != id || out.Status != Completed || out.Actions == 0 {
					t.Fatalf("outcome = %+v", ev.Data)
				}
				if !sawStart {
					t.Fatal("finished before started")
				}
				return
			}
		case <-deadline:
			t.Fatal("no outcome published")
		}
	}
}

func TestRestartAfterCompletion(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, staticSource{tree: fastConfig()}, noop)
	first, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, 2*time.Second)
	second, err := m.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first == second {
		t.Fatal("session ids should differ")
	}
	if st := waitTerminal(t, m, 2*time.Second); st.Status != Completed || st.ID != second {
		t.Fatalf("state = %+v", st)
	}
}

func TestTriggerRecorded(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	m, _ := newTestManager(t, staticSource{tree: fastConfig()}, noop, WithBus(bus))

	if got := TriggerFrom(context.Background()); got != "manual" {
		t.Fatalf("default trigger = %q", got)
	}
	if _, err := m.Start(WithTrigger(context.Background(), "schedule"), nil); err != nil {
		t.Fatal(err)
	}
	if st := m.Status(); st.Trigger != "schedule" {
		t.Fatalf("status trigger = %q", st.Trigger)
	}
	waitTerminal(t, m, 2*time.Second)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.SessionFinished {
				continue
			}
			if out := ev.Data.(Outcome); out.Trigger != "schedule" {
				t.Fatalf("outcome trigger = %q", out.Trigger)
			}
			return
		case <-deadline:
			t.Fatal("no outcome published")
		}
	}
}
