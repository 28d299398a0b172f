package autorun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
)

type fakeStarter struct {
	mu       sync.Mutex
	triggers []string
	busy     bool
}

func (f *fakeStarter) Start(ctx context.Context, _ config.Tree) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", session.ErrAlreadyRunning
	}
	f.triggers = append(f.triggers, session.TriggerFrom(ctx))
	return "id", nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func startService(t *testing.T, f *fakeStarter, bus eventbus.Bus, sc config.ScheduleConfig, dc config.DaemonConfig) *Service {
	t.Helper()
	s := New(f, bus, logx.Nop())
	require.NoError(t, s.Apply(sc, dc))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func finished(status session.Status) eventbus.Event {
	return eventbus.Event{Type: eventbus.SessionFinished, Data: session.Outcome{ID: "x", Status: status}}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 */2 * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every hhmm", raw: "every:00:50", kind: SpecInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			_, err = got.Schedule()
			assert.NoError(t, err)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "interval:-5m", "cron:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}

	p, err := ParseSchedule("61 * * * *")
	require.NoError(t, err)
	_, err = p.Schedule()
	assert.Error(t, err)
}

func TestProblems(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Problems(config.ScheduleConfig{Enabled: true, CronExpression: "0 */2 * * *", Timezone: "UTC"}))
	assert.Empty(t, Problems(config.ScheduleConfig{}))

	p := Problems(config.ScheduleConfig{Enabled: true, CronExpression: "nope", Timezone: "Mars/Olympus"})
	require.Len(t, p, 2)
	assert.Contains(t, p[0], "schedule.timezone")
	assert.Contains(t, p[1], "schedule.cron_expression")

	s := New(&fakeStarter{}, nil, logx.Nop())
	err := s.Apply(config.ScheduleConfig{Enabled: true, CronExpression: "nope"}, config.DaemonConfig{})
	assert.True(t, config.IsValidationError(err))
}

func TestDaemonRunsBackToBackUpToDailyLimit(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeStarter{}
	s := startService(t, f, bus, config.ScheduleConfig{}, config.DaemonConfig{
		Enabled:          true,
		SessionInterval:  "0-0",
		MaxDailySessions: 3,
	})

	// the first session starts as soon as the daemon is enabled
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	for want := 2; want <= 3; want++ {
		bus.Publish(finished(session.Completed))
		require.Eventually(t, func() bool { return f.count() == want }, 2*time.Second, 5*time.Millisecond)
	}

	bus.Publish(finished(session.Failed))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, f.count())
	assert.Equal(t, 3, s.Snapshot().SessionsToday)
	f.mu.Lock()
	assert.Equal(t, []string{TriggerDaemon, TriggerDaemon, TriggerDaemon}, f.triggers)
	f.mu.Unlock()
}

func TestDaemonPausesAfterStop(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeStarter{}
	s := startService(t, f, bus, config.ScheduleConfig{}, config.DaemonConfig{Enabled: true, SessionInterval: "0-0"})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(finished(session.Stopped))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.count())
	assert.Nil(t, s.Snapshot().NextDaemon)

	// re-enabling resumes
	require.NoError(t, s.Apply(config.ScheduleConfig{}, config.DaemonConfig{}))
	require.NoError(t, s.Apply(config.ScheduleConfig{}, config.DaemonConfig{Enabled: true, SessionInterval: "0-0"}))
	require.Eventually(t, func() bool { return f.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDaemonWaitsSampledInterval(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	f := &fakeStarter{}
	s := startService(t, f, bus, config.ScheduleConfig{}, config.DaemonConfig{Enabled: true, SessionInterval: "60-60"})
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(finished(session.Completed))
	require.Eventually(t, func() bool { return s.Snapshot().NextDaemon != nil }, 2*time.Second, 5*time.Millisecond)
	next := *s.Snapshot().NextDaemon
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)
	assert.Equal(t, 1, f.count())
}

func TestBusySessionIsSkipped(t *testing.T) {
	t.Parallel()
	f := &fakeStarter{busy: true}
	s := startService(t, f, eventbus.New(), config.ScheduleConfig{}, config.DaemonConfig{Enabled: true, SessionInterval: "0-0"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.count())
	assert.Equal(t, 0, s.Snapshot().SessionsToday)
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	f := &fakeStarter{}
	s := startService(t, f, eventbus.New(), config.ScheduleConfig{Enabled: true, CronExpression: "interval:1s", Timezone: "UTC"}, config.DaemonConfig{})

	snap := s.Snapshot()
	assert.True(t, snap.ScheduleEnabled)
	assert.Equal(t, "every 1s", snap.Schedule)
	require.Eventually(t, func() bool { return s.Snapshot().NextScheduled != nil }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return f.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
	f.mu.Lock()
	assert.Equal(t, TriggerSchedule, f.triggers[0])
	f.mu.Unlock()
}
