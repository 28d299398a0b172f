// Package autorun starts sessions without an operator: on a cron or
// interval schedule, and back to back in daemon mode.
package autorun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/pacing"
	"wereadbot/internal/runtime/supervisor"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
)

const (
	TriggerSchedule = "schedule"
	TriggerDaemon   = "daemon"
)

// Starter is the part of session.Manager autorun needs.
type Starter interface {
	Start(ctx context.Context, override config.Tree) (string, error)
}

// Snapshot is the operator view of autorun.
type Snapshot struct {
	ScheduleEnabled bool       `json:"schedule_enabled"`
	Schedule        string     `json:"schedule,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	NextScheduled   *time.Time `json:"next_scheduled,omitempty"`
	DaemonEnabled   bool       `json:"daemon_enabled"`
	NextDaemon      *time.Time `json:"next_daemon,omitempty"`
	SessionsToday   int        `json:"sessions_today"`
	MaxDaily        int        `json:"max_daily_sessions"`
}

type Service struct {
	sessions Starter
	bus      eventbus.Bus
	log      logx.Logger
	sampler  *pacing.Sampler
	now      func() time.Time

	mu      sync.Mutex
	sched   config.ScheduleConfig
	daemon  config.DaemonConfig
	spec    ParsedSpec
	loc     *time.Location
	cron    *cron.Cron
	entry   cron.EntryID
	sup     *supervisor.Supervisor
	ctx     context.Context
	kick    chan struct{}
	day     string
	today   int
	nextRun time.Time
}

type Option func(*Service)

func WithSampler(s *pacing.Sampler) Option  { return func(a *Service) { a.sampler = s } }
func WithClock(now func() time.Time) Option { return func(a *Service) { a.now = now } }

func New(sessions Starter, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		bus:      bus,
		log:      log,
		now:      time.Now,
		loc:      time.Local,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.sampler == nil {
		s.sampler = pacing.NewSampler(nil)
	}
	return s
}

// Problems reports schedule settings that Apply would reject.
func Problems(sc config.ScheduleConfig) []string {
	var out []string
	if _, err := LoadLocation(sc.Timezone); err != nil {
		out = append(out, "schedule.timezone: "+err.Error())
	}
	if !sc.Enabled && sc.CronExpression == "" {
		return out
	}
	p, err := ParseSchedule(sc.CronExpression)
	if err == nil {
		_, err = p.Schedule()
	}
	if err != nil {
		out = append(out, "schedule.cron_expression: "+err.Error())
	}
	return out
}

// Apply installs new schedule and daemon settings. Invalid schedule
// settings are rejected and the previous ones stay active.
func (s *Service) Apply(sc config.ScheduleConfig, dc config.DaemonConfig) error {
	if p := Problems(sc); len(p) > 0 {
		return &config.ValidationError{Problems: p}
	}
	var spec ParsedSpec
	if sc.Enabled {
		spec, _ = ParseSchedule(sc.CronExpression)
	}
	loc, _ := LoadLocation(sc.Timezone)

	s.mu.Lock()
	wasDaemon := s.daemon.Enabled
	s.sched, s.daemon, s.spec, s.loc = sc, dc, spec, loc
	running := s.sup != nil
	var err error
	if running {
		err = s.rebuildCronLocked()
		if !dc.Enabled {
			s.nextRun = time.Time{}
		}
	}
	s.mu.Unlock()

	if running && dc.Enabled && !wasDaemon {
		s.kickDaemon()
	}
	return err
}

// Start runs the cron scheduler and the daemon loop until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.ctx = s.sup.Context()
	sup := s.sup
	err := s.rebuildCronLocked()
	daemon := s.daemon.Enabled
	s.mu.Unlock()
	if err != nil {
		return err
	}

	events, unsub := s.bus.Subscribe(16)
	sup.GoRestart("autorun.daemon", func(c context.Context) error {
		return s.daemonLoop(c, events)
	}, supervisor.WithMaxRestarts(3))
	sup.Go0("autorun.unsubscribe", func(c context.Context) {
		<-c.Done()
		unsub()
	})
	if daemon {
		s.kickDaemon()
	}
	return nil
}

// Stop halts the cron scheduler and the daemon loop.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, c := s.sup, s.cron
	s.sup, s.cron = nil, nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ScheduleEnabled: s.sched.Enabled,
		Timezone:        s.sched.Timezone,
		DaemonEnabled:   s.daemon.Enabled,
		MaxDaily:        s.daemon.MaxDailySessions,
	}
	if s.sched.Enabled {
		snap.Schedule = s.spec.String()
	}
	if s.cron != nil && s.entry != 0 {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			snap.NextScheduled = &next
		}
	}
	if !s.nextRun.IsZero() {
		next := s.nextRun
		snap.NextDaemon = &next
	}
	if s.day == s.dayKey(s.now()) {
		snap.SessionsToday = s.today
	}
	return snap
}

func (s *Service) rebuildCronLocked() error {
	if s.cron != nil {
		s.cron.Stop()
		s.cron, s.entry = nil, 0
	}
	if !s.sched.Enabled {
		return nil
	}
	sched, err := s.spec.Schedule()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	s.entry = c.Schedule(sched, cron.FuncJob(func() { s.fire(TriggerSchedule) }))
	s.cron = c
	c.Start()
	s.log.Info("schedule active", logx.String("spec", s.spec.String()), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) kickDaemon() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) daemonLoop(ctx context.Context, events <-chan eventbus.Event) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			stopTimer()
			s.fire(TriggerDaemon)
		case <-timerC:
			timer, timerC = nil, nil
			s.fire(TriggerDaemon)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o, isOutcome := ev.Data.(session.Outcome)
			if ev.Type != eventbus.SessionFinished || !isOutcome {
				continue
			}
			d, ok := s.nextDaemonDelay(o)
			if !ok {
				continue
			}
			stopTimer()
			timer = time.NewTimer(d)
			timerC = timer.C
		}
	}
}

// nextDaemonDelay samples the pause before the next daemon session.
// Sessions stopped by an operator pause the daemon until it is re-enabled.
func (s *Service) nextDaemonDelay(o session.Outcome) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.daemon.Enabled {
		return 0, false
	}
	if o.Status == session.Stopped {
		s.nextRun = time.Time{}
		s.log.Info("daemon paused, session was stopped", logx.String("session_id", o.ID))
		return 0, false
	}
	d := s.sampler.Minutes(s.daemon.SessionInterval)
	s.nextRun = s.now().Add(d)
	s.log.Info("next daemon session scheduled", logx.Duration("in", d), logx.Time("at", s.nextRun))
	return d, true
}

// fire starts a session unless one is running or the daily cap is reached.
func (s *Service) fire(trigger string) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if trigger == TriggerDaemon && !s.daemon.Enabled {
		s.mu.Unlock()
		return
	}
	if trigger == TriggerDaemon {
		s.nextRun = time.Time{}
	}
	now := s.now()
	if day := s.dayKey(now); day != s.day {
		s.day, s.today = day, 0
	}
	if limit := s.daemon.MaxDailySessions; limit > 0 && s.today >= limit {
		s.mu.Unlock()
		s.log.Info("daily session limit reached", logx.String("trigger", trigger), logx.Int("limit", limit))
		return
	}
	s.mu.Unlock()

	id, err := s.sessions.Start(session.WithTrigger(ctx, trigger), nil)
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		s.log.Info("automatic start skipped, a session is already running", logx.String("trigger", trigger))
	case err != nil:
		s.log.Warn("automatic start failed", logx.String("trigger", trigger), logx.Err(err))
	default:
		s.mu.Lock()
		s.today++
		n := s.today
		s.mu.Unlock()
		s.log.Info(fmt.Sprintf("%s session started", trigger), logx.String("session_id", id), logx.Int("today", n))
	}
}

func (s *Service) dayKey(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}
