package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"wereadbot/internal/activity"
	"wereadbot/internal/api"
	"wereadbot/internal/autorun"
	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/notifier"
	"wereadbot/internal/reader"
	"wereadbot/internal/runtime/supervisor"
	"wereadbot/internal/session"
	"wereadbot/internal/storage"
	logx "wereadbot/pkg/logx"
)

// Options select how the app is assembled.
type Options struct {
	ConfigPath string
	Env        config.Env
	// HTTP starts the control plane in Start.
	HTTP bool
}

type App struct {
	opts Options

	cfgs *config.Store
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	activity *activity.Log
	sessions *session.Manager
	curl     *reader.CurlFiles
	notif    *notifier.Service
	autorun  *autorun.Service
	http     *api.Server

	// applied is the tree the services were last configured from.
	applied config.Tree
	addr    string
}

func New(opts Options) (*App, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = opts.Env.ConfigPath
	}
	if path == "" {
		path = "config.yaml"
	}
	opts.ConfigPath = path

	cfgs := config.NewStore(path)
	tree, err := cfgs.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Decode(tree)
	if err != nil {
		return nil, err
	}
	opts.Env.Apply(settings)

	// Alerts need a sender, which needs the notifier, which needs a logger:
	// bootstrap without alerts, then Apply the final config.
	logCfg := mapLogConfig(settings.Logging)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, log := logx.New(bootCfg)
	cfgs.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(settings.Storage); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	act := activity.New(
		activity.WithLogger(log.With(logx.String("comp", "activity"))),
		activity.WithBus(bus),
	)
	exec := reader.NewSimulated(
		reader.WithActivity(act),
		reader.WithLogger(log.With(logx.String("comp", "reader"))),
	)
	sessions := session.NewManager(committed{cfgs}, exec,
		session.WithActivity(act),
		session.WithBus(bus),
		session.WithLogger(log.With(logx.String("comp", "session"))),
	)

	ncfg, err := notifier.ConfigFrom(settings.Notification)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, nil, log.With(logx.String("comp", "notifier")), bus, store)
	logSvc.SetAlertSender(notif)
	logSvc.Apply(logCfg)

	auto := autorun.New(sessions, bus, log.With(logx.String("comp", "autorun")))
	if err := auto.Apply(settings.Schedule, settings.Daemon); err != nil {
		log.Warn("invalid schedule config; automatic runs disabled", logx.Err(err))
		_ = auto.Apply(config.ScheduleConfig{}, config.DaemonConfig{})
	}

	return &App{
		opts:     opts,
		cfgs:     cfgs,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		activity: act,
		sessions: sessions,
		curl:     reader.NewCurlFiles(filepath.Dir(path)),
		notif:    notif,
		autorun:  auto,
		applied:  tree,
		addr:     settings.Server.Addr(),
	}, nil
}

// committed hands sessions the tree the store last committed, so the file
// is read only by Load, Reload and the watcher.
type committed struct{ store *config.Store }

func (c committed) Load() (config.Tree, error) { return c.store.Get(), nil }

func (a *App) Config() *config.Store              { return a.cfgs }
func (a *App) Sessions() *session.Manager         { return a.sessions }
func (a *App) Activity() *activity.Log            { return a.activity }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Storage() storage.Store             { return a.store }
func (a *App) Autorun() *autorun.Service          { return a.autorun }
func (a *App) Notifier() *notifier.Service        { return a.notif }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Addr is the control plane listen address.
func (a *App) Addr() string { return a.addr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgs.SetValidator(ValidateConfig)

	// Subscribe before anything can start a session.
	finished, unsub := a.bus.Subscribe(64)
	a.sup.Go0("history.record", func(c context.Context) {
		defer unsub()
		a.recordHistory(c, finished)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("notifier.outcomes", func(c context.Context) error {
		return a.notif.Run(c, a.bus)
	})

	if err := a.autorun.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.opts.HTTP {
		a.http = api.New(api.Deps{
			Config:     a.cfgs,
			Validate:   ValidateConfig,
			Sessions:   a.sessions,
			Activity:   a.activity,
			Bus:        a.bus,
			Curl:       a.curl,
			Notifier:   a.notif,
			Autorun:    a.autorun,
			Store:      a.store,
			Supervisor: a.sup,
			LogFile:    a.logs.FilePath,
			Log:        a.log,
			Pprof:      a.pprofEnabled(),
		})
		srv := a.http
		a.sup.Go("http.serve", func(context.Context) error {
			return srv.Start(a.addr)
		})
	}

	// hot reload config fan-out
	sub := a.cfgs.Subscribe(8)
	// Diff against what the services run with, so an edit committed before
	// the loop is scheduled is still applied.
	baseline := a.cfgs.Get()
	if len(config.ChangedSections(a.applied, baseline)) > 0 {
		a.applyConfig(a.sup.Context(), a.applied, baseline)
	}
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgs.Unsubscribe(sub)
		a.reloadLoop(c, sub, baseline)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgs.Watch(c)
	})

	a.activity.Record(activity.Info, "service started", map[string]any{"config": a.cfgs.Path()})
	a.log.Info("app started", logx.String("config", a.cfgs.Path()))
	return nil
}

func (a *App) pprofEnabled() bool {
	s, err := a.cfgs.Settings()
	return err == nil && s.Server.Pprof
}

// recordHistory stores every finished session.
func (a *App) recordHistory(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.SessionFinished || a.store == nil {
				continue
			}
			o, ok := ev.Data.(session.Outcome)
			if !ok {
				continue
			}
			rec := storage.SessionRecord{
				ID:         o.ID,
				Status:     string(o.Status),
				Trigger:    o.Trigger,
				StartTime:  o.StartTime,
				EndTime:    o.EndTime,
				DurationMS: o.Duration.Milliseconds(),
				Actions:    o.Actions,
				Error:      o.Error,
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := a.store.RecordSession(wctx, rec); err != nil {
				a.log.Warn("session history write failed", logx.String("session_id", o.ID), logx.Err(err))
			}
			cancel()
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan config.Tree, lastApplied config.Tree) {
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, next)
			lastApplied = next
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next config.Tree) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	s, err := config.Decode(next)
	if err != nil {
		a.log.Warn("config reload could not be decoded; keeping previous", logx.Err(err))
		return
	}
	a.opts.Env.Apply(s)

	for _, sec := range sections {
		switch sec {
		case "storage", "server":
			a.log.Warn(sec + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(s.Logging))

	if ncfg, err := notifier.ConfigFrom(s.Notification); err != nil {
		a.log.Warn("invalid notification config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if err := a.autorun.Apply(s.Schedule, s.Daemon); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.activity.Record(activity.Info, "config reloaded", map[string]any{"sections": sections})
}

// RunSession starts one session in the foreground and waits for it. When
// ctx ends first the session is stopped.
func (a *App) RunSession(ctx context.Context, override config.Tree) (session.State, error) {
	id, err := a.sessions.Start(session.WithTrigger(ctx, "cli"), override)
	if err != nil {
		return session.State{}, err
	}
	a.log.Info("foreground session started", logx.String("session_id", id))

	if err := a.sessions.Wait(ctx); err != nil {
		a.sessions.Stop()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if werr := a.sessions.Wait(wctx); werr != nil {
			return a.sessions.Status(), fmt.Errorf("session did not stop: %w", werr)
		}
	}
	return a.sessions.Status(), nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.activity.Record(activity.Info, "service stopping", map[string]any{"reason": string(reason)})

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Shutdown(c)
		}
		return nil
	})
	step("autorun", 2*time.Second, a.autorun.Stop)
	step("sessions", 5*time.Second, a.sessions.Close)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	// Finally, wait for supervised goroutines (config watch/reload, history, etc.)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
