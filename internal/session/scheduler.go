package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"wereadbot/internal/activity"
	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/pacing"
	logx "wereadbot/pkg/logx"
)

// progressEvery is how many actions pass between progress snapshots.
const progressEvery = 10

// runner carries the mutable bookkeeping of one session.
type runner struct {
	m  *Manager
	id string

	cfg      config.Tree
	actions  int
	deadline time.Time
	target   time.Duration
	started  time.Time
}

// Progress is the payload of SessionProgress events.
type Progress struct {
	ID      string        `json:"id"`
	Percent int           `json:"percent"`
	Elapsed time.Duration `json:"elapsed"`
	Actions int           `json:"actions"`
	Target  time.Duration `json:"target"`
}

func (r *runner) record(level activity.Level, msg string) {
	r.m.activity.Record(level, msg, map[string]any{"session_id": r.id})
}

// execute runs the whole session and reports the terminal status. It never
// returns Running or Idle.
func (r *runner) execute(ctx context.Context, override config.Tree) (Status, error) {
	m := r.m

	base, err := m.src.Load()
	if err != nil {
		return Failed, fmt.Errorf("load config: %w", err)
	}
	r.cfg = config.Merge(base, override)

	r.record(activity.Info, "reading session started")
	r.logSummary()

	delay := m.sampler.Seconds(r.cfg.Lookup("app.startup_delay", "1-10"))
	if delay > 0 {
		r.record(activity.Info, fmt.Sprintf("waiting %.1f seconds before reading", delay.Seconds()))
	}
	if !sleep(ctx, delay) {
		return Stopped, nil
	}

	r.target = m.sampler.Minutes(r.cfg.Lookup("reading.target_duration", "60-70"))
	r.started = m.now()
	r.deadline = r.started.Add(r.target)
	interval := r.cfg.Lookup("reading.reading_interval", "25-35")

	total := 0
	if mid := pacing.Midpoint(interval); mid > 0 {
		total = int(math.Ceil(r.target.Seconds() / mid))
	}
	m.update(func(st *State) { st.TotalSteps = total })
	r.record(activity.Info, fmt.Sprintf("reading started, target %.0f minutes", r.target.Minutes()))

	// Suspensions use dctx so none of them runs past the target time.
	dctx, cancel := context.WithDeadline(ctx, r.deadline)
	defer cancel()

	limiter := newLimiter(r.cfg.Number("network.rate_limit", 10))
	breaks := r.cfg.Bool("human_simulation.enabled", true)
	breakP := r.cfg.Number("human_simulation.break_probability", 0.15)

	for {
		if ctx.Err() != nil {
			return Stopped, nil
		}
		elapsed := m.now().Sub(r.started)
		if elapsed >= r.target {
			break
		}

		if r.actions%progressEvery == 0 {
			r.snapshotProgress(elapsed)
		}

		if limiter != nil {
			if err := limiter.Wait(dctx); err != nil {
				if ctx.Err() != nil {
					return Stopped, nil
				}
				// the next slot lies beyond the deadline
				break
			}
		}

		if err := r.act(ctx, dctx, elapsed); err != nil {
			if ctx.Err() != nil {
				return Stopped, nil
			}
			if errors.Is(err, errDeadline) {
				break
			}
			return Failed, err
		}

		if breaks && m.sampler.Chance(breakP) {
			d := m.sampler.Seconds(r.cfg.Lookup("human_simulation.break_duration", "30-180"))
			r.record(activity.Info, fmt.Sprintf("taking a break for %.0f seconds", d.Seconds()))
			if !sleep(dctx, d) {
				if ctx.Err() != nil {
					return Stopped, nil
				}
				break
			}
		}

		if !sleep(dctx, m.sampler.Seconds(interval)) {
			if ctx.Err() != nil {
				return Stopped, nil
			}
			break
		}
	}

	// A refused rate-limit slot or a cut retry delay ends the actions early,
	// not the session.
	if rest := r.deadline.Sub(m.now()); rest > 0 && !sleep(ctx, rest) {
		return Stopped, nil
	}
	if ctx.Err() != nil {
		return Stopped, nil
	}
	return Completed, nil
}

var errDeadline = errors.New("session deadline reached")

// act performs one action, retrying failures per the network section.
func (r *runner) act(ctx, dctx context.Context, elapsed time.Duration) error {
	m := r.m
	retries := int(r.cfg.Number("network.retry_times", 3))
	timeout := time.Duration(r.cfg.Number("network.timeout", 30) * float64(time.Second))

	a := Action{SessionID: r.id, Seq: r.actions + 1, Elapsed: elapsed, Config: r.cfg}
	var err error
	for attempt := 0; ; attempt++ {
		err = r.call(ctx, a, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.activity.Record(activity.Warning, fmt.Sprintf("action %d failed: %v", a.Seq, err), map[string]any{
			"session_id": r.id,
			"attempt":    attempt + 1,
		})
		if IsPermanent(err) || attempt >= retries {
			return fmt.Errorf("action %d: %w", a.Seq, err)
		}
		if !sleep(dctx, m.sampler.Seconds(r.cfg.Lookup("network.retry_delay", "5-15"))) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errDeadline
		}
	}

	r.actions++
	m.update(func(st *State) {
		st.CurrentStep = r.actions
		st.Actions = r.actions
	})
	return nil
}

func (r *runner) call(ctx context.Context, a Action, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.m.exec.Read(ctx, a)
}

func (r *runner) snapshotProgress(elapsed time.Duration) {
	pct := 100
	if r.target > 0 {
		pct = int(math.Floor(elapsed.Seconds() / r.target.Seconds() * 100))
	}
	pct = max(0, min(100, pct))

	r.m.update(func(st *State) { st.Progress = pct })
	r.m.bus.Publish(eventbus.Event{Type: eventbus.SessionProgress, Data: Progress{
		ID:      r.id,
		Percent: pct,
		Elapsed: elapsed,
		Actions: r.actions,
		Target:  r.target,
	}})
	r.record(activity.Info, fmt.Sprintf("read %.1f minutes, progress %d%%", elapsed.Minutes(), pct))
}

func (r *runner) logSummary() {
	c := r.cfg
	r.record(activity.Info, fmt.Sprintf("app: mode=%s, startup delay=%ss",
		c.String("app.startup_mode", "immediate"), c.String("app.startup_delay", "1-10")))
	r.record(activity.Info, fmt.Sprintf("reading: mode=%s, duration=%s minutes, interval=%ss",
		c.String("reading.mode", "smart_random"),
		c.String("reading.target_duration", "60-70"),
		c.String("reading.reading_interval", "25-35")))
	r.record(activity.Info, fmt.Sprintf("network: timeout=%ss, retries=%s, rate limit=%s/min",
		c.String("network.timeout", "30"),
		c.String("network.retry_times", "3"),
		c.String("network.rate_limit", "10")))
	r.m.log.Debug("session config resolved",
		logx.String("session_id", r.id),
		logx.Bool("human_simulation", c.Bool("human_simulation.enabled", true)),
	)
}

// newLimiter allows perMinute actions per minute with a burst of the same
// size. Zero or negative disables limiting.
func newLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perMinute/60), max(1, int(perMinute)))
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
