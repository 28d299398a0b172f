package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wereadbot/internal/eventbus"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
)

// Run forwards session outcomes from bus to the configured channels until
// ctx is done. Stopped sessions are operator actions and are not reported.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.SessionFinished {
				continue
			}
			o, ok := ev.Data.(session.Outcome)
			if !ok || o.Status == session.Stopped {
				continue
			}
			if !s.Enabled() {
				continue
			}
			err := s.Notify(ctx, FormatOutcome(o, s.Config().IncludeStatistics))
			if err != nil && !errors.Is(err, ErrNoChannels) {
				s.log.Warn("outcome notification not queued", logx.String("session_id", o.ID), logx.Err(err))
			}
		}
	}
}

// FormatOutcome renders a session outcome. Statistics add the duration and
// the action count.
func FormatOutcome(o session.Outcome, stats bool) Message {
	var title string
	switch o.Status {
	case session.Completed:
		title = "WeRead session completed"
	case session.Failed:
		title = "WeRead session failed"
	default:
		title = "WeRead session " + string(o.Status)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s finished with status %s.", shortID(o.ID), o.Status)
	if o.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", o.Error)
	}
	if stats {
		fmt.Fprintf(&b, "\nDuration: %s", o.Duration.Round(time.Second))
		fmt.Fprintf(&b, "\nActions: %d", o.Actions)
		fmt.Fprintf(&b, "\nFinished at: %s", o.EndTime.Format("2006-01-02 15:04:05"))
	}
	return Message{Title: title, Text: b.String()}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SendAlert implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	err := s.Notify(ctx, Message{Title: "wereadbot alert", Text: text})
	if errors.Is(err, ErrNoChannels) {
		return nil
	}
	return err
}
