package config

import (
	logx "wereadbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections plus safe
// structured attrs for logging. Channel configs may carry tokens, so only
// their count is ever logged.
func SummarizeConfigChange(oldT, newT Tree) ([]string, []logx.Field) {
	changed := ChangedSections(oldT, newT)
	attrs := make([]logx.Field, 0, 8)

	for _, sec := range changed {
		switch sec {
		case "reading":
			attrs = append(attrs,
				logx.String("reading.target_duration", newT.String("reading.target_duration", "")),
				logx.String("reading.reading_interval", newT.String("reading.reading_interval", "")),
			)
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newT.String("logging.level", "")),
				logx.Bool("logging.console", newT.Bool("logging.console", true)),
			)
		case "schedule":
			attrs = append(attrs,
				logx.Bool("schedule.enabled", newT.Bool("schedule.enabled", false)),
				logx.String("schedule.cron_expression", newT.String("schedule.cron_expression", "")),
			)
		case "daemon":
			attrs = append(attrs, logx.Bool("daemon.enabled", newT.Bool("daemon.enabled", false)))
		case "notification":
			chans, _ := newT.Lookup("notification.channels", nil).([]any)
			attrs = append(attrs,
				logx.Bool("notification.enabled", newT.Bool("notification.enabled", false)),
				logx.Int("notification.channel_count", len(chans)),
			)
		}
	}
	return changed, attrs
}
