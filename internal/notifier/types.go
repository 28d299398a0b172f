package notifier

import (
	"time"

	"wereadbot/internal/config"
)

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled           bool
	IncludeStatistics bool
	Channels          []config.ChannelConfig

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// ConfigFrom maps the notification section onto the pipeline config.
func ConfigFrom(nc config.NotificationConfig) (Config, error) {
	cfg := Config{
		Enabled:           nc.Enabled,
		IncludeStatistics: nc.IncludeStatistics,
		Channels:          append([]config.ChannelConfig(nil), nc.Channels...),
		Workers:           nc.Workers,
		QueueSize:         nc.QueueSize,
		RatePerSec:        nc.RatePerSec,
		RetryMax:          nc.RetryMax,
		PersistDedup:      nc.PersistDedup,
	}
	var err error
	if cfg.RetryBase, err = config.ParseDurationOrDefault("notification.retry_base", nc.RetryBase, 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxDelay, err = config.ParseDurationOrDefault("notification.retry_max_delay", nc.RetryMaxDelay, 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DedupWindow, err = config.ParseDurationOrDefault("notification.dedup_window", nc.DedupWindow, 0); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Message is what a sender delivers.
type Message struct {
	Title string `json:"title"`
	Text  string `json:"content"`
}

// Result reports one channel's delivery in a test send.
type Result struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Title   string    `json:"title"`
	Text    string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
