package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Settings is the typed view of the sections that ambient services consume.
// Session pacing reads the raw Tree instead, since range expressions may be
// strings or bare numbers.
type Settings struct {
	App          AppConfig          `json:"app"`
	Curl         CurlConfig         `json:"curl_config"`
	Notification NotificationConfig `json:"notification"`
	Schedule     ScheduleConfig     `json:"schedule"`
	Daemon       DaemonConfig       `json:"daemon"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Server       ServerConfig       `json:"server"`
}

type AppConfig struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	StartupMode string `json:"startup_mode"`
}

type CurlConfig struct {
	FilePath string `json:"file_path"`
}

// ChannelConfig is one notification channel: Name selects the sender
// ("telegram", "pushplus", "webhook"), Config carries sender-specific keys.
type ChannelConfig struct {
	Name    string         `json:"name"`
	Enabled *bool          `json:"enabled,omitempty"`
	Config  map[string]any `json:"config"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// NotificationConfig controls outcome notifications and the async pipeline
// that delivers them.
//
// Durations are Go duration strings ("500ms", "10s"). Zero values fall back
// to the notifier's defaults.
type NotificationConfig struct {
	Enabled           bool            `json:"enabled"`
	IncludeStatistics bool            `json:"include_statistics"`
	Channels          []ChannelConfig `json:"channels"`

	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`
}

type ScheduleConfig struct {
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
}

// DaemonConfig restarts sessions back to back. SessionInterval is a range
// expression in minutes.
type DaemonConfig struct {
	Enabled          bool `json:"enabled"`
	SessionInterval  any  `json:"session_interval"`
	MaxDailySessions int  `json:"max_daily_sessions"`
}

type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	File        string      `json:"file"`
	MaxSize     string      `json:"max_size"`
	BackupCount int         `json:"backup_count"`
	Console     bool        `json:"console"`
	Alerts      AlertConfig `json:"alerts"`
}

type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the history/audit backend.
//
// Driver values: "file" (JSONL under Path), "sqlite" (Path is the db file),
// "none" (disabled).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	Pprof           bool   `json:"pprof"`
}

// Addr renders host:port.
func (s ServerConfig) Addr() string {
	host := strings.TrimSpace(s.Host)
	port := s.Port
	if port <= 0 {
		port = 5000
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (s ServerConfig) ShutdownTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("server.shutdown_timeout", s.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Decode builds the typed view of t. Unknown keys are ignored; the raw tree
// is free-form and also feeds the session engine.
func Decode(t Tree) (*Settings, error) {
	jb, err := coerceToJSONBytes(Merge(Defaults(), t))
	if err != nil {
		return nil, err
	}
	var s Settings
	dec := json.NewDecoder(bytes.NewReader(jb))
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}
