package config

// Defaults returns a fresh copy of the built-in configuration. It is written
// to disk when no config file exists and sits underneath every loaded file,
// so sections missing from the file keep working.
func Defaults() Tree {
	return Tree{
		"app": map[string]any{
			"name":          "WeReadBot",
			"version":       "1.0.5",
			"startup_mode":  "immediate",
			"startup_delay": "1-10",
		},
		"curl_config": map[string]any{
			"file_path": "curl_command.txt",
		},
		"reading": map[string]any{
			"mode":                "smart_random",
			"target_duration":     "60-70",
			"reading_interval":    "25-35",
			"use_curl_data_first": true,
			"fallback_to_config":  true,
			"books":               []any{},
			"smart_random": map[string]any{
				"book_continuity":      0.8,
				"chapter_continuity":   0.7,
				"book_switch_cooldown": 300,
			},
		},
		"human_simulation": map[string]any{
			"enabled":                 true,
			"reading_speed_variation": true,
			"break_probability":       0.15,
			"break_duration":          "30-180",
			"rotate_user_agent":       false,
		},
		"network": map[string]any{
			"timeout":     30,
			"retry_times": 3,
			"retry_delay": "5-15",
			"rate_limit":  10,
		},
		"notification": map[string]any{
			"enabled":            true,
			"include_statistics": true,
			"channels":           []any{},
		},
		"hack": map[string]any{
			"cookie_refresh_ql": false,
		},
		"schedule": map[string]any{
			"enabled":         false,
			"cron_expression": "0 */2 * * *",
			"timezone":        "Asia/Shanghai",
		},
		"daemon": map[string]any{
			"enabled":            false,
			"session_interval":   "120-180",
			"max_daily_sessions": 12,
		},
		"logging": map[string]any{
			"level":        "INFO",
			"format":       "detailed",
			"file":         "logs/weread.log",
			"max_size":     "10MB",
			"backup_count": 5,
			"console":      true,
			"alerts": map[string]any{
				"enabled":      false,
				"min_level":    "ERROR",
				"rate_per_sec": 1,
			},
		},
		"storage": map[string]any{
			"driver": "file",
			"path":   "data/wereadbot",
		},
		"server": map[string]any{
			"host":             "0.0.0.0",
			"port":             5000,
			"shutdown_timeout": "10s",
			"pprof":            false,
		},
	}
}
