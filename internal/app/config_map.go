package app

import (
	"context"
	"errors"
	"strings"

	"wereadbot/internal/autorun"
	"wereadbot/internal/config"
	"wereadbot/internal/notifier"
	logx "wereadbot/pkg/logx"
)

func mapLogConfig(lc config.LoggingConfig) logx.Config {
	file := strings.TrimSpace(lc.File)
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: file != "",
			Path:    file,
			MaxSize: lc.MaxSize,
			Backups: lc.BackupCount,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

// ValidateConfig rejects a config before it is written or committed. It adds
// the checks owned by the services (schedule, notifier tuning, storage) to
// the tree-level ones.
func ValidateConfig(_ context.Context, t config.Tree) error {
	var problems []string
	if err := config.Validate(t); err != nil {
		var ve *config.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		problems = append(problems, ve.Problems...)
	}
	treeOK := len(problems) == 0

	s, err := config.Decode(t)
	if err != nil {
		return &config.ValidationError{Problems: append(problems, err.Error())}
	}
	problems = append(problems, autorun.Problems(s.Schedule)...)
	if _, err := notifier.ConfigFrom(s.Notification); err != nil {
		problems = append(problems, err.Error())
	}
	if _, _, err := mapStorageConfig(s.Storage); err != nil && treeOK {
		problems = append(problems, err.Error())
	}
	if _, err := logx.ParseSizeMB(s.Logging.MaxSize, 10); err != nil {
		problems = append(problems, "logging.max_size: "+err.Error())
	}

	if len(problems) > 0 {
		return &config.ValidationError{Problems: problems}
	}
	return nil
}
