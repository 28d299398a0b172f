package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wereadbot/internal/pacing"
)

// ValidationError lists every problem found in a tree.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

var rangeFields = []string{
	"app.startup_delay",
	"reading.target_duration",
	"reading.reading_interval",
	"human_simulation.break_duration",
	"network.retry_delay",
	"daemon.session_interval",
}

// Validate checks t merged over the defaults. Range expressions that would
// silently fall back at runtime are reported here so operators see them
// before a session starts. Schedule syntax is checked by the autorun package.
func Validate(t Tree) error {
	eff := Merge(Defaults(), t)
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	for _, path := range rangeFields {
		v := eff.Lookup(path, nil)
		if !pacing.Valid(v) {
			add("%s: invalid range %q", path, pacing.Stringify(v))
		}
	}

	if p, ok := number(eff.Lookup("human_simulation.break_probability", 0)); !ok || p < 0 || p > 1 {
		add("human_simulation.break_probability: must be within [0, 1]")
	}
	for _, path := range []string{"network.timeout", "network.retry_times", "network.rate_limit", "daemon.max_daily_sessions"} {
		if n, ok := number(eff.Lookup(path, 0)); !ok || n < 0 {
			add("%s: must be a non-negative number", path)
		}
	}

	s, err := Decode(t)
	if err != nil {
		add("%v", err)
	} else {
		for i, ch := range s.Notification.Channels {
			if strings.TrimSpace(ch.Name) == "" {
				add("notification.channels[%d]: name is required", i)
			}
		}
		switch strings.ToLower(strings.TrimSpace(s.Storage.Driver)) {
		case "", "file", "sqlite", "none":
		default:
			add("storage.driver: unknown driver %q", s.Storage.Driver)
		}
		if _, err := ParseDurationField("server.shutdown_timeout", s.Server.ShutdownTimeout); err != nil {
			add("%v", err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// IsValidationError reports whether err carries validation problems.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Number reads a numeric value at path, returning def when missing or not a
// number.
func (t Tree) Number(path string, def float64) float64 {
	n, ok := number(t.Lookup(path, def))
	if !ok {
		return def
	}
	return n
}

// Bool reads a boolean at path.
func (t Tree) Bool(path string, def bool) bool {
	b, ok := t.Lookup(path, def).(bool)
	if !ok {
		return def
	}
	return b
}

// String reads a string at path (non-string scalars are formatted).
func (t Tree) String(path string, def string) string {
	v := t.Lookup(path, nil)
	if v == nil {
		return def
	}
	return pacing.Stringify(v)
}
