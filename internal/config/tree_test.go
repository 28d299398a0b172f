package config

import (
	"errors"
	"reflect"
	"testing"
)

func TestMergeRecursesIntoMaps(t *testing.T) {
	t.Parallel()
	base := Tree{
		"reading": map[string]any{"target_duration": "60-70", "reading_interval": "25-35"},
		"app":     map[string]any{"name": "WeReadBot"},
	}
	override := Tree{
		"reading": map[string]any{"target_duration": "1-2"},
		"extra":   true,
	}
	got := Merge(base, override)
	want := Tree{
		"reading": map[string]any{"target_duration": "1-2", "reading_interval": "25-35"},
		"app":     map[string]any{"name": "WeReadBot"},
		"extra":   true,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge = %#v, want %#v", got, want)
	}
}

func TestMergeReplacesNonMaps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		base     any
		override any
		want     any
	}{
		{name: "list replaced", base: []any{"a", "b"}, override: []any{"c"}, want: []any{"c"}},
		{name: "map replaced by scalar", base: map[string]any{"x": 1}, override: "flat", want: "flat"},
		{name: "scalar replaced by map", base: 5, override: map[string]any{"x": 1}, want: map[string]any{"x": 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Merge(Tree{"k": tt.base}, Tree{"k": tt.override})
			if !reflect.DeepEqual(got["k"], tt.want) {
				t.Fatalf("k = %#v, want %#v", got["k"], tt.want)
			}
		})
	}
}

func TestMergeIdentityAndIdempotence(t *testing.T) {
	t.Parallel()
	base := Defaults()
	if got := Merge(base, Tree{}); !reflect.DeepEqual(got, base) {
		t.Fatal("Merge(base, {}) != base")
	}
	if got := Merge(base, nil); !reflect.DeepEqual(got, base) {
		t.Fatal("Merge(base, nil) != base")
	}
	o := Tree{"reading": map[string]any{"target_duration": "0.01-0.01"}, "network": map[string]any{"retry_times": 0}}
	once := Merge(base, o)
	twice := Merge(once, o)
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("Merge is not idempotent for a fixed override")
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	base := Tree{"reading": map[string]any{"books": []any{"a"}, "mode": "smart_random"}}
	override := Tree{"reading": map[string]any{"mode": "sequential"}}
	baseCopy := Clone(base)
	overrideCopy := Clone(override)

	got := Merge(base, override)
	got.Section("reading")["mode"] = "changed"
	got.Section("reading")["books"].([]any)[0] = "changed"

	if !reflect.DeepEqual(base, baseCopy) {
		t.Fatalf("base mutated: %#v", base)
	}
	if !reflect.DeepEqual(override, overrideCopy) {
		t.Fatalf("override mutated: %#v", override)
	}
}

func TestValueAndWith(t *testing.T) {
	t.Parallel()
	tree := Defaults()
	v, err := tree.Value("reading.smart_random.book_continuity")
	if err != nil || v != 0.8 {
		t.Fatalf("Value = %v, %v", v, err)
	}
	if _, err := tree.Value("reading.nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key err = %v", err)
	}
	if _, err := tree.Value("app.name.deeper"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("descend into scalar err = %v", err)
	}

	next, err := tree.With("network.retry_times", 7)
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if got := next.Number("network.retry_times", 0); got != 7 {
		t.Fatalf("retry_times = %v", got)
	}
	if got := tree.Number("network.retry_times", 0); got != 3 {
		t.Fatalf("original tree changed: %v", got)
	}
	if got := next.String("network.retry_delay", ""); got != "5-15" {
		t.Fatalf("sibling lost: %q", got)
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := Defaults()
	b, _ := a.With("schedule.enabled", true)
	b, _ = b.With("daemon.max_daily_sessions", 3)
	got := ChangedSections(a, b)
	want := []string{"daemon", "schedule"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChangedSections = %v, want %v", got, want)
	}
	if got := ChangedSections(a, Clone(a)); len(got) != 0 {
		t.Fatalf("identical trees reported changes: %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := Tree{
		"reading":          map[string]any{"target_duration": "1-2-3"},
		"human_simulation": map[string]any{"break_probability": 2},
		"storage":          map[string]any{"driver": "postgres"},
	}
	err := Validate(bad)
	if !IsValidationError(err) {
		t.Fatalf("Validate err = %v, want ValidationError", err)
	}
	var ve *ValidationError
	errors.As(err, &ve)
	if len(ve.Problems) != 3 {
		t.Fatalf("problems = %v", ve.Problems)
	}
}

func TestDecodeSettings(t *testing.T) {
	t.Parallel()
	s, err := Decode(Tree{
		"server": map[string]any{"port": 8080},
		"notification": map[string]any{
			"channels": []any{map[string]any{"name": "telegram", "config": map[string]any{"chat_id": "1"}}},
		},
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Server.Port != 8080 || s.Server.Host != "0.0.0.0" {
		t.Fatalf("server = %+v", s.Server)
	}
	if len(s.Notification.Channels) != 1 || !s.Notification.Channels[0].IsEnabled() {
		t.Fatalf("channels = %+v", s.Notification.Channels)
	}
	if s.Logging.MaxSize != "10MB" || s.Logging.BackupCount != 5 {
		t.Fatalf("logging defaults lost: %+v", s.Logging)
	}
}
