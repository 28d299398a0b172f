package reader

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wereadbot/internal/config"
	"wereadbot/internal/pacing"
	"wereadbot/internal/session"
)

func TestSequentialWalksChapters(t *testing.T) {
	t.Parallel()
	cfg := config.Tree{"reading": map[string]any{
		"mode": "sequential",
		"books": []any{
			map[string]any{"title": "A", "chapters": 2},
			map[string]any{"book_id": "b-1", "chapters": 1},
		},
	}}
	r := NewSimulated()
	want := []Position{{"A", 1}, {"A", 2}, {"b-1", 1}, {"A", 1}}
	for i, w := range want {
		require.NoError(t, r.Read(context.Background(), session.Action{SessionID: "s", Seq: i + 1, Config: cfg}))
		assert.Equal(t, w, r.Position(cfg), "after action %d", i+1)
	}
}

func TestSmartRandomStaysWithinBooks(t *testing.T) {
	t.Parallel()
	cfg := config.Tree{"reading": map[string]any{
		"mode":  "smart_random",
		"books": []any{"x", "y", "z"},
		"smart_random": map[string]any{
			"book_continuity":      0.0,
			"chapter_continuity":   1.0,
			"book_switch_cooldown": 0,
		},
	}}
	r := NewSimulated(WithSampler(pacing.NewSampler(rand.New(rand.NewPCG(1, 1)))))
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		require.NoError(t, r.Read(context.Background(), session.Action{SessionID: "s", Seq: i + 1, Config: cfg}))
		pos := r.Position(cfg)
		assert.Contains(t, []string{"x", "y", "z"}, pos.Book)
		assert.Equal(t, 1, pos.Chapter, "a switch restarts the chapter count")
		seen[pos.Book] = true
	}
	assert.Len(t, seen, 3)
}

func TestNoBooksCountsChapters(t *testing.T) {
	t.Parallel()
	r := NewSimulated()
	cfg := config.Defaults()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Read(context.Background(), session.Action{SessionID: "s", Config: cfg}))
	}
	assert.Equal(t, Position{Book: "current", Chapter: 3}, r.Position(cfg))

	// a new session starts over
	require.NoError(t, r.Read(context.Background(), session.Action{SessionID: "t", Config: cfg}))
	assert.Equal(t, 1, r.Position(cfg).Chapter)
}

func TestReadHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSimulated().Read(ctx, session.Action{Config: config.Defaults()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		err      bool
	}{
		{in: "", want: DefaultCurlFile},
		{in: "curl.txt", want: "curl.txt"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\temp\cmd.txt`, want: "cmd.txt"},
		{in: "dir/", err: true},
		{in: "..", err: true},
	}
	for _, tt := range tests {
		got, err := SanitizeName(tt.in)
		if tt.err {
			assert.True(t, errors.Is(err, ErrInvalidName), "SanitizeName(%q) err = %v", tt.in, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCurlFilesRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := NewCurlFiles(dir)

	f, err := c.Load("")
	require.NoError(t, err)
	assert.False(t, f.Exists)
	assert.Equal(t, DefaultCurlFile, f.Name)

	name, err := c.Save("../escape.txt", "curl 'https://example.invalid'")
	require.NoError(t, err)
	assert.Equal(t, "escape.txt", name)
	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	require.NoError(t, err)

	f, err = c.Load("escape.txt")
	require.NoError(t, err)
	assert.True(t, f.Exists)
	assert.Equal(t, "curl 'https://example.invalid'", f.Content)
}
