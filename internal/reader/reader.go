// Package reader provides the session executor. The reading protocol itself
// lives outside this repository; Simulated walks the configured book list
// the way a person would, so sessions, pacing and retries can run end to
// end.
package reader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"wereadbot/internal/activity"
	"wereadbot/internal/config"
	"wereadbot/internal/pacing"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
)

type book struct {
	ID       string
	Title    string
	Chapters int
}

// Position is where the simulated reader currently is.
type Position struct {
	Book    string `json:"book"`
	Chapter int    `json:"chapter"`
}

type Simulated struct {
	sampler  *pacing.Sampler
	activity *activity.Log
	log      logx.Logger
	now      func() time.Time

	mu         sync.Mutex
	session    string
	bookIdx    int
	chapter    int
	lastSwitch time.Time
}

type Option func(*Simulated)

func WithSampler(s *pacing.Sampler) Option  { return func(r *Simulated) { r.sampler = s } }
func WithActivity(l *activity.Log) Option   { return func(r *Simulated) { r.activity = l } }
func WithLogger(l logx.Logger) Option       { return func(r *Simulated) { r.log = l } }
func WithClock(now func() time.Time) Option { return func(r *Simulated) { r.now = now } }

func NewSimulated(opts ...Option) *Simulated {
	r := &Simulated{log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.sampler == nil {
		r.sampler = pacing.NewSampler(nil)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

var _ session.Executor = (*Simulated)(nil)

// Read advances the reading position for one action.
func (r *Simulated) Read(ctx context.Context, a session.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	books := parseBooks(a.Config.Lookup("reading.books", nil))
	mode := strings.ToLower(a.Config.String("reading.mode", "smart_random"))

	r.mu.Lock()
	if r.session != a.SessionID {
		r.session = a.SessionID
		r.bookIdx, r.chapter = 0, 0
		r.lastSwitch = r.now()
		if len(books) > 1 && mode != "sequential" {
			r.bookIdx = r.pick(len(books))
		}
	}
	if len(books) == 0 {
		r.chapter++
	} else {
		if r.bookIdx >= len(books) {
			r.bookIdx = 0
		}
		switch mode {
		case "sequential":
			r.advanceSequential(books)
		default:
			r.advanceSmart(books, a.Config)
		}
	}
	pos := r.positionLocked(books)
	r.mu.Unlock()

	r.log.Debug("read action",
		logx.String("session_id", a.SessionID),
		logx.Int("seq", a.Seq),
		logx.String("book", pos.Book),
		logx.Int("chapter", pos.Chapter),
	)
	if r.activity != nil {
		r.activity.Record(activity.Debug, fmt.Sprintf("reading %s, chapter %d", pos.Book, pos.Chapter), map[string]any{
			"session_id": a.SessionID,
			"seq":        a.Seq,
		})
	}
	return nil
}

// Position returns the current reading position.
func (r *Simulated) Position(cfg config.Tree) Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.positionLocked(parseBooks(cfg.Lookup("reading.books", nil)))
}

func (r *Simulated) positionLocked(books []book) Position {
	if len(books) == 0 || r.bookIdx >= len(books) {
		return Position{Book: "current", Chapter: r.chapter}
	}
	b := books[r.bookIdx]
	name := b.Title
	if name == "" {
		name = b.ID
	}
	return Position{Book: name, Chapter: r.chapter}
}

func (r *Simulated) advanceSequential(books []book) {
	r.chapter++
	if ch := books[r.bookIdx].Chapters; ch > 0 && r.chapter > ch {
		r.bookIdx = (r.bookIdx + 1) % len(books)
		r.chapter = 1
		r.lastSwitch = r.now()
	}
}

// advanceSmart mostly stays in the current book and chapter order, with
// occasional jumps governed by the smart_random section.
func (r *Simulated) advanceSmart(books []book, cfg config.Tree) {
	bookStay := cfg.Number("reading.smart_random.book_continuity", 0.8)
	chapterStay := cfg.Number("reading.smart_random.chapter_continuity", 0.7)
	cooldown := time.Duration(cfg.Number("reading.smart_random.book_switch_cooldown", 300) * float64(time.Second))

	now := r.now()
	if len(books) > 1 && now.Sub(r.lastSwitch) >= cooldown && !r.sampler.Chance(bookStay) {
		next := r.pick(len(books) - 1)
		if next >= r.bookIdx {
			next++
		}
		r.bookIdx = next
		r.chapter = 0
		r.lastSwitch = now
	}

	chapters := books[r.bookIdx].Chapters
	if r.chapter == 0 || r.sampler.Chance(chapterStay) || chapters <= 1 {
		r.chapter++
	} else {
		r.chapter = r.pick(chapters) + 1
	}
	if chapters > 0 && r.chapter > chapters {
		r.chapter = 1
	}
}

// pick returns a value in [0, n).
func (r *Simulated) pick(n int) int {
	if n <= 1 {
		return 0
	}
	v := int(r.sampler.Sample(fmt.Sprintf("0-%d", n)))
	return min(v, n-1)
}

// parseBooks accepts a list of ids or of maps with book_id/id, title/name
// and chapters keys.
func parseBooks(v any) []book {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]book, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out = append(out, book{ID: s})
			}
		case map[string]any:
			t := config.Tree(x)
			b := book{
				ID:       firstNonEmpty(t.String("book_id", ""), t.String("id", "")),
				Title:    firstNonEmpty(t.String("title", ""), t.String("name", "")),
				Chapters: int(t.Number("chapters", 0)),
			}
			if b.ID != "" || b.Title != "" {
				out = append(out, b)
			}
		default:
			if s := pacing.Stringify(x); s != "" {
				out = append(out, book{ID: s})
			}
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
