// Package activity keeps the rolling, human-readable record of what the bot
// is doing: the in-memory ring served to the control plane, mirrored into
// the structured (and rotated) log stream.
package activity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"wereadbot/internal/eventbus"
	logx "wereadbot/pkg/logx"
)

// Capacity is the number of entries kept in memory.
const Capacity = 1000

type Level string

const (
	Debug    Level = "debug"
	Info     Level = "info"
	Warning  Level = "warning"
	Error    Level = "error"
	Critical Level = "critical"
)

// ParseLevel accepts the usual spellings ("WARN", "warning", ...). Unknown
// names map to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Info
	}
}

func (l Level) logx() logx.Level {
	switch l {
	case Debug:
		return logx.LevelDebug
	case Warning:
		return logx.LevelWarn
	case Error, Critical:
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}

type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Log is a fixed-capacity FIFO of entries. Appends beyond Capacity evict the
// oldest entry. Every entry is also written to the durable logger and
// announced on the bus.
type Log struct {
	mu    sync.Mutex
	buf   []Entry
	head  int // index of the oldest entry
	count int

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
}

type Option func(*Log)

func WithLogger(log logx.Logger) Option { return func(l *Log) { l.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(l *Log) { l.bus = bus } }

// WithCapacity overrides Capacity; used by tests.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.buf = make([]Entry, n)
		}
	}
}

func New(opts ...Option) *Log {
	l := &Log{
		buf: make([]Entry, Capacity),
		log: logx.Nop(),
		bus: eventbus.Nop{},
		now: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	if l.bus == nil {
		l.bus = eventbus.Nop{}
	}
	return l
}

// Append stores e. A zero Timestamp is filled in and an empty Level becomes
// Info.
func (l *Log) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Level == "" {
		e.Level = Info
	}

	l.mu.Lock()
	n := len(l.buf)
	if l.count < n {
		l.buf[(l.head+l.count)%n] = e
		l.count++
	} else {
		l.buf[l.head] = e
		l.head = (l.head + 1) % n
	}
	l.mu.Unlock()

	fields := make([]logx.Field, 0, len(e.Data)+1)
	if e.Level == Critical {
		fields = append(fields, logx.Bool("critical", true))
	}
	fields = append(fields, logx.Fields(e.Data)...)
	l.log.Log(e.Level.logx(), e.Message, fields...)

	l.bus.Publish(eventbus.Event{Type: eventbus.ActivityAppended, Time: e.Timestamp, Data: e})
}

// Record appends a new entry.
func (l *Log) Record(level Level, msg string, data map[string]any) {
	l.Append(Entry{Level: level, Message: msg, Data: data})
}

func (l *Log) Debugf(format string, args ...any) { l.Record(Debug, fmt.Sprintf(format, args...), nil) }
func (l *Log) Infof(format string, args ...any)  { l.Record(Info, fmt.Sprintf(format, args...), nil) }
func (l *Log) Warnf(format string, args ...any) {
	l.Record(Warning, fmt.Sprintf(format, args...), nil)
}
func (l *Log) Errorf(format string, args ...any) {
	l.Record(Error, fmt.Sprintf(format, args...), nil)
}

// Query returns up to limit of the most recent entries, oldest first.
// A non-positive limit returns everything.
func (l *Log) Query(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Entry, limit)
	n := len(l.buf)
	start := l.head + l.count - limit
	for i := range out {
		out[i] = l.buf[(start+i)%n]
	}
	return out
}

// Len reports the number of entries held in memory.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear empties the in-memory ring. The durable stream is untouched.
func (l *Log) Clear() {
	l.mu.Lock()
	clear(l.buf)
	l.head, l.count = 0, 0
	l.mu.Unlock()
	l.bus.Publish(eventbus.Event{Type: eventbus.ActivityCleared, Time: l.now()})
}
