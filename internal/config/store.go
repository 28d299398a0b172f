package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "wereadbot/pkg/logx"
)

// Store owns the YAML config file.
//
// The committed tree is always the file merged over Defaults(), so readers
// never see a missing section. Subscribers receive the effective tree after
// every committed change (API save, import, reset, or an edit on disk).
type Store struct {
	path string

	mu  sync.RWMutex
	raw Tree // file content as written
	eff Tree // raw merged over defaults

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan Tree

	log       logx.Logger
	validator func(ctx context.Context, t Tree) error

	// lastHash tracks the last committed content so editor write bursts and
	// our own saves do not republish identical config.
	lastHash uint64
}

func NewStore(path string) *Store {
	return &Store{path: path, log: logx.Nop()}
}

func (s *Store) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s.log = log
}

// SetValidator installs a validation hook used by Watch() before committing.
func (s *Store) SetValidator(fn func(ctx context.Context, t Tree) error) {
	s.validator = fn
}

func (s *Store) Path() string { return s.path }

// Parse reads and decodes the file without committing it.
// A missing file yields fs.ErrNotExist.
func (s *Store) Parse() (Tree, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	t, err := DecodeTree(s.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return t, nil
}

// Load reads the file, commits it and returns the effective tree.
//
// When the file does not exist the defaults are written to disk and
// returned. Parse errors are returned and leave the committed tree as is.
func (s *Store) Load() (Tree, error) {
	raw, err := s.Parse()
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("config file missing; writing defaults", logx.String("path", s.path))
		raw = Defaults()
		if werr := s.write(raw); werr != nil {
			s.log.Warn("write default config failed", logx.String("path", s.path), logx.Err(werr))
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	s.Commit(raw)
	return s.Get(), nil
}

// Reload re-reads the file and publishes it when the content changed.
func (s *Store) Reload(ctx context.Context) (Tree, error) {
	raw, err := s.Parse()
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, raw); err != nil {
		return nil, err
	}
	if s.commitIfChanged(raw) {
		s.publish(s.Get())
	}
	return s.Get(), nil
}

// Commit installs raw as the current content without writing or publishing.
func (s *Store) Commit(raw Tree) {
	raw = Clone(raw)
	if raw == nil {
		raw = Tree{}
	}
	eff := Merge(Defaults(), raw)
	h := hashTree(raw)
	s.mu.Lock()
	s.raw = raw
	s.eff = eff
	s.lastHash = h
	s.mu.Unlock()
}

func (s *Store) commitIfChanged(raw Tree) bool {
	h := hashTree(raw)
	s.mu.RLock()
	unchanged := h != 0 && h == s.lastHash
	s.mu.RUnlock()
	if unchanged {
		return false
	}
	s.Commit(raw)
	return true
}

// Get returns a copy of the effective tree. Before the first Load it returns
// the defaults.
func (s *Store) Get() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eff == nil {
		return Defaults()
	}
	return Clone(s.eff)
}

// Raw returns a copy of the file content as last committed.
func (s *Store) Raw() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return Defaults()
	}
	return Clone(s.raw)
}

// Settings decodes the effective tree into its typed view.
func (s *Store) Settings() (*Settings, error) { return Decode(s.Get()) }

// Value resolves a dotted path against the effective tree.
func (s *Store) Value(path string) (any, error) { return s.Get().Value(path) }

// Save writes t as the new file content, commits and publishes it.
func (s *Store) Save(ctx context.Context, t Tree) error {
	if err := s.validate(ctx, t); err != nil {
		return err
	}
	if err := s.write(t); err != nil {
		return err
	}
	if s.commitIfChanged(t) {
		s.publish(s.Get())
	}
	s.log.Info("config saved", logx.String("path", s.path))
	return nil
}

// Set updates one dotted path and saves.
func (s *Store) Set(ctx context.Context, path string, v any) error {
	next, err := s.Raw().With(path, v)
	if err != nil {
		return err
	}
	return s.Save(ctx, next)
}

// MergeAndSave merges override into the file content and saves.
func (s *Store) MergeAndSave(ctx context.Context, override Tree) error {
	return s.Save(ctx, Merge(s.Raw(), override))
}

// Reset replaces the file with the defaults.
func (s *Store) Reset(ctx context.Context) error {
	return s.Save(ctx, Defaults())
}

// Export renders the current file content as YAML.
func (s *Store) Export() ([]byte, error) { return EncodeTree(s.Raw()) }

// Import decodes a YAML document and saves it.
func (s *Store) Import(ctx context.Context, data []byte) error {
	t, err := DecodeTree(s.path, data)
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	return s.Save(ctx, t)
}

func (s *Store) validate(ctx context.Context, t Tree) error {
	if s.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.validator(vctx, t)
}

func (s *Store) write(t Tree) error {
	b, err := EncodeTree(t)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func hashTree(t Tree) uint64 {
	if t == nil {
		return 0
	}
	b, err := json.Marshal(normalizeYAML(map[string]any(t)))
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (s *Store) Subscribe(buffer int) chan Tree {
	ch := make(chan Tree, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan Tree) {
	if ch == nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, c := range s.subs {
		if c == ch {
			last := len(s.subs) - 1
			s.subs[i] = s.subs[last]
			s.subs[last] = nil
			s.subs = s.subs[:last]
			close(ch)
			return
		}
	}
}

func (s *Store) publish(t Tree) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		// Slow subscriber: drop one oldest item, then push the newest.
		select {
		case ch <- Clone(t):
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Clone(t):
			default:
				s.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// Watch reloads the file on change until ctx is done. Bursts of events are
// debounced; a broken watcher is recreated with jittered backoff.
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
		debounceDelay      = 250 * time.Millisecond
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.Reload(ctx); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					s.log.Debug("config file gone; keeping current config", logx.String("path", s.path))
					return
				}
				s.log.Warn("config reload rejected", logx.String("path", s.path), logx.Err(err))
				return
			}
			s.log.Debug("config reload checked", logx.String("path", s.path))
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			s.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		s.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					s.log.Warn("config watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				s.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}

		_ = w.Close()
		wait := nextWait()
		s.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Duration("backoff", wait),
		)
		if !sleep(wait) {
			return nil
		}
	}
}
