package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wereadbot/internal/config"
	"wereadbot/internal/eventbus"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	sent  []string // "<id>:<title>"
	fails map[string]int
	got   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fails: map[string]int{}, got: make(chan struct{}, 64)}
}

func (r *recorder) factory(cfg map[string]any) (Sender, error) {
	id := optString(cfg, "id")
	if id == "" {
		return nil, errors.New("fake: id is required")
	}
	return SenderFunc(func(ctx context.Context, m Message) error {
		r.mu.Lock()
		if r.fails[id] > 0 {
			r.fails[id]--
			r.mu.Unlock()
			return errors.New("boom")
		}
		r.sent = append(r.sent, id+":"+m.Title)
		r.mu.Unlock()
		select {
		case r.got <- struct{}{}:
		default:
		}
		return nil
	}), nil
}

func (r *recorder) sentCopy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d of %d", i+1, n)
		}
	}
}

func fakeChannel(id string) config.ChannelConfig {
	return config.ChannelConfig{Name: "fake", Config: map[string]any{"id": id}}
}

func newTestService(t *testing.T, cfg Config) (*Service, *recorder) {
	t.Helper()
	rec := newRecorder()
	reg := NewRegistry()
	reg.Register("fake", rec.factory)
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, reg, logx.Nop(), eventbus.New(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, rec
}

func TestNotifyFansOutToEnabledChannels(t *testing.T) {
	t.Parallel()
	off := false
	disabled := fakeChannel("c")
	disabled.Enabled = &off
	s, rec := newTestService(t, Config{Channels: []config.ChannelConfig{fakeChannel("a"), fakeChannel("b"), disabled}})

	require.NoError(t, s.Notify(context.Background(), Message{Title: "hi", Text: "there"}))
	rec.wait(t, 2)
	assert.ElementsMatch(t, []string{"a:hi", "b:hi"}, rec.sentCopy())
	assert.Len(t, s.Snapshot(), 2)
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{
		Channels:      []config.ChannelConfig{fakeChannel("a")},
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	})
	rec.mu.Lock()
	rec.fails["a"] = 2
	rec.mu.Unlock()

	require.NoError(t, s.Notify(context.Background(), Message{Title: "retry"}))
	rec.wait(t, 1)
	assert.Equal(t, []string{"a:retry"}, rec.sentCopy())
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{
		Channels:    []config.ChannelConfig{fakeChannel("a")},
		DedupWindow: time.Minute,
	})
	m := Message{Title: "same", Text: "text"}
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), Message{Title: "other"}))
	rec.wait(t, 2)

	// give a stray duplicate the chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.ElementsMatch(t, []string{"a:same", "a:other"}, rec.sentCopy())
}

func TestNotifyErrors(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{}), ErrDisabled)

	s = New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{}), ErrStopped)

	s2, _ := newTestService(t, Config{})
	assert.ErrorIs(t, s2.Notify(context.Background(), Message{}), ErrNoChannels)
	assert.NoError(t, s2.SendAlert(context.Background(), "nobody listens"))
}

func TestTestReportsPerChannel(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{})
	rec.mu.Lock()
	rec.fails["bad"] = 1
	rec.mu.Unlock()

	results := s.Test(context.Background(), []config.ChannelConfig{
		fakeChannel("ok"),
		fakeChannel("bad"),
		{Name: "carrier-pigeon"},
		{Name: "telegram", Config: map[string]any{"bot_token": "123:abc"}},
	}, Message{Title: "t", Text: "c"})

	require.Len(t, results, 4)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "boom", results[1].Message)
	assert.True(t, results[2].Success)
	assert.Contains(t, results[2].Message, "not implemented")
	assert.False(t, results[3].Success)
	assert.Contains(t, results[3].Message, "chat_id")
}

func TestPushPlusPostsJSON(t *testing.T) {
	t.Parallel()
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sender, err := NewRegistry().Build(config.ChannelConfig{
		Name:   "pushplus",
		Config: map[string]any{"token": "tok", "url": srv.URL},
	})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), Message{Title: "T", Text: "C"}))
	assert.Equal(t, map[string]string{"token": "tok", "title": "T", "content": "C"}, body)
}

func TestWebhookReportsStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	sender, err := NewRegistry().Build(config.ChannelConfig{Name: "webhook", Config: map[string]any{"url": srv.URL}})
	require.NoError(t, err)
	err = sender.Send(context.Background(), Message{Title: "T"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	_, err = NewRegistry().Build(config.ChannelConfig{Name: "webhook"})
	assert.Error(t, err)
}

func TestWebhookAcceptsAny2xx(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		s, err := newWebhookSender(map[string]any{"url": srv.URL})
		require.NoError(t, err)
		assert.NoError(t, s.Send(context.Background(), Message{Title: "t", Text: "x"}), "status %d", code)
		srv.Close()
	}
}

func TestPushPlusRejectsNon200(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := newPushPlusSender(map[string]any{"token": "tok", "url": srv.URL})
	require.NoError(t, err)
	err = s.Send(context.Background(), Message{Title: "t", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "204")
}

func TestRunForwardsOutcomes(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{Channels: []config.ChannelConfig{fakeChannel("a")}})
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, bus)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// wait until Run has subscribed
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: session.Outcome{ID: "probe", Status: session.Completed}})
		select {
		case <-rec.got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: session.Outcome{ID: "s2", Status: session.Stopped}})
	bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: session.Outcome{ID: "s3", Status: session.Failed, Error: "x"}})
	require.Eventually(t, func() bool {
		return slices.Contains(rec.sentCopy(), "a:WeRead session failed")
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, rec.sentCopy(), "a:WeRead session stopped")
}

func TestFormatOutcome(t *testing.T) {
	t.Parallel()
	end := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	o := session.Outcome{ID: "0123456789abcdef", Status: session.Completed, EndTime: end, Duration: 90500 * time.Millisecond, Actions: 12}

	m := FormatOutcome(o, false)
	assert.Equal(t, "WeRead session completed", m.Title)
	assert.Equal(t, "Session 01234567 finished with status completed.", m.Text)

	m = FormatOutcome(o, true)
	assert.Contains(t, m.Text, "Duration: 1m31s")
	assert.Contains(t, m.Text, "Actions: 12")
	assert.Contains(t, m.Text, "Finished at: 2024-05-01 10:30:00")
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	cfg, err := ConfigFrom(config.NotificationConfig{Enabled: true, RetryBase: "2s", DedupWindow: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RetryBase)
	assert.Equal(t, 10*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, time.Minute, cfg.DedupWindow)

	_, err = ConfigFrom(config.NotificationConfig{RetryBase: "soon"})
	assert.Error(t, err)
}
