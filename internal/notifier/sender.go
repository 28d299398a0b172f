package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"wereadbot/internal/config"
)

var ErrNotImplemented = errors.New("channel not implemented")

// Sender delivers a message to one channel.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Factory builds a Sender from a channel's config keys.
type Factory func(cfg map[string]any) (Sender, error)

// Registry maps channel names to sender factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in channels.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("telegram", newTelegramSender)
	r.Register("pushplus", newPushPlusSender)
	r.Register("webhook", newWebhookSender)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns the sender for ch, or ErrNotImplemented for unknown names.
func (r *Registry) Build(ch config.ChannelConfig) (Sender, error) {
	name := strings.ToLower(strings.TrimSpace(ch.Name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, ch.Name)
	}
	return f(ch.Config)
}

func optString(cfg map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := cfg[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case int:
			s = strconv.Itoa(x)
		case int64:
			s = strconv.FormatInt(x, 10)
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
