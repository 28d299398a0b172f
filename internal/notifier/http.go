package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const pushPlusURL = "https://www.pushplus.plus/send"

var httpClient = &http.Client{Timeout: 10 * time.Second}

type jsonPoster struct {
	name  string
	url   string
	build func(m Message) any
	// ok reports whether a response status counts as delivered.
	ok func(status int) bool
}

// newPushPlusSender reads token and an optional url override.
func newPushPlusSender(cfg map[string]any) (Sender, error) {
	token := optString(cfg, "token")
	if token == "" {
		return nil, errors.New("pushplus: token is required")
	}
	url := optString(cfg, "url")
	if url == "" {
		url = pushPlusURL
	}
	return &jsonPoster{name: "pushplus", url: url, ok: statusOK, build: func(m Message) any {
		return map[string]string{"token": token, "title": m.Title, "content": m.Text}
	}}, nil
}

// newWebhookSender posts {"title", "content"} to url.
func newWebhookSender(cfg map[string]any) (Sender, error) {
	url := optString(cfg, "url")
	if url == "" {
		return nil, errors.New("webhook: url is required")
	}
	return &jsonPoster{name: "webhook", url: url, ok: status2xx, build: func(m Message) any { return m }}, nil
}

func statusOK(status int) bool  { return status == http.StatusOK }
func status2xx(status int) bool { return status/100 == 2 }

func (p *jsonPoster) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(p.build(m))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if !p.ok(resp.StatusCode) {
		return fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
	}
	return nil
}
