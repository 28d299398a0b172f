package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramSender posts through the Bot API. The bot is created offline, so
// building a sender never touches the network.
type telegramSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

// newTelegramSender reads bot_token (or token), chat_id, optional thread_id
// and optional api_url.
func newTelegramSender(cfg map[string]any) (Sender, error) {
	token := optString(cfg, "bot_token", "token")
	if token == "" {
		return nil, errors.New("telegram: bot_token is required")
	}
	chat := optString(cfg, "chat_id")
	if chat == "" {
		return nil, errors.New("telegram: chat_id is required")
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat_id %q", chat)
	}
	var threadID int
	if raw := optString(cfg, "thread_id"); raw != "" {
		if threadID, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("telegram: invalid thread_id %q", raw)
		}
	}

	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     optString(cfg, "api_url"),
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: chatID, threadID: threadID}, nil
}

func (s *telegramSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := html.EscapeString(m.Text)
	if m.Title != "" {
		text = "<b>" + html.EscapeString(m.Title) + "</b>\n\n" + text
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.threadID,
	})
	return err
}
