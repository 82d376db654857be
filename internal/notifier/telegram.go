package notifier

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/capacity"
	"postpilot/internal/config"
)

// Telegram sends notifications to one chat (optionally a forum topic).
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds an offline bot: no getMe call and no poller, it only
// sends.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	return newTelegram(cfg, "")
}

func newTelegram(cfg config.TelegramConfig, apiURL string) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: sendTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := t.bot.Send(t.chat, Render(n), &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              t.threadID,
		})
		done <- result{err}
	}()
	// telebot has no per-call context; the client timeout bounds the request.
	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sendTimeout + time.Second):
		return context.DeadlineExceeded
	}
}

// Render formats n as Telegram HTML.
func Render(n Notification) string {
	var b strings.Builder
	switch n.Level {
	case capacity.LevelCritical:
		b.WriteString("🚨 ")
	case capacity.LevelWarning:
		b.WriteString("⚠️ ")
	default:
		b.WriteString("ℹ️ ")
	}
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(n.Text))
	return b.String()
}
