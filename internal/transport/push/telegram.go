package push

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

const telegramTextLimit = 4000

// Telegram sends reminders as bot messages. A target is a chat id, optionally
// followed by a forum thread id: "-1001234567890" or "-1001234567890:42".
type Telegram struct {
	bot       *tele.Bot
	parseMode tele.ParseMode
	log       logx.Logger
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Sending only; no getMe round trip and no poller.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, parseMode: tele.ParseMode(cfg.ParseMode), log: log}, nil
}

func (t *Telegram) Deliver(ctx context.Context, target fanout.Target, title, body string) error {
	chatID, threadID, err := parseChatTarget(string(target))
	if err != nil {
		return err
	}
	text := formatText(title, body, t.parseMode)
	opt := &tele.SendOptions{ParseMode: t.parseMode, ThreadID: threadID}

	// telebot has no context support; run the call so ctx can bound the wait.
	done := make(chan error, 1)
	started := time.Now()
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, opt)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return classifyTelegramError(target, err)
		}
		t.log.Debug("telegram reminder sent", logx.String("target", string(target)), logx.Duration("took", time.Since(started)))
		return nil
	}
}

func parseChatTarget(s string) (int64, int, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("telegram target %q: bad chat id: %w", s, fanout.ErrInvalidTarget)
	}
	if !hasThread {
		return chatID, 0, nil
	}
	threadID, err := strconv.Atoi(thread)
	if err != nil || threadID <= 0 {
		return 0, 0, fmt.Errorf("telegram target %q: bad thread id: %w", s, fanout.ErrInvalidTarget)
	}
	return chatID, threadID, nil
}

// formatText clips title and body to the visible text limit before any
// escaping, so markup and entities are never cut.
func formatText(title, body string, mode tele.ParseMode) string {
	title = clipRunes(strings.TrimSpace(title), telegramTextLimit)
	if title != "" {
		body = clipRunes(body, telegramTextLimit-utf8.RuneCountInString(title)-1)
	} else {
		body = clipRunes(body, telegramTextLimit)
	}
	switch {
	case mode == tele.ModeHTML && title != "":
		return "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(body)
	case mode == tele.ModeHTML:
		return html.EscapeString(body)
	case title != "":
		return title + "\n" + body
	default:
		return body
	}
}

func clipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Chat-level errors that will fail again for every future reminder.
var permanentTelegramErrors = []error{
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
}

var permanentTelegramPhrases = []string{
	"chat not found",
	"bot was blocked by the user",
	"user is deactivated",
	"bot was kicked",
	"bot can't initiate conversation",
}

func classifyTelegramError(target fanout.Target, err error) error {
	for _, p := range permanentTelegramErrors {
		if errors.Is(err, p) {
			return fmt.Errorf("telegram %s: %v: %w", target, err, fanout.ErrInvalidTarget)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentTelegramPhrases {
		if strings.Contains(msg, p) {
			return fmt.Errorf("telegram %s: %v: %w", target, err, fanout.ErrInvalidTarget)
		}
	}
	return fmt.Errorf("telegram %s: %w", target, err)
}
