package notification

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"binance-signal-engine/config"
)

// telegramSender is the subset of *tgbotapi.BotAPI used here
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	bot     telegramSender
	chatID  int64
	enabled bool
}

// NewTelegramNotifier authenticates the bot token against the Telegram API
func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	if !cfg.Enabled {
		return &TelegramNotifier{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegramNotifier(bot, cfg.ChatID), nil
}

func newTelegramNotifier(bot telegramSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID, enabled: bot != nil && chatID != 0}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := ""
	switch n.Severity {
	case SeverityWarning:
		prefix = "⚠️ "
	case SeverityCritical:
		prefix = "🚨 "
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("*%s%s*\n\n%s", prefix, escapeMarkdown(n.Title), escapeMarkdown(n.Body)))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
