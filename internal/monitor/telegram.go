package monitor

import (
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"

	"trading-engine/internal/events"
)

// TelegramSink pushes alerts to a Telegram chat. Outbound only; the bot
// never polls for updates.
type TelegramSink struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegramSink builds a sink for the given bot token and chat. The
// token is validated against the Telegram API once, up front.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, chat: tele.ChatID(chatID)}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(a events.RiskEvent) error {
	at := a.Time
	if at.IsZero() {
		at = time.Now()
	}
	msg := fmt.Sprintf("🚨 *%s*\n%s", a.Kind, a.Message)
	if a.Symbol != "" {
		msg += fmt.Sprintf("\nSymbol: `%s`", a.Symbol)
	}
	if a.Strategy != "" {
		msg += fmt.Sprintf("\nStrategy: `%s`", a.Strategy)
	}
	msg += fmt.Sprintf("\n_%s_", at.Format("2006-01-02 15:04:05"))

	_, err := s.bot.Send(s.chat, msg, tele.ModeMarkdown)
	return err
}
