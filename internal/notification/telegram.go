package notification

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// TelegramSink posts trade lifecycle events to a chat via the Telegram
// Bot API. Per-tick updates are ignored.
type TelegramSink struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegramSink authorizes the bot and returns a sink for chatID.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramSink(botToken, chatID string) (*TelegramSink, error) {
	return newTelegramSink(botToken, chatID, tgbotapi.APIEndpoint)
}

func newTelegramSink(botToken, chatID, endpoint string) (*TelegramSink, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: chat id %q: %w", chatID, err)
	}
	api, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: authorize: %w", err)
	}
	log.Printf("[telegram] authorized as %s", api.Self.UserName)
	return &TelegramSink{
		api:    api,
		chatID: id,
		// Telegram allows roughly one message per second per chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}, nil
}

func (t *TelegramSink) Publish(ctx context.Context, ev Event) {
	text, ok := formatTrade(ev)
	if !ok {
		return
	}
	if err := t.send(ctx, text); err != nil {
		log.Printf("[telegram] %v", err)
	}
}

// formatTrade renders a trade event as MarkdownV2.
func formatTrade(ev Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case TradeExecuted:
		return fmt.Sprintf("📈 *%s %s %s %s*\n\norder %s at %s",
			escapeMarkdown(string(p.Action)), escapeMarkdown(p.Symbol), escapeMarkdown(p.Strike),
			escapeMarkdown(string(p.OptionType)), escapeMarkdown(p.OrderID),
			escapeMarkdown(p.EntryPrice.StringFixed(2))), true
	case TradeSquaredOff:
		emoji := "✅"
		if p.RealizedPnL.IsNegative() {
			emoji = "🔻"
		}
		return fmt.Sprintf("%s *Squared off %s*\n\nentry %s exit %s\nPnL %s",
			emoji, escapeMarkdown(p.OrderID),
			escapeMarkdown(p.EntryPrice.StringFixed(2)), escapeMarkdown(p.ExitPrice.StringFixed(2)),
			escapeMarkdown(p.RealizedPnL.StringFixed(2))), true
	default:
		return "", false
	}
}

func (t *TelegramSink) send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit: %w", err)
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
