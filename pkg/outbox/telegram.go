package outbox

import (
	"context"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mu-ops/mu/pkg/models"
)

// TelegramDeliverer sends outbound envelopes through the Telegram bot API.
// Bodies are normalized to Telegram HTML unless math notation is present, in
// which case plain text is sent to avoid broken formatting.
type TelegramDeliverer struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramDeliverer creates a deliverer for a bot token. Returns nil when
// the token is empty or rejected (channel disabled).
func NewTelegramDeliverer(token string) *TelegramDeliverer {
	if token == "" {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		slog.Warn("telegram bot init failed, channel delivery disabled", "error", err)
		return nil
	}
	return &TelegramDeliverer{
		bot:    bot,
		logger: slog.Default().With("component", "telegram-deliverer"),
	}
}

// Deliver implements Deliverer via sendMessage to the envelope's chat id.
func (t *TelegramDeliverer) Deliver(ctx context.Context, env models.OutboundEnvelope) Result {
	if t == nil {
		return Result{Kind: ResultRetry, Error: "telegram delivery disabled"}
	}
	chatID, err := strconv.ParseInt(env.ChannelConversationID, 10, 64)
	if err != nil {
		return Result{Kind: ResultDrop, Reason: "invalid telegram chat id: " + env.ChannelConversationID}
	}

	msg := tgbotapi.NewMessage(chatID, env.Body)
	if ContainsMathNotation(env.Body) {
		// Plain text: Telegram HTML entities collide with TeX notation.
		msg.Text = env.Body
	} else {
		msg.Text = MarkdownToTelegramHTML(env.Body)
		msg.ParseMode = tgbotapi.ModeHTML
	}

	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("sendMessage failed",
			"chat_id", chatID,
			"command_id", env.Correlation.CommandID,
			"error", err)
		return Result{Kind: ResultRetry, Error: err.Error()}
	}
	return Result{Kind: ResultDelivered}
}
