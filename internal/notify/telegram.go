package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-keepalive/internal/shared"
)

// TelegramSink sends HTML-formatted lifecycle messages through a bot.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramSink authenticates the bot (getMe) and returns a sink. An empty
// endpoint selects the public Bot API.
func NewTelegramSink(token, endpoint string, httpClient *http.Client, logger *slog.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram notifier: empty bot token")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier init failed: %s", shared.Redact(err.Error()))
	}
	logger = logger.With("component", "notify")
	logger.Info("telegram notifier ready", "bot", bot.Self.UserName)
	return &TelegramSink{bot: bot, logger: logger}, nil
}

// BotUsername is the authenticated bot's handle.
func (s *TelegramSink) BotUsername() string {
	return s.bot.Self.UserName
}

func (s *TelegramSink) NotifySuccess(ctx context.Context, target int64, taskID string) {
	s.send(ctx, target, IntentSuccess, formatSuccess(taskID))
}

func (s *TelegramSink) NotifyFailure(ctx context.Context, target int64, taskID, errDesc string) {
	s.send(ctx, target, IntentFailure, formatFailure(taskID, errDesc))
}

func (s *TelegramSink) NotifyCleanup(ctx context.Context, target int64, taskID, reason string) {
	s.send(ctx, target, IntentCleanup, formatCleanup(taskID, reason))
}

func (s *TelegramSink) send(ctx context.Context, chatID int64, intent, text string) {
	if err := ctx.Err(); err != nil {
		s.logger.Warn("notification dropped", "intent", intent, "chat_id", chatID, "error", err)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		s.logSendError(chatID, intent, err)
		return
	}
	s.logger.Info("notification sent", "intent", intent, "chat_id", chatID)
}

func (s *TelegramSink) logSendError(chatID int64, intent string, err error) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		s.logger.Error("notification send failed", "intent", intent, "chat_id", chatID, "error", err)
		return
	}
	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		s.logger.Error("notification bot token rejected", "intent", intent, "code", apiErr.Code)
	case strings.Contains(desc, "chat not found"), strings.Contains(desc, "bot was blocked"):
		s.logger.Warn("notification recipient has not started or has blocked the bot",
			"intent", intent, "chat_id", chatID, "description", apiErr.Message)
	default:
		s.logger.Error("notification rejected", "intent", intent, "chat_id", chatID,
			"code", apiErr.Code, "description", apiErr.Message)
	}
}

func formatSuccess(taskID string) string {
	return "✅ <b>Keepalive succeeded</b>\n\n" +
		"Task ID: <code>" + html.EscapeString(taskID) + "</code>\n" +
		"Status: heartbeat completed"
}

func formatFailure(taskID, errDesc string) string {
	return "⚠️ <b>Keepalive failed</b>\n\n" +
		"Task ID: <code>" + html.EscapeString(taskID) + "</code>\n" +
		"Error: " + html.EscapeString(shared.Redact(errDesc))
}

func formatCleanup(taskID, reason string) string {
	return "🗑️ <b>Task removed</b>\n\n" +
		"Task ID: <code>" + html.EscapeString(taskID) + "</code>\n" +
		"Reason: " + html.EscapeString(reason) + "\n\n" +
		"No further keepalive runs will be made for this task."
}
