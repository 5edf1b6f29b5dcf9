package channels

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/shared"
)

// ReasonRemovedByOwner is the cleanup reason for tasks removed through /remove.
const ReasonRemovedByOwner = "removed by owner via telegram"

// TaskDirectory is the session surface the bot reads and mutates.
// *session.Manager satisfies it.
type TaskDirectory interface {
	List() []persistence.Task
	Get(id string) (persistence.Task, bool)
	CleanupTask(ctx context.Context, id, reason string) error
	NextRun(id string) (time.Time, bool)
}

// TelegramChannel answers task commands sent to the notification bot. A chat
// only ever sees and removes the tasks whose notify target is that chat.
type TelegramChannel struct {
	token      string
	endpoint   string
	httpClient *http.Client
	allowedIDs map[int64]struct{}
	tasks      TaskDirectory
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	now        func() time.Time
}

// NewTelegramChannel creates a command channel. An empty allowedIDs lets any
// user query their own chat's tasks.
func NewTelegramChannel(token, endpoint string, httpClient *http.Client, allowedIDs []int64, tasks TaskDirectory, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		endpoint:   endpoint,
		httpClient: httpClient,
		allowedIDs: allowed,
		tasks:      tasks,
		logger:     logger.With("component", "channels"),
		now:        time.Now,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		return fmt.Errorf("telegram init failed: %s", shared.Redact(err.Error()))
	}

	t.logger.Info("telegram command bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = []string{"message"}
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout. Returns nil
// on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			msg := update.Message
			if msg == nil || msg.From == nil || msg.Chat == nil {
				continue
			}
			if !t.allowed(msg.From.ID) {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
				continue
			}
			if reply := t.handleCommand(ctx, msg.Chat.ID, msg.Text); reply != "" {
				t.reply(msg.Chat.ID, reply)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

// handleCommand returns the HTML reply for text sent in chatID, or "" when
// the message is not a command.
func (t *TelegramChannel) handleCommand(ctx context.Context, chatID int64, text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	// Group chats address commands as /tasks@botname.
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	switch cmd {
	case "/start", "/help":
		return helpText
	case "/tasks":
		return t.formatTasks(chatID)
	case "/remove":
		if len(fields) < 2 {
			return "Usage: <code>/remove &lt;task-id&gt;</code>"
		}
		return t.removeTask(ctx, chatID, fields[1])
	default:
		return "Unknown command. Send /help for the list."
	}
}

const helpText = "<b>Keepalive bot</b>\n\n" +
	"/tasks - list keepalive tasks reporting to this chat\n" +
	"/remove &lt;task-id&gt; - stop a task and delete its record"

func (t *TelegramChannel) formatTasks(chatID int64) string {
	var b strings.Builder
	n := 0
	for _, task := range t.tasks.List() {
		if task.NotifyTarget != chatID {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n<code>%s</code>\naccount %d, credential %s, failures %d",
			html.EscapeString(task.ID), task.ExternalAccountID,
			html.EscapeString(task.MaskedCredential()), task.ConsecutiveFailures)
		if next, ok := t.tasks.NextRun(task.ID); ok {
			fmt.Fprintf(&b, ", next run in %s", next.Sub(t.now()).Round(time.Minute))
		}
		b.WriteString("\n")
	}
	if n == 0 {
		return "No keepalive tasks report to this chat."
	}
	return fmt.Sprintf("<b>%d keepalive task(s)</b>\n%s", n, b.String())
}

func (t *TelegramChannel) removeTask(ctx context.Context, chatID int64, id string) string {
	task, ok := t.tasks.Get(id)
	if !ok || task.NotifyTarget != chatID {
		return "No such task for this chat."
	}
	if err := t.tasks.CleanupTask(ctx, id, ReasonRemovedByOwner); err != nil {
		t.logger.Error("telegram remove failed", "task_id", id, "error", err)
		return "Could not remove the task, try again later."
	}
	t.logger.Info("task removed via telegram", "task_id", id, "chat_id", chatID)
	return "Task <code>" + html.EscapeString(id) + "</code> removed."
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", shared.Redact(err.Error()))
	}
}
