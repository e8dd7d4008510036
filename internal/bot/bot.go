package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/remindsync/internal/bot/handlers"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/format"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
)

// SnoozeMinutes is the snooze offered under a notification.
const SnoozeMinutes = 10

// Bot talks to one Telegram chat. It shows delivered notifications there
// and turns button presses and commands into reminder actions.
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   handlers.Sender
	chatID   int64
	handlers *handlers.Handlers
	loc      *time.Location
	log      *slog.Logger

	mu sync.Mutex
	// messages maps reminder id to the message showing its notification.
	messages map[string]int
}

func New(token string, chatID int64, svc handlers.Service, c clock.Clock, loc *time.Location, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b := newBot(api, chatID, svc, c, loc, log)
	b.api = api
	return b, nil
}

func newBot(sender handlers.Sender, chatID int64, svc handlers.Service, c clock.Clock, loc *time.Location, log *slog.Logger) *Bot {
	return &Bot{
		sender:   sender,
		chatID:   chatID,
		handlers: handlers.New(sender, svc, c, loc, log),
		loc:      loc,
		log:      log.With("component", "bot"),
		messages: make(map[string]int),
	}
}

// SetParser enables free-form reminder requests.
func (b *Bot) SetParser(p handlers.ReminderParser) {
	b.handlers.SetParser(p)
}

// Present sends the notification for r, replacing the previous one for the
// same reminder to avoid flooding the chat.
func (b *Bot) Present(ctx context.Context, r *models.Reminder, isPreReminder bool) error {
	b.deletePrevious(r.ID)

	parsed := format.ParseMarkdown(NotificationText(r, isPreReminder, b.loc))
	msg := tgbotapi.NewMessage(b.chatID, parsed.Text)
	msg.Entities = parsed.Entities
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Done", handlers.CallbackData(handlers.ActionDone, r.ID, 0)),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("😴 %dm", SnoozeMinutes), handlers.CallbackData(handlers.ActionSnooze, r.ID, SnoozeMinutes)),
			tgbotapi.NewInlineKeyboardButtonData("🚫 Dismiss", handlers.CallbackData(handlers.ActionDismiss, r.ID, 0)),
		),
	)

	sent, err := b.sender.Send(msg)
	if err != nil {
		return fmt.Errorf("failed to send notification for %s: %w", r.ID, err)
	}

	b.mu.Lock()
	b.messages[r.ID] = sent.MessageID
	b.mu.Unlock()
	b.log.Info("notification sent", "reminder_id", r.ID, "pre_reminder", isPreReminder, "message_id", sent.MessageID)
	return nil
}

// Withdraw deletes the displayed notification for reminderID, if any.
func (b *Bot) Withdraw(ctx context.Context, reminderID string) error {
	b.deletePrevious(reminderID)
	return nil
}

// Alert sends a warning that needs the user's attention.
func (b *Bot) Alert(ctx context.Context, text string) error {
	parsed := format.ParseMarkdown("⚠️ **Attention**\n\n" + text)
	msg := tgbotapi.NewMessage(b.chatID, parsed.Text)
	msg.Entities = parsed.Entities
	if _, err := b.sender.Send(msg); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}

func (b *Bot) deletePrevious(reminderID string) {
	b.mu.Lock()
	messageID, ok := b.messages[reminderID]
	delete(b.messages, reminderID)
	b.mu.Unlock()
	if !ok {
		return
	}

	// The user may have deleted it already.
	if _, err := b.sender.Request(tgbotapi.NewDeleteMessage(b.chatID, messageID)); err != nil {
		b.log.Warn("failed to delete old notification", "message_id", messageID, "error", err)
	}
}

// NotificationText renders the notification body as Markdown.
func NotificationText(r *models.Reminder, isPreReminder bool, loc *time.Location) string {
	due := time.UnixMilli(r.DueTime).In(loc)
	text := "⏰ **Reminder**\n\n" + r.Title
	if isPreReminder {
		text = fmt.Sprintf("🔔 **Coming up at %s**\n\n%s", due.Format("15:04"), r.Title)
	}
	if r.Description != "" {
		text += "\n\n" + r.Description
	}
	if r.Deadline != nil {
		text += "\n\n⌛ Until " + time.UnixMilli(*r.Deadline).In(loc).Format("2006-01-02 15:04")
	}
	if r.IsRecurring() {
		text += "\n\n🔄 " + recurrence.Describe(r.Recurrence, loc)
	}
	return text
}

// Start polls updates until ctx ends. Only the configured chat is served.
func (b *Bot) Start(ctx context.Context) error {
	b.log.Info("authorized", "account", b.api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != b.chatID {
			return
		}
		// The pressed message is edited in place rather than withdrawn.
		if _, id, _, err := handlers.ParseCallbackData(cb.Data); err == nil {
			b.mu.Lock()
			if b.messages[id] == cb.Message.MessageID {
				delete(b.messages, id)
			}
			b.mu.Unlock()
		}
		b.handlers.HandleCallbackQuery(ctx, cb)
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Chat.ID != b.chatID {
		return
	}
	if msg.IsCommand() {
		b.handlers.HandleCommand(ctx, msg)
		return
	}
	b.handlers.HandleMessage(ctx, msg)
}
