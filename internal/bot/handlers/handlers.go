package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/format"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/reminders"
	"github.com/hray3182/remindsync/internal/store"
)

// Sender is the part of the Telegram API the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Service is the reminder write path.
type Service interface {
	Create(ctx context.Context, in reminders.NewReminder) (*models.Reminder, error)
	List(ctx context.Context, statuses ...models.Status) ([]*models.Reminder, error)
	Complete(ctx context.Context, id string) (*models.Reminder, error)
	Dismiss(ctx context.Context, id string) (*models.Reminder, error)
	Snooze(ctx context.Context, id string, until int64) (*models.Reminder, error)
	Delete(ctx context.Context, id string) error
}

// ReminderParser reads a free-form reminder request.
type ReminderParser interface {
	ParseReminder(ctx context.Context, text string, now time.Time) (reminders.NewReminder, error)
}

type Handlers struct {
	api    Sender
	svc    Service
	parser ReminderParser
	clock  clock.Clock
	loc    *time.Location
	log    *slog.Logger
}

func New(api Sender, svc Service, c clock.Clock, loc *time.Location, log *slog.Logger) *Handlers {
	return &Handlers{
		api:   api,
		svc:   svc,
		clock: c,
		loc:   loc,
		log:   log.With("component", "handlers"),
	}
}

// SetParser enables free-form reminders: /remind text the fixed syntax
// does not match, and plain chat messages, are read by p.
func (h *Handlers) SetParser(p ReminderParser) {
	h.parser = p
}

// HandleMessage handles a non-command message.
func (h *Handlers) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if h.parser == nil || strings.TrimSpace(msg.Text) == "" {
		h.sendMessage(msg.Chat.ID, "Send /help for the commands")
		return
	}
	in, err := h.parser.ParseReminder(ctx, msg.Text, h.now())
	if err != nil {
		h.log.Info("free-form reminder not parsed", "error", err)
		h.sendMessage(msg.Chat.ID, "Sorry, I could not read that as a reminder. Try /remind HH:MM <text>")
		return
	}
	h.createReminder(ctx, msg.Chat.ID, in)
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		h.handleHelp(ctx, msg)
	case "remind":
		h.handleReminder(ctx, msg)
	case "reminders":
		h.handleReminderList(ctx, msg)
	case "delete":
		h.handleDelete(ctx, msg)
	default:
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
	}
}

// HandleCallbackQuery handles the buttons under a notification. Data is
// "<action>:<reminder id>[:<minutes>]".
func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	answer := tgbotapi.NewCallback(callback.ID, "")
	if _, err := h.api.Request(answer); err != nil {
		h.log.Warn("failed to answer callback", "error", err)
	}

	action, id, minutes, err := ParseCallbackData(callback.Data)
	if err != nil {
		h.log.Warn("bad callback data", "data", callback.Data, "error", err)
		return
	}

	var text string
	switch action {
	case ActionDone:
		next, err := h.svc.Complete(ctx, id)
		if err != nil {
			text = h.failureText(err)
			break
		}
		text = "✅ Done"
		if next != nil {
			text += "\n🔄 Next: " + h.formatTime(next.DueTime)
		}
	case ActionDismiss:
		next, err := h.svc.Dismiss(ctx, id)
		if err != nil {
			text = h.failureText(err)
			break
		}
		text = "🚫 Dismissed"
		if next != nil {
			text += "\n🔄 Next: " + h.formatTime(next.DueTime)
		}
	case ActionSnooze:
		until := h.clock.Now() + int64(minutes)*int64(time.Minute/time.Millisecond)
		if _, err := h.svc.Snooze(ctx, id, until); err != nil {
			text = h.failureText(err)
			break
		}
		text = fmt.Sprintf("😴 Snoozed until %s", h.formatTime(until))
	}

	if callback.Message != nil {
		h.editMessageText(callback.Message.Chat.ID, callback.Message.MessageID, text)
	}
}

func (h *Handlers) failureText(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "❌ This reminder no longer exists"
	case errors.Is(err, reminders.ErrInvalidTransition):
		return "❌ This reminder is already closed"
	}
	h.log.Error("reminder action failed", "error", err)
	return "❌ Something went wrong, please try again"
}

func (h *Handlers) handleHelp(ctx context.Context, msg *tgbotapi.Message) {
	text := `📖 **Commands**

/remind [daily|weekly] [YYYY-MM-DD] HH:MM <text> - set a reminder
/reminders - list pending reminders
/delete <id> - delete a reminder

Buttons under a notification complete, snooze or dismiss it.`
	h.sendMessage(msg.Chat.ID, text)
}

func (h *Handlers) handleReminder(ctx context.Context, msg *tgbotapi.Message) {
	args := msg.CommandArguments()
	in, err := ParseRemind(args, h.now())
	if err != nil && h.parser != nil && strings.TrimSpace(args) != "" {
		in, err = h.parser.ParseReminder(ctx, args, h.now())
		if err != nil {
			h.log.Info("free-form reminder not parsed", "error", err)
		}
	}
	if err != nil {
		h.sendMessage(msg.Chat.ID, "Usage: /remind [daily|weekly] [YYYY-MM-DD] HH:MM <text>\nFor example: /remind 15:30 meeting")
		return
	}
	h.createReminder(ctx, msg.Chat.ID, in)
}

func (h *Handlers) createReminder(ctx context.Context, chatID int64, in reminders.NewReminder) {
	r, err := h.svc.Create(ctx, in)
	if err != nil {
		h.log.Error("failed to create reminder", "error", err)
		h.sendMessage(chatID, "Failed to create the reminder, please try again later")
		return
	}
	text := fmt.Sprintf("⏰ Reminder set\nTime: %s\nText: %s", h.formatTime(r.DueTime), r.Title)
	if r.IsRecurring() {
		text += "\n🔄 " + describe(r, h.loc)
	}
	h.sendMessage(chatID, text)
}

func (h *Handlers) now() time.Time {
	return time.UnixMilli(h.clock.Now()).In(h.loc)
}

func (h *Handlers) handleReminderList(ctx context.Context, msg *tgbotapi.Message) {
	list, err := h.svc.List(ctx, models.PendingStatuses...)
	if err != nil && !errors.Is(err, store.ErrCorruptRecord) {
		h.log.Error("failed to list reminders", "error", err)
		h.sendMessage(msg.Chat.ID, "Failed to load reminders, please try again later")
		return
	}
	if len(list) == 0 {
		h.sendMessage(msg.Chat.ID, "⏰ No pending reminders")
		return
	}

	var sb strings.Builder
	sb.WriteString("⏰ **Reminders**\n\n")
	for _, r := range list {
		status := "⏳"
		if r.Status == models.StatusSnoozed {
			status = "😴"
		}
		sb.WriteString(fmt.Sprintf("%s %s\n", status, r.Title))
		sb.WriteString(fmt.Sprintf("   📅 %s", h.formatTime(r.DueTime)))
		if r.IsRecurring() {
			sb.WriteString(" 🔄 " + describe(r, h.loc))
		}
		sb.WriteString(fmt.Sprintf("\n   `%s`\n\n", r.ID))
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handleDelete(ctx context.Context, msg *tgbotapi.Message) {
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /delete <id>")
		return
	}
	if err := h.svc.Delete(ctx, id); err != nil {
		h.sendMessage(msg.Chat.ID, h.failureText(err))
		return
	}
	h.sendMessage(msg.Chat.ID, "🗑 Deleted")
}

func (h *Handlers) formatTime(ms int64) string {
	return time.UnixMilli(ms).In(h.loc).Format("2006-01-02 15:04")
}

func (h *Handlers) editMessageText(chatID int64, messageID int, text string) {
	parsed := format.ParseMarkdown(text)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, parsed.Text)
	edit.Entities = parsed.Entities
	if _, err := h.api.Send(edit); err != nil {
		h.log.Warn("failed to edit message", "error", err)
	}
}

func (h *Handlers) sendMessage(chatID int64, text string) {
	parsed := format.ParseMarkdown(text)
	msg := tgbotapi.NewMessage(chatID, parsed.Text)
	msg.Entities = parsed.Entities
	if _, err := h.api.Send(msg); err != nil {
		h.log.Warn("failed to send message", "error", err)
	}
}

const (
	ActionDone    = "done"
	ActionDismiss = "dismiss"
	ActionSnooze  = "snooze"
)

// CallbackData encodes a button action. Telegram caps it at 64 bytes,
// which fits a UUID with room to spare.
func CallbackData(action, reminderID string, minutes int) string {
	if action == ActionSnooze {
		return fmt.Sprintf("%s:%s:%d", action, reminderID, minutes)
	}
	return action + ":" + reminderID
}

func ParseCallbackData(data string) (action, reminderID string, minutes int, err error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[1] == "" {
		return "", "", 0, fmt.Errorf("malformed callback %q", data)
	}
	action, reminderID = parts[0], parts[1]
	switch action {
	case ActionDone, ActionDismiss:
		if len(parts) != 2 {
			return "", "", 0, fmt.Errorf("malformed callback %q", data)
		}
	case ActionSnooze:
		if len(parts) != 3 {
			return "", "", 0, fmt.Errorf("malformed callback %q", data)
		}
		minutes, err = strconv.Atoi(parts[2])
		if err != nil || minutes <= 0 {
			return "", "", 0, fmt.Errorf("bad snooze minutes in %q", data)
		}
	default:
		return "", "", 0, fmt.Errorf("unknown callback action %q", action)
	}
	return action, reminderID, minutes, nil
}
