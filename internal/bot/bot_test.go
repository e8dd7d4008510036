package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hray3182/remindsync/internal/clock"
	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/reminders"
	"github.com/hray3182/remindsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: 100 + len(f.sent)}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) deletes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for _, c := range f.sent {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			ids = append(ids, d.MessageID)
		}
	}
	return ids
}

type nopService struct{ completed []string }

func (n *nopService) Create(ctx context.Context, in reminders.NewReminder) (*models.Reminder, error) {
	return &models.Reminder{}, nil
}
func (n *nopService) List(ctx context.Context, statuses ...models.Status) ([]*models.Reminder, error) {
	return nil, nil
}
func (n *nopService) Complete(ctx context.Context, id string) (*models.Reminder, error) {
	n.completed = append(n.completed, id)
	return nil, nil
}
func (n *nopService) Dismiss(ctx context.Context, id string) (*models.Reminder, error) {
	return nil, nil
}
func (n *nopService) Snooze(ctx context.Context, id string, until int64) (*models.Reminder, error) {
	return nil, nil
}
func (n *nopService) Delete(ctx context.Context, id string) error { return nil }

const chat = int64(7)

func newTestBot() (*Bot, *fakeSender, *nopService) {
	sender := &fakeSender{}
	svc := &nopService{}
	return newBot(sender, chat, svc, clock.NewFake(0), time.UTC, testutil.Logger()), sender, svc
}

func TestPresent_SendsWithButtonsAndReplacesPrevious(t *testing.T) {
	b, sender, _ := newTestBot()
	ctx := context.Background()
	r := &models.Reminder{ID: "r1", Title: "stand up", DueTime: 1_800_000_000_000}

	require.NoError(t, b.Present(ctx, r, true))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, chat, msg.ChatID)
	assert.Contains(t, msg.Text, "Coming up at 08:00")
	assert.NotEmpty(t, msg.Entities)

	kb := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.Len(t, kb.InlineKeyboard, 1)
	require.Len(t, kb.InlineKeyboard[0], 3)
	assert.Equal(t, "done:r1", *kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "snooze:r1:10", *kb.InlineKeyboard[0][1].CallbackData)
	assert.Equal(t, "dismiss:r1", *kb.InlineKeyboard[0][2].CallbackData)

	require.NoError(t, b.Present(ctx, r, false))
	assert.Equal(t, []int{101}, sender.deletes())
}

func TestWithdraw(t *testing.T) {
	b, sender, _ := newTestBot()
	ctx := context.Background()

	require.NoError(t, b.Withdraw(ctx, "unknown"))
	assert.Empty(t, sender.sent)

	require.NoError(t, b.Present(ctx, &models.Reminder{ID: "r1", Title: "x"}, false))
	require.NoError(t, b.Withdraw(ctx, "r1"))
	require.NoError(t, b.Withdraw(ctx, "r1"))
	assert.Equal(t, []int{101}, sender.deletes())
}

func TestAlert(t *testing.T) {
	b, sender, _ := newTestBot()
	require.NoError(t, b.Alert(context.Background(), "alarms are blocked"))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, chat, msg.ChatID)
	assert.Equal(t, "⚠️ Attention\n\nalarms are blocked", msg.Text)
	assert.Equal(t, "bold", msg.Entities[0].Type)
}

func TestNotificationText(t *testing.T) {
	r := &models.Reminder{
		Title:       "pay rent",
		Description: "landlord account",
		DueTime:     time.Date(2027, 1, 31, 9, 0, 0, 0, time.UTC).UnixMilli(),
		Recurrence:  models.Monthly(1, 31),
	}
	text := NotificationText(r, false, time.UTC)
	assert.Equal(t, "⏰ **Reminder**\n\npay rent\n\nlandlord account\n\n🔄 every month on day 31", text)

	pre := NotificationText(&models.Reminder{Title: "x", DueTime: r.DueTime}, true, time.UTC)
	assert.Equal(t, "🔔 **Coming up at 09:00**\n\nx", pre)
}

func TestHandleUpdate_IgnoresOtherChats(t *testing.T) {
	b, _, svc := newTestBot()
	b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    "done:r1",
		Message: &tgbotapi.Message{MessageID: 1, Chat: &tgbotapi.Chat{ID: 99}},
	}})
	assert.Empty(t, svc.completed)
}

func TestHandleUpdate_CallbackEditsInsteadOfDeleting(t *testing.T) {
	b, sender, svc := newTestBot()
	ctx := context.Background()
	require.NoError(t, b.Present(ctx, &models.Reminder{ID: "r1", Title: "x"}, false))

	b.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		Data:    "done:r1",
		Message: &tgbotapi.Message{MessageID: 101, Chat: &tgbotapi.Chat{ID: chat}},
	}})
	assert.Equal(t, []string{"r1"}, svc.completed)

	// The service withdraws after completing; the pressed message stays.
	require.NoError(t, b.Withdraw(ctx, "r1"))
	assert.Empty(t, sender.deletes())
}
