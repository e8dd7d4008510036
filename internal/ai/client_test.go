package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI answers every chat completion with content and records the
// last request.
func fakeAPI(t *testing.T, content string) (*Client, *openai.ChatCompletionRequest) {
	t.Helper()
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "cmpl-1",
			Object: "chat.completion",
			Model:  got.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return New("key", srv.URL, "test-model"), &got
}

var now = time.Date(2026, time.May, 4, 21, 30, 0, 0, time.UTC)

func TestParseReminder(t *testing.T) {
	c, req := fakeAPI(t, `{"understood":true,"title":"call mom","due_time":"2026-05-05 18:00","remind_before":15,"repeat":"weekly","interval":1,"count":4}`)

	in, err := c.ParseReminder(context.Background(), "remind me to call mom tomorrow at 6pm every week, 4 times, 15 min before", now)
	require.NoError(t, err)

	due := time.Date(2026, time.May, 5, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, "call mom", in.Title)
	assert.Equal(t, due.UnixMilli(), in.DueTime)
	require.NotNil(t, in.ReminderTime)
	assert.Equal(t, due.Add(-15*time.Minute).UnixMilli(), *in.ReminderTime)
	require.NotNil(t, in.Recurrence)
	assert.Equal(t, models.KindWeekly, in.Recurrence.Kind)
	assert.Equal(t, []int{2}, in.Recurrence.Weekly.DaysOfWeek)
	require.NotNil(t, in.Recurrence.OccurrenceCount)
	assert.Equal(t, 4, *in.Recurrence.OccurrenceCount)

	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, "2026-05-04 21:30")
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, req.ResponseFormat.Type)
}

func TestParseReminder_NotUnderstood(t *testing.T) {
	c, _ := fakeAPI(t, `{"understood":false,"title":"","due_time":"","remind_before":0,"repeat":"","interval":1,"count":0}`)
	_, err := c.ParseReminder(context.Background(), "hello there", now)
	assert.ErrorIs(t, err, ErrNotUnderstood)
}

func TestParseReminder_GarbledResponse(t *testing.T) {
	c, _ := fakeAPI(t, "sure! here is your reminder")
	_, err := c.ParseReminder(context.Background(), "tea at 5", now)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotUnderstood)
}

func TestToNewReminder(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		kind    models.Kind
		wantErr bool
	}{
		{name: "one-off", req: Request{Understood: true, Title: "tea", DueTime: "2026-05-05 17:00"}},
		{name: "daily", req: Request{Understood: true, Title: "meds", DueTime: "2026-05-05 08:00", Repeat: "daily"}, kind: models.KindDaily},
		{name: "monthly", req: Request{Understood: true, Title: "rent", DueTime: "2026-05-31 09:00", Repeat: "monthly", Interval: 1}, kind: models.KindMonthly},
		{name: "yearly", req: Request{Understood: true, Title: "birthday", DueTime: "2026-08-12 09:00", Repeat: "yearly"}, kind: models.KindYearly},
		{name: "bad time", req: Request{Understood: true, Title: "tea", DueTime: "5pm"}, wantErr: true},
		{name: "bad repeat", req: Request{Understood: true, Title: "tea", DueTime: "2026-05-05 17:00", Repeat: "hourly"}, wantErr: true},
		{name: "empty title", req: Request{Understood: true, Title: "  ", DueTime: "2026-05-05 17:00"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tt.req.ToNewReminder(now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotUnderstood)
				return
			}
			require.NoError(t, err)
			if tt.kind == "" {
				assert.Nil(t, in.Recurrence)
				return
			}
			require.NotNil(t, in.Recurrence)
			assert.Equal(t, tt.kind, in.Recurrence.Kind)
			assert.Equal(t, 1, in.Recurrence.Interval)
			assert.NoError(t, in.Recurrence.Validate())
		})
	}
}
