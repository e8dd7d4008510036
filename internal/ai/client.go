// Package ai reads free-form reminder requests through an OpenAI-compatible
// chat completion API.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/reminders"
	"github.com/sashabaranov/go-openai"
)

// ErrNotUnderstood means the model did not read the text as a reminder.
var ErrNotUnderstood = errors.New("not understood as a reminder")

type Client struct {
	client *openai.Client
	model  string
}

func New(apiKey, baseURL, model string) *Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Request is the structured reading of a reminder request.
type Request struct {
	Understood bool   `json:"understood"`
	Title      string `json:"title"`
	DueTime    string `json:"due_time"`
	// RemindBefore is the pre-reminder lead in minutes, 0 for none.
	RemindBefore int    `json:"remind_before"`
	Repeat       string `json:"repeat"`
	Interval     int    `json:"interval"`
	Count        int    `json:"count"`
}

const timeLayout = "2006-01-02 15:04"

const systemPromptTemplate = `You turn a user's message into one reminder.

Current time: %s

Fields:
- understood: false if the message is not a reminder request
- title: what to be reminded of, short
- due_time: when, as YYYY-MM-DD HH:MM in the current time zone
- remind_before: minutes of advance notice asked for, else 0
- repeat: "", "daily", "weekly", "monthly" or "yearly"
- interval: repeat every N periods, 1 if not said
- count: how many times in total, 0 if not said

Resolve relative times ("tomorrow", "in 3 hours", "next Monday") against the
current time. A time of day without a date means the next such time.`

var requestSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"understood": {"type": "boolean"},
		"title": {"type": "string"},
		"due_time": {"type": "string", "description": "YYYY-MM-DD HH:MM"},
		"remind_before": {"type": "integer", "minimum": 0},
		"repeat": {"type": "string", "enum": ["", "daily", "weekly", "monthly", "yearly"]},
		"interval": {"type": "integer", "minimum": 1},
		"count": {"type": "integer", "minimum": 0}
	},
	"required": ["understood", "title", "due_time", "remind_before", "repeat", "interval", "count"],
	"additionalProperties": false
}`)

// ParseReminder asks the model to read text as a reminder, with relative
// times resolved against now in now's location.
func (c *Client) ParseReminder(ctx context.Context, text string, now time.Time) (reminders.NewReminder, error) {
	req, err := c.parse(ctx, text, now)
	if err != nil {
		return reminders.NewReminder{}, err
	}
	return req.ToNewReminder(now)
}

func (c *Client) parse(ctx context.Context, text string, now time.Time) (*Request, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(systemPromptTemplate, now.Format("2006-01-02 15:04 (Monday) MST")),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "reminder",
				Schema: requestSchema,
				Strict: true,
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call AI API: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from AI")
	}

	req := &Request{}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), req); err != nil {
		return nil, fmt.Errorf("failed to parse AI response: %w", err)
	}
	return req, nil
}

// ToNewReminder checks the model's answer and converts it.
func (r *Request) ToNewReminder(now time.Time) (reminders.NewReminder, error) {
	var in reminders.NewReminder
	title := strings.TrimSpace(r.Title)
	if !r.Understood || title == "" {
		return in, ErrNotUnderstood
	}
	due, err := time.ParseInLocation(timeLayout, strings.TrimSpace(r.DueTime), now.Location())
	if err != nil {
		return in, fmt.Errorf("%w: bad due time %q", ErrNotUnderstood, r.DueTime)
	}

	in.Title = title
	in.DueTime = due.UnixMilli()
	if r.RemindBefore > 0 {
		in.ReminderTime = models.Int64(due.Add(-time.Duration(r.RemindBefore) * time.Minute).UnixMilli())
	}

	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	switch r.Repeat {
	case "":
	case "daily":
		in.Recurrence = models.Daily(interval)
	case "weekly":
		wd := int(due.Weekday())
		if wd == 0 {
			wd = 7
		}
		in.Recurrence = models.Weekly(interval, wd)
	case "monthly":
		in.Recurrence = models.Monthly(interval, due.Day())
	case "yearly":
		in.Recurrence = models.Yearly(interval, int(due.Month()), due.Day())
	default:
		return in, fmt.Errorf("%w: unknown repeat %q", ErrNotUnderstood, r.Repeat)
	}
	if in.Recurrence != nil && r.Count > 0 {
		count := r.Count
		in.Recurrence.OccurrenceCount = &count
	}
	return in, nil
}
