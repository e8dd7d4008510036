package format

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 5, UTF16Len("hello"))
	assert.Equal(t, 2, UTF16Len("提醒"))
	assert.Equal(t, 2, UTF16Len("⏰"))
	assert.Equal(t, 2, UTF16Len("🔄"), "non-BMP is a surrogate pair")
}

func TestParseMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		text     string
		entities []tgbotapi.MessageEntity
	}{
		{
			name: "plain",
			in:   "nothing here\n",
			text: "nothing here",
		},
		{
			name:     "bold after emoji",
			in:       "🔄 **Reminder**",
			text:     "🔄 Reminder",
			entities: []tgbotapi.MessageEntity{{Type: "bold", Offset: 3, Length: 8}},
		},
		{
			name:     "header becomes bold",
			in:       "# Title\nbody",
			text:     "Title\nbody",
			entities: []tgbotapi.MessageEntity{{Type: "bold", Offset: 0, Length: 5}},
		},
		{
			name: "code keeps underscores",
			in:   "id `a_b_c` and _it_",
			text: "id a_b_c and it",
			entities: []tgbotapi.MessageEntity{
				{Type: "code", Offset: 3, Length: 5},
				{Type: "italic", Offset: 13, Length: 2},
			},
		},
		{
			name: "star italic and bold",
			in:   "*a* then **b**",
			text: "a then b",
			entities: []tgbotapi.MessageEntity{
				{Type: "italic", Offset: 0, Length: 1},
				{Type: "bold", Offset: 7, Length: 1},
			},
		},
		{
			name: "snake_case words are left alone",
			in:   "device_id is set",
			text: "device_id is set",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMarkdown(tt.in)
			assert.Equal(t, tt.text, got.Text)
			assert.Equal(t, tt.entities, got.Entities)
		})
	}
}
