package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/hray3182/remindsync/internal/recurrence"
	"github.com/hray3182/remindsync/internal/reminders"
)

var errUsage = errors.New("usage")

// ParseRemind reads "[daily|weekly] [YYYY-MM-DD] HH:MM text". Without a
// date the time is today, or tomorrow if it already passed.
func ParseRemind(args string, now time.Time) (reminders.NewReminder, error) {
	fields := strings.Fields(args)
	var in reminders.NewReminder

	var repeat string
	if len(fields) > 0 && (fields[0] == "daily" || fields[0] == "weekly") {
		repeat, fields = fields[0], fields[1:]
	}

	var day *time.Time
	if len(fields) > 0 {
		if d, err := time.ParseInLocation("2006-01-02", fields[0], now.Location()); err == nil {
			day, fields = &d, fields[1:]
		}
	}

	if len(fields) < 2 {
		return in, errUsage
	}
	due, err := parseTime(fields[0], day, now)
	if err != nil {
		return in, err
	}

	in.Title = strings.Join(fields[1:], " ")
	in.DueTime = due.UnixMilli()
	switch repeat {
	case "daily":
		in.Recurrence = models.Daily(1)
	case "weekly":
		wd := int(due.Weekday())
		if wd == 0 {
			wd = 7
		}
		in.Recurrence = models.Weekly(1, wd)
	}
	return in, nil
}

func parseTime(timeStr string, day *time.Time, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return time.Time{}, err
	}
	if day != nil {
		return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
	}

	result := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if result.Before(now) {
		result = result.AddDate(0, 0, 1)
	}
	return result, nil
}

func describe(r *models.Reminder, loc *time.Location) string {
	return recurrence.Describe(r.Recurrence, loc)
}
