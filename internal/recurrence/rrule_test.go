package recurrence

import (
	"testing"
	"time"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"
)

func TestRRuleString_RoundTrips(t *testing.T) {
	rule := models.Weekly(2, 3, 1)
	rule.OccurrenceCount = models.Int(6)
	dtstart := time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC)

	s, err := RRuleString(rule, dtstart)
	require.NoError(t, err)

	opt, err := rrule.StrToROption(s)
	require.NoError(t, err)
	assert.Equal(t, rrule.WEEKLY, opt.Freq)
	assert.Equal(t, 2, opt.Interval)
	assert.Equal(t, 6, opt.Count)
	assert.Equal(t, []rrule.Weekday{rrule.MO, rrule.WE}, opt.Byweekday)
}

func TestToRRule_MonthlyClampMatchesEngine(t *testing.T) {
	e := NewEngine(WithLocation(time.UTC))
	rule := models.Monthly(1, 31)
	rule.OccurrenceCount = models.Int(4)
	dtstart := time.Date(2026, time.January, 31, 9, 30, 0, 0, time.UTC)

	rr, err := ToRRule(rule, dtstart)
	require.NoError(t, err)
	occurrences := rr.All()
	require.Len(t, occurrences, 4)

	due := dtstart.UnixMilli()
	for i := 0; i < 4; i++ {
		assert.Equal(t, due, occurrences[i].UnixMilli(), "occurrence %d", i)
		next, ok, err := e.NextOccurrence(models.Monthly(1, 31), due, nil, 0)
		require.NoError(t, err)
		require.True(t, ok)
		due = next
	}
}

func TestToROption_RejectsInvalidRule(t *testing.T) {
	_, err := ToROption(models.Daily(0), time.Now())
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPreview(t *testing.T) {
	e := NewEngine(WithLocation(time.UTC), WithIDGenerator(func(string) string { return "p" }))
	rule := models.Daily(1)
	rule.OccurrenceCount = models.Int(3)
	r := recurring(rule, utc(2026, time.May, 1, 9, 0), 1)

	got, err := e.Preview(r, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{
		utc(2026, time.May, 2, 9, 0),
		utc(2026, time.May, 3, 9, 0),
	}, got)
}

func TestDescribe(t *testing.T) {
	rule := models.Weekly(2, 3, 1)
	rule.OccurrenceCount = models.Int(5)
	assert.Equal(t, "every 2 weeks on Mon, Wed, 5 times", Describe(rule, time.UTC))

	assert.Equal(t, "every day", Describe(models.Daily(1), time.UTC))
	assert.Equal(t, "every month on day 31", Describe(models.Monthly(1, 31), time.UTC))
	assert.Equal(t, "every year on Feb 29", Describe(models.Yearly(1, 2, 29), time.UTC))
	assert.Equal(t, "once", Describe(nil, time.UTC))

	fc := models.CustomDays(3)
	fc.FromCompletion = true
	fc.EndDate = models.Int64(utc(2026, time.December, 31, 0, 0))
	assert.Equal(t, "every 3 days after completion, until 2026-12-31", Describe(fc, time.UTC))
}
