package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/remindsync/internal/models"
	"github.com/teambition/rrule-go"
)

var isoWeekdays = map[int]rrule.Weekday{
	1: rrule.MO,
	2: rrule.TU,
	3: rrule.WE,
	4: rrule.TH,
	5: rrule.FR,
	6: rrule.SA,
	7: rrule.SU,
}

// ToROption maps a rule onto RFC 5545 options starting at dtstart.
// FromCompletion has no RFC 5545 equivalent; the export always describes
// the series anchored on scheduled due times.
func ToROption(rule *models.Rule, dtstart time.Time) (*rrule.ROption, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	opt := &rrule.ROption{
		Interval: rule.Interval,
		Dtstart:  dtstart,
	}
	if rule.OccurrenceCount != nil {
		opt.Count = *rule.OccurrenceCount
	}
	if rule.EndDate != nil {
		opt.Until = time.UnixMilli(*rule.EndDate).In(dtstart.Location())
	}

	switch rule.Kind {
	case models.KindDaily, models.KindCustomDays:
		opt.Freq = rrule.DAILY
	case models.KindWeekly:
		opt.Freq = rrule.WEEKLY
		if rule.Weekly != nil {
			for _, d := range normalizeWeekdays(rule.Weekly.DaysOfWeek) {
				opt.Byweekday = append(opt.Byweekday, isoWeekdays[d])
			}
		}
	case models.KindMonthly:
		opt.Freq = rrule.MONTHLY
		day := dtstart.Day()
		if rule.Monthly != nil && rule.Monthly.DayOfMonth > 0 {
			day = rule.Monthly.DayOfMonth
		}
		setClampedMonthDay(opt, day)
	case models.KindYearly:
		opt.Freq = rrule.YEARLY
		month, day := int(dtstart.Month()), dtstart.Day()
		if rule.Yearly != nil {
			if rule.Yearly.Month > 0 {
				month = rule.Yearly.Month
			}
			if rule.Yearly.DayOfMonth > 0 {
				day = rule.Yearly.DayOfMonth
			}
		}
		opt.Bymonth = []int{month}
		setClampedMonthDay(opt, day)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
	}
	return opt, nil
}

// setClampedMonthDay expresses "day, or the last day of a shorter month"
// as BYMONTHDAY=28..day;BYSETPOS=-1.
func setClampedMonthDay(opt *rrule.ROption, day int) {
	if day <= 28 {
		opt.Bymonthday = []int{day}
		return
	}
	for d := 28; d <= day; d++ {
		opt.Bymonthday = append(opt.Bymonthday, d)
	}
	opt.Bysetpos = []int{-1}
}

// ToRRule builds an iterable RFC 5545 rule.
func ToRRule(rule *models.Rule, dtstart time.Time) (*rrule.RRule, error) {
	opt, err := ToROption(rule, dtstart)
	if err != nil {
		return nil, err
	}
	return rrule.NewRRule(*opt)
}

// RRuleString returns the RRULE value (without the "RRULE:" prefix) other
// clients can read from the remote document.
func RRuleString(rule *models.Rule, dtstart time.Time) (string, error) {
	opt, err := ToROption(rule, dtstart)
	if err != nil {
		return "", err
	}
	return opt.RRuleString(), nil
}

// Preview returns up to n upcoming due times of reminder, as the engine
// would materialize them.
func (e *Engine) Preview(reminder *models.Reminder, n int) ([]int64, error) {
	if reminder == nil || reminder.Recurrence == nil {
		return nil, nil
	}
	cur := reminder.Clone()
	var out []int64
	for i := 0; i < n; i++ {
		next, err := e.CreateNextInstance(cur, cur.LastModified)
		if err != nil {
			return out, err
		}
		if next == nil {
			break
		}
		out = append(out, next.DueTime)
		cur = next
	}
	return out, nil
}

var weekdayNames = map[int]string{
	1: "Mon", 2: "Tue", 3: "Wed", 4: "Thu", 5: "Fri", 6: "Sat", 7: "Sun",
}

var unitNames = map[models.Kind]string{
	models.KindDaily:      "day",
	models.KindCustomDays: "day",
	models.KindWeekly:     "week",
	models.KindMonthly:    "month",
	models.KindYearly:     "year",
}

// Describe returns a short English description of the rule, e.g.
// "every 2 weeks on Mon, Wed, 5 times".
func Describe(rule *models.Rule, loc *time.Location) string {
	if rule == nil {
		return "once"
	}
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	unit := unitNames[rule.Kind]
	if unit == "" {
		return string(rule.Kind)
	}
	if rule.Interval <= 1 {
		b.WriteString("every " + unit)
	} else {
		fmt.Fprintf(&b, "every %d %ss", rule.Interval, unit)
	}

	switch rule.Kind {
	case models.KindWeekly:
		if rule.Weekly != nil {
			var names []string
			for _, d := range normalizeWeekdays(rule.Weekly.DaysOfWeek) {
				names = append(names, weekdayNames[d])
			}
			if len(names) > 0 {
				b.WriteString(" on " + strings.Join(names, ", "))
			}
		}
	case models.KindMonthly:
		if rule.Monthly != nil && rule.Monthly.DayOfMonth > 0 {
			fmt.Fprintf(&b, " on day %d", rule.Monthly.DayOfMonth)
		}
	case models.KindYearly:
		if rule.Yearly != nil && rule.Yearly.Month > 0 && rule.Yearly.DayOfMonth > 0 {
			fmt.Fprintf(&b, " on %s %d", time.Month(rule.Yearly.Month).String()[:3], rule.Yearly.DayOfMonth)
		}
	}

	if rule.FromCompletion {
		b.WriteString(" after completion")
	}
	if rule.OccurrenceCount != nil {
		fmt.Fprintf(&b, ", %d times", *rule.OccurrenceCount)
	}
	if rule.EndDate != nil {
		b.WriteString(", until " + time.UnixMilli(*rule.EndDate).In(loc).Format("2006-01-02"))
	}
	return b.String()
}
