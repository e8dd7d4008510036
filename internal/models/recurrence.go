package models

import (
	"errors"
	"fmt"
)

// Kind tags the recurrence variant.
type Kind string

const (
	KindDaily      Kind = "DAILY"
	KindWeekly     Kind = "WEEKLY"
	KindMonthly    Kind = "MONTHLY"
	KindYearly     Kind = "YEARLY"
	KindCustomDays Kind = "CUSTOM_DAYS" // Same arithmetic as Daily, kept distinct for display
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule is a closed variant: the shared fields apply to every Kind, and at
// most the payload matching Kind may be set.
type Rule struct {
	Kind            Kind   `json:"kind"`
	Interval        int    `json:"interval"`
	EndDate         *int64 `json:"end_date,omitempty"` // Inclusive, epoch millis
	OccurrenceCount *int   `json:"occurrence_count,omitempty"`
	FromCompletion  bool   `json:"from_completion"`

	Weekly  *WeeklyRule  `json:"weekly,omitempty"`
	Monthly *MonthlyRule `json:"monthly,omitempty"`
	Yearly  *YearlyRule  `json:"yearly,omitempty"`
}

type WeeklyRule struct {
	DaysOfWeek []int `json:"days_of_week"` // ISO weekdays, 1=Monday .. 7=Sunday
}

type MonthlyRule struct {
	DayOfMonth int `json:"day_of_month"` // 0 means the anchor's day
}

type YearlyRule struct {
	Month      int `json:"month"`        // 0 means the anchor's month
	DayOfMonth int `json:"day_of_month"` // 0 means the anchor's day
}

func Daily(interval int) *Rule {
	return &Rule{Kind: KindDaily, Interval: interval}
}

func CustomDays(interval int) *Rule {
	return &Rule{Kind: KindCustomDays, Interval: interval}
}

func Weekly(interval int, days ...int) *Rule {
	return &Rule{Kind: KindWeekly, Interval: interval, Weekly: &WeeklyRule{DaysOfWeek: days}}
}

func Monthly(interval, dayOfMonth int) *Rule {
	return &Rule{Kind: KindMonthly, Interval: interval, Monthly: &MonthlyRule{DayOfMonth: dayOfMonth}}
}

func Yearly(interval, month, dayOfMonth int) *Rule {
	return &Rule{Kind: KindYearly, Interval: interval, Yearly: &YearlyRule{Month: month, DayOfMonth: dayOfMonth}}
}

func (r *Rule) Validate() error {
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval %d < 1", ErrInvalidRule, r.Interval)
	}
	if r.OccurrenceCount != nil && *r.OccurrenceCount < 1 {
		return fmt.Errorf("%w: occurrence count %d < 1", ErrInvalidRule, *r.OccurrenceCount)
	}

	switch r.Kind {
	case KindDaily, KindCustomDays:
		if r.Weekly != nil || r.Monthly != nil || r.Yearly != nil {
			return fmt.Errorf("%w: %s rule carries a variant payload", ErrInvalidRule, r.Kind)
		}
	case KindWeekly:
		if r.Monthly != nil || r.Yearly != nil {
			return fmt.Errorf("%w: weekly rule carries a foreign payload", ErrInvalidRule)
		}
		if r.Weekly != nil {
			for _, d := range r.Weekly.DaysOfWeek {
				if d < 1 || d > 7 {
					return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRule, d)
				}
			}
		}
	case KindMonthly:
		if r.Weekly != nil || r.Yearly != nil {
			return fmt.Errorf("%w: monthly rule carries a foreign payload", ErrInvalidRule)
		}
		if r.Monthly != nil && (r.Monthly.DayOfMonth < 0 || r.Monthly.DayOfMonth > 31) {
			return fmt.Errorf("%w: day of month %d out of range", ErrInvalidRule, r.Monthly.DayOfMonth)
		}
	case KindYearly:
		if r.Weekly != nil || r.Monthly != nil {
			return fmt.Errorf("%w: yearly rule carries a foreign payload", ErrInvalidRule)
		}
		if r.Yearly != nil {
			if r.Yearly.Month < 0 || r.Yearly.Month > 12 {
				return fmt.Errorf("%w: month %d out of range", ErrInvalidRule, r.Yearly.Month)
			}
			if r.Yearly.DayOfMonth < 0 || r.Yearly.DayOfMonth > 31 {
				return fmt.Errorf("%w: day of month %d out of range", ErrInvalidRule, r.Yearly.DayOfMonth)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	return nil
}

func (r *Rule) Clone() *Rule {
	c := *r
	c.EndDate = cloneInt64(r.EndDate)
	if r.OccurrenceCount != nil {
		v := *r.OccurrenceCount
		c.OccurrenceCount = &v
	}
	if r.Weekly != nil {
		c.Weekly = &WeeklyRule{DaysOfWeek: append([]int(nil), r.Weekly.DaysOfWeek...)}
	}
	if r.Monthly != nil {
		m := *r.Monthly
		c.Monthly = &m
	}
	if r.Yearly != nil {
		y := *r.Yearly
		c.Yearly = &y
	}
	return &c
}
