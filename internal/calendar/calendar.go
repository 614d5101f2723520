// Package calendar implements the closed set of frequency rules used by
// recurring templates, over civil dates (midnight UTC, no time zones).
package calendar

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Kind names a frequency rule.
type Kind string

const (
	MonthEnd           Kind = "MonthEnd"
	MonthBegin         Kind = "MonthBegin"
	BusinessMonthEnd   Kind = "BusinessMonthEnd"
	BusinessMonthBegin Kind = "BusinessMonthBegin"
	SemiMonthEnd       Kind = "SemiMonthEnd"
	SemiMonthBegin     Kind = "SemiMonthBegin"
	QuarterEnd         Kind = "QuarterEnd"
	QuarterBegin       Kind = "QuarterBegin"
	YearEnd            Kind = "YearEnd"
	YearBegin          Kind = "YearBegin"
	Weekly             Kind = "Week"
)

// Kinds lists every supported rule.
var Kinds = []Kind{
	MonthEnd, MonthBegin, BusinessMonthEnd, BusinessMonthBegin,
	SemiMonthEnd, SemiMonthBegin, QuarterEnd, QuarterBegin,
	YearEnd, YearBegin, Weekly,
}

const defaultQuarterMonth = 3

// Rule is a frequency rule. The zero values of the optional fields select
// the defaults: every period (N=1), quarters ending in March/June/
// September/December, Sunday for weekly rules.
type Rule struct {
	Kind Kind `json:"kind" validate:"required"`
	// N skips periods: 2 means every other occurrence.
	N int `json:"n,omitempty" validate:"gte=0"`
	// Weekday anchors Weekly rules.
	Weekday time.Weekday `json:"weekday,omitempty" validate:"gte=0,lte=6"`
	// StartingMonth picks the quarter cycle (1, 2 or 3, or any month of
	// the cycle) for quarter rules.
	StartingMonth int `json:"starting_month,omitempty" validate:"gte=0,lte=12"`
}

// ParseKind resolves a rule name case-insensitively.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), strings.TrimSpace(name)) {
			return k, nil
		}
	}
	if strings.EqualFold(strings.TrimSpace(name), "weekly") {
		return Weekly, nil
	}
	return "", apperrors.InvalidArgument("frequency", fmt.Sprintf("unknown frequency rule %q", name))
}

// Validate checks the rule's parameters.
func (r Rule) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	if r.N < 0 {
		return apperrors.InvalidArgument("n", "interval must not be negative")
	}
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return apperrors.InvalidArgument("weekday", fmt.Sprintf("invalid weekday %d", r.Weekday))
	}
	if r.StartingMonth < 0 || r.StartingMonth > 12 {
		return apperrors.InvalidArgument("starting_month", fmt.Sprintf("invalid month %d", r.StartingMonth))
	}
	return nil
}

func (r Rule) String() string {
	var args []string
	if r.N > 1 {
		args = append(args, fmt.Sprintf("n=%d", r.N))
	}
	switch r.Kind {
	case Weekly:
		args = append(args, "weekday="+r.Weekday.String())
	case QuarterEnd, QuarterBegin:
		if r.StartingMonth != 0 {
			args = append(args, fmt.Sprintf("startingMonth=%d", r.StartingMonth))
		}
	}
	if len(args) == 0 {
		return string(r.Kind)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, strings.Join(args, ", "))
}

func (r Rule) interval() int {
	if r.N < 1 {
		return 1
	}
	return r.N
}

// OnOffset reports whether d is an occurrence date of the rule.
func (r Rule) OnOffset(d time.Time) bool {
	d = Day(d)
	switch r.Kind {
	case MonthEnd:
		return d.Equal(lastOfMonth(d))
	case MonthBegin:
		return d.Day() == 1
	case BusinessMonthEnd:
		return d.Equal(lastBusinessDay(d))
	case BusinessMonthBegin:
		return d.Equal(firstBusinessDay(d))
	case SemiMonthEnd:
		return d.Day() == 15 || d.Equal(lastOfMonth(d))
	case SemiMonthBegin:
		return d.Day() == 1 || d.Day() == 15
	case QuarterEnd:
		return r.quarterMonth(d.Month()) && d.Equal(lastOfMonth(d))
	case QuarterBegin:
		return r.quarterMonth(d.Month()) && d.Day() == 1
	case YearEnd:
		return d.Month() == time.December && d.Day() == 31
	case YearBegin:
		return d.Month() == time.January && d.Day() == 1
	case Weekly:
		return d.Weekday() == r.Weekday
	}
	return false
}

// First returns the first occurrence on or after anchor.
func (r Rule) First(anchor time.Time) time.Time {
	anchor = Day(anchor)
	if r.OnOffset(anchor) {
		return anchor
	}
	return r.step(anchor)
}

// Next returns the occurrence N periods after occurrence.
func (r Rule) Next(occurrence time.Time) time.Time {
	d := Day(occurrence)
	for i := 0; i < r.interval(); i++ {
		d = r.step(d)
	}
	return d
}

// step returns the first occurrence strictly after d.
func (r Rule) step(d time.Time) time.Time {
	switch r.Kind {
	case MonthEnd:
		if end := lastOfMonth(d); d.Before(end) {
			return end
		}
		return lastOfMonth(firstOfMonth(d).AddDate(0, 1, 0))
	case MonthBegin:
		return firstOfMonth(d).AddDate(0, 1, 0)
	case BusinessMonthEnd:
		if end := lastBusinessDay(d); d.Before(end) {
			return end
		}
		return lastBusinessDay(firstOfMonth(d).AddDate(0, 1, 0))
	case BusinessMonthBegin:
		if begin := firstBusinessDay(d); d.Before(begin) {
			return begin
		}
		return firstBusinessDay(firstOfMonth(d).AddDate(0, 1, 0))
	case SemiMonthEnd:
		switch end := lastOfMonth(d); {
		case d.Day() < 15:
			return Date(d.Year(), d.Month(), 15)
		case d.Before(end):
			return end
		default:
			return Date(d.Year(), d.Month()+1, 15)
		}
	case SemiMonthBegin:
		if d.Day() < 15 {
			return Date(d.Year(), d.Month(), 15)
		}
		return firstOfMonth(d).AddDate(0, 1, 0)
	case QuarterEnd:
		candidate := lastOfMonth(d)
		for !(r.quarterMonth(candidate.Month()) && candidate.After(d)) {
			candidate = lastOfMonth(firstOfMonth(candidate).AddDate(0, 1, 0))
		}
		return candidate
	case QuarterBegin:
		candidate := firstOfMonth(d).AddDate(0, 1, 0)
		for !r.quarterMonth(candidate.Month()) {
			candidate = candidate.AddDate(0, 1, 0)
		}
		return candidate
	case YearEnd:
		if end := Date(d.Year(), time.December, 31); d.Before(end) {
			return end
		}
		return Date(d.Year()+1, time.December, 31)
	case YearBegin:
		return Date(d.Year()+1, time.January, 1)
	case Weekly:
		days := (int(r.Weekday) - int(d.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return d.AddDate(0, 0, days)
	}
	// Unknown kinds are rejected by Validate; never loop forever.
	return d.AddDate(100, 0, 0)
}

func (r Rule) quarterMonth(m time.Month) bool {
	start := r.StartingMonth
	if start == 0 {
		start = defaultQuarterMonth
	}
	return (int(m)-start)%3 == 0
}

// Date builds a civil date. Out-of-range days and months normalize the way
// time.Date does.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day truncates t to its civil date in t's own location.
func Day(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// AddMonths adds n calendar months, clamping the day to the end of the
// target month (January 31 + 1 month is February 28 or 29).
func AddMonths(d time.Time, n int) time.Time {
	d = Day(d)
	target := Date(d.Year(), d.Month()+time.Month(n), 1)
	return Date(target.Year(), target.Month(), min(d.Day(), lastOfMonth(target).Day()))
}

// DueOffset is the distance between an occurrence and the due date of the
// bill generated for it.
type DueOffset struct {
	Months int `json:"months" mapstructure:"months" validate:"gte=0"`
	Days   int `json:"days" mapstructure:"days" validate:"gte=0"`
}

// DefaultDueOffset is one month.
var DefaultDueOffset = DueOffset{Months: 1}

// Apply returns the due date for an issue date.
func (o DueOffset) Apply(issue time.Time) time.Time {
	return AddMonths(issue, o.Months).AddDate(0, 0, o.Days)
}

func firstOfMonth(d time.Time) time.Time {
	return Date(d.Year(), d.Month(), 1)
}

func lastOfMonth(d time.Time) time.Time {
	return Date(d.Year(), d.Month()+1, 0)
}

func lastBusinessDay(d time.Time) time.Time {
	end := lastOfMonth(d)
	for end.Weekday() == time.Saturday || end.Weekday() == time.Sunday {
		end = end.AddDate(0, 0, -1)
	}
	return end
}

func firstBusinessDay(d time.Time) time.Time {
	begin := firstOfMonth(d)
	for begin.Weekday() == time.Saturday || begin.Weekday() == time.Sunday {
		begin = begin.AddDate(0, 0, 1)
	}
	return begin
}
