package calendar

import (
	"testing"
	"time"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

func d(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFirst(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		anchor string
		want   string
	}{
		{"month end mid month", Rule{Kind: MonthEnd}, "2024-01-15", "2024-01-31"},
		{"month end on offset", Rule{Kind: MonthEnd}, "2024-01-31", "2024-01-31"},
		{"month begin", Rule{Kind: MonthBegin}, "2024-01-15", "2024-02-01"},
		{"month begin on offset", Rule{Kind: MonthBegin}, "2024-02-01", "2024-02-01"},
		{"business month end skips sunday", Rule{Kind: BusinessMonthEnd}, "2024-03-01", "2024-03-29"},
		{"business month begin skips weekend", Rule{Kind: BusinessMonthBegin}, "2024-05-15", "2024-06-03"},
		{"semi month end", Rule{Kind: SemiMonthEnd}, "2024-02-10", "2024-02-15"},
		{"semi month begin", Rule{Kind: SemiMonthBegin}, "2024-02-16", "2024-03-01"},
		{"quarter end default cycle", Rule{Kind: QuarterEnd}, "2024-01-15", "2024-03-31"},
		{"quarter end january cycle", Rule{Kind: QuarterEnd, StartingMonth: 1}, "2024-02-10", "2024-04-30"},
		{"quarter begin default cycle", Rule{Kind: QuarterBegin}, "2024-01-15", "2024-03-01"},
		{"quarter begin january cycle", Rule{Kind: QuarterBegin, StartingMonth: 1}, "2024-02-10", "2024-04-01"},
		{"year end", Rule{Kind: YearEnd}, "2024-06-01", "2024-12-31"},
		{"year begin", Rule{Kind: YearBegin}, "2024-06-01", "2025-01-01"},
		{"weekly on offset", Rule{Kind: Weekly, Weekday: time.Monday}, "2024-01-15", "2024-01-15"},
		{"weekly next monday", Rule{Kind: Weekly, Weekday: time.Monday}, "2024-01-16", "2024-01-22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.First(d(tt.anchor))
			if !got.Equal(d(tt.want)) {
				t.Errorf("First(%s) = %s, want %s", tt.anchor, got.Format(time.DateOnly), tt.want)
			}
		})
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		from string
		want string
	}{
		{"month end into leap february", Rule{Kind: MonthEnd}, "2024-01-31", "2024-02-29"},
		{"month end every other month", Rule{Kind: MonthEnd, N: 2}, "2024-01-31", "2024-03-31"},
		{"month begin across year", Rule{Kind: MonthBegin}, "2024-12-01", "2025-01-01"},
		{"business month end", Rule{Kind: BusinessMonthEnd}, "2024-03-29", "2024-04-30"},
		{"semi month end to month end", Rule{Kind: SemiMonthEnd}, "2024-02-15", "2024-02-29"},
		{"semi month end to next fifteenth", Rule{Kind: SemiMonthEnd}, "2024-02-29", "2024-03-15"},
		{"semi month begin", Rule{Kind: SemiMonthBegin}, "2024-02-15", "2024-03-01"},
		{"quarter end", Rule{Kind: QuarterEnd}, "2024-03-31", "2024-06-30"},
		{"quarter begin", Rule{Kind: QuarterBegin}, "2024-03-01", "2024-06-01"},
		{"year end", Rule{Kind: YearEnd}, "2024-12-31", "2025-12-31"},
		{"fortnightly", Rule{Kind: Weekly, Weekday: time.Monday, N: 2}, "2024-01-15", "2024-01-29"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.rule.Next(d(tt.from))
			if !got.Equal(d(tt.want)) {
				t.Errorf("Next(%s) = %s, want %s", tt.from, got.Format(time.DateOnly), tt.want)
			}
		})
	}
}

func TestNextIsAlwaysOnOffsetAndIncreasing(t *testing.T) {
	for _, kind := range Kinds {
		rule := Rule{Kind: kind, Weekday: time.Friday}
		occ := rule.First(d("2023-11-17"))
		for i := 0; i < 60; i++ {
			if !rule.OnOffset(occ) {
				t.Fatalf("%s produced off-offset date %s", rule, occ.Format(time.DateOnly))
			}
			next := rule.Next(occ)
			if !next.After(occ) {
				t.Fatalf("%s did not advance from %s", rule, occ.Format(time.DateOnly))
			}
			occ = next
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"MonthEnd", MonthEnd, false},
		{"monthend", MonthEnd, false},
		{" QuarterBegin ", QuarterBegin, false},
		{"Week", Weekly, false},
		{"weekly", Weekly, false},
		{"Hour", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !apperrors.IsCategory(err, apperrors.CategoryInvalidArgument) {
			t.Errorf("ParseKind(%q): expected invalid argument, got %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRuleValidateAndString(t *testing.T) {
	if err := (Rule{Kind: "Hour"}).Validate(); err == nil {
		t.Error("expected unknown kind to be rejected")
	}
	if err := (Rule{Kind: MonthEnd, N: -1}).Validate(); err == nil {
		t.Error("expected negative interval to be rejected")
	}
	if err := (Rule{Kind: QuarterEnd, StartingMonth: 13}).Validate(); err == nil {
		t.Error("expected month 13 to be rejected")
	}

	if s := (Rule{Kind: Weekly, Weekday: time.Tuesday, N: 2}).String(); s != "Week(n=2, weekday=Tuesday)" {
		t.Errorf("unexpected String(): %s", s)
	}
	if s := (Rule{Kind: MonthEnd}).String(); s != "MonthEnd" {
		t.Errorf("unexpected String(): %s", s)
	}
}

func TestAddMonthsClamps(t *testing.T) {
	tests := []struct {
		from   string
		months int
		want   string
	}{
		{"2024-01-31", 1, "2024-02-29"},
		{"2023-01-31", 1, "2023-02-28"},
		{"2024-03-31", 1, "2024-04-30"},
		{"2024-12-15", 1, "2025-01-15"},
		{"2024-02-29", 12, "2025-02-28"},
	}
	for _, tt := range tests {
		got := AddMonths(d(tt.from), tt.months)
		if !got.Equal(d(tt.want)) {
			t.Errorf("AddMonths(%s, %d) = %s, want %s", tt.from, tt.months, got.Format(time.DateOnly), tt.want)
		}
	}

	due := DueOffset{Months: 1, Days: 10}.Apply(d("2024-01-31"))
	if !due.Equal(d("2024-03-10")) {
		t.Errorf("unexpected due date %s", due.Format(time.DateOnly))
	}
}

func TestDayDropsClockAndZone(t *testing.T) {
	zurich := time.FixedZone("CET", 3600)
	got := Day(time.Date(2024, 4, 30, 23, 30, 0, 0, zurich))
	if !got.Equal(d("2024-04-30")) {
		t.Errorf("Day() = %s, want 2024-04-30", got)
	}
}
