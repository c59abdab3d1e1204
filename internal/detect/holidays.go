package detect

import "time"

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// nthWeekday returns the n-th weekday of the month; n < 0 counts from the end.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int) civilDate {
	if n > 0 {
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		offset := (int(wd) - int(first.Weekday()) + 7) % 7
		return dateOf(first.AddDate(0, 0, offset+7*(n-1)))
	}
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return dateOf(last.AddDate(0, 0, -offset))
}

// observed shifts a Saturday holiday to Friday and a Sunday holiday to Monday.
func observed(year int, month time.Month, day int) civilDate {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	switch t.Weekday() {
	case time.Saturday:
		t = t.AddDate(0, 0, -1)
	case time.Sunday:
		t = t.AddDate(0, 0, 1)
	}
	return dateOf(t)
}

// federalHolidays returns the observed US federal holidays of a year. New
// Year's Day of the following year is included because a Saturday Jan 1 is
// observed on Dec 31.
func federalHolidays(year int) map[civilDate]bool {
	days := []civilDate{
		observed(year, time.January, 1),
		nthWeekday(year, time.January, time.Monday, 3),
		nthWeekday(year, time.February, time.Monday, 3),
		nthWeekday(year, time.May, time.Monday, -1),
		observed(year, time.June, 19),
		observed(year, time.July, 4),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.October, time.Monday, 2),
		observed(year, time.November, 11),
		nthWeekday(year, time.November, time.Thursday, 4),
		observed(year, time.December, 25),
		observed(year+1, time.January, 1),
	}
	set := make(map[civilDate]bool, len(days))
	for _, d := range days {
		// Juneteenth became a federal holiday in 2021.
		if d.month == time.June && d.year < 2021 {
			continue
		}
		set[d] = true
	}
	return set
}

// IsFederalHoliday reports whether the calendar date of t is an observed US
// federal holiday.
func IsFederalHoliday(t time.Time) bool {
	d := dateOf(t)
	return federalHolidays(d.year)[d]
}

// IsBusinessDay reports whether t falls on a weekday that is not a holiday.
func IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsFederalHoliday(t)
}

// IsLastBusinessDayOfWeek reports whether t is a business day and every
// remaining weekday of its week is a holiday. Normally that is Friday; when
// Friday is a holiday it is Thursday, and so on.
func IsLastBusinessDayOfWeek(t time.Time) bool {
	if !IsBusinessDay(t) {
		return false
	}
	y, m, d := t.Date()
	day := time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	for next := day.AddDate(0, 0, 1); next.Weekday() != time.Saturday; next = next.AddDate(0, 0, 1) {
		if !IsFederalHoliday(next) {
			return false
		}
	}
	return true
}
