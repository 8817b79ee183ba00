package cache

import (
	"fmt"
	"time"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
	yearLayout  = "2006"
)

// Period is the time range a cache entry covers, [Start, End) in the
// source's location. Label is the period component of the file name.
type Period struct {
	Label string
	Start time.Time
	End   time.Time
}

func (p Period) String() string { return p.Label }

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Day returns the calendar day containing t, in t's location.
func Day(t time.Time) Period {
	start := midnight(t)
	return Period{Label: start.Format(dayLayout), Start: start, End: start.AddDate(0, 0, 1)}
}

// Month returns the calendar month containing t.
func Month(t time.Time) Period {
	y, m, _ := t.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	return Period{Label: start.Format(monthLayout), Start: start, End: start.AddDate(0, 1, 0)}
}

// Year returns the calendar year containing t.
func Year(t time.Time) Period {
	start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	return Period{Label: start.Format(yearLayout), Start: start, End: start.AddDate(1, 0, 0)}
}

// Span covers the whole days first..last inclusive and is labelled by its
// first day. Callers must encode the span length in the endpoint name so a
// label always maps to one range.
func Span(first, last time.Time) Period {
	start := midnight(first)
	return Period{Label: start.Format(dayLayout), Start: start, End: midnight(last).AddDate(0, 0, 1)}
}

// ParsePeriod turns a YYYY-MM-DD, YYYY-MM or YYYY label back into a Period.
func ParsePeriod(label string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch len(label) {
	case len(dayLayout):
		t, err := time.ParseInLocation(dayLayout, label, loc)
		if err != nil {
			return Period{}, fmt.Errorf("invalid day period %q: %w", label, err)
		}
		return Day(t), nil
	case len(monthLayout):
		t, err := time.ParseInLocation(monthLayout, label, loc)
		if err != nil {
			return Period{}, fmt.Errorf("invalid month period %q: %w", label, err)
		}
		return Month(t), nil
	case len(yearLayout):
		t, err := time.ParseInLocation(yearLayout, label, loc)
		if err != nil {
			return Period{}, fmt.Errorf("invalid year period %q: %w", label, err)
		}
		return Year(t), nil
	}
	return Period{}, fmt.Errorf("invalid period %q", label)
}
