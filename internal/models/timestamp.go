package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Values above this are taken as milliseconds rather than seconds. It is
// 1973-03-03 in milliseconds and year 5138 in seconds.
const millisThreshold = 100_000_000_000

var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp converts a vendor timestamp to unix milliseconds. Numbers are
// seconds or milliseconds, strings are RFC 3339 or naive local times in loc.
func ParseTimestamp(v any, loc *time.Location) (int64, bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch ts := v.(type) {
	case nil:
		return 0, false
	case time.Time:
		if ts.IsZero() {
			return 0, false
		}
		return ts.UnixMilli(), true
	case int64:
		return numericMillis(float64(ts))
	case int:
		return numericMillis(float64(ts))
	case float64:
		return numericMillis(ts)
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return 0, false
		}
		return numericMillis(f)
	case string:
		return stringMillis(strings.TrimSpace(ts), loc)
	}
	return 0, false
}

func numericMillis(f float64) (int64, bool) {
	if f <= 0 {
		return 0, false
	}
	if f < millisThreshold {
		return int64(f * 1000), true
	}
	return int64(f), true
}

func stringMillis(s string, loc *time.Location) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return numericMillis(f)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli(), true
	}
	// ISO-8601 offsets without a colon, e.g. +0100
	if t, err := time.Parse("2006-01-02T15:04:05-0700", s); err == nil {
		return t.UnixMilli(), true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
