package collector

import (
	"sort"
	"time"

	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// SplitOverlapping cuts p into chunks of chunkDays days where consecutive
// chunks share overlapDays days. The last chunk ends at p.To.
func SplitOverlapping(p PeriodSpec, chunkDays, overlapDays int) []PeriodSpec {
	chunkDays, step := chunkStep(chunkDays, overlapDays)

	var out []PeriodSpec
	for start := p.From; !start.After(p.To); start = start.AddDate(0, 0, step) {
		end := start.AddDate(0, 0, chunkDays-1)
		if end.After(p.To) {
			end = p.To
		}
		out = append(out, PeriodSpec{From: start, To: end})
		if !end.Before(p.To) {
			break
		}
	}
	return out
}

// gridEpoch anchors SplitAligned. Chunk starts are whole steps away from it.
var gridEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// SplitAligned cuts p like SplitOverlapping but places chunk starts on a
// fixed calendar grid, so the same days map to the same chunks whatever
// window is requested. Chunks are never clamped: the first may start before
// p.From and the last may end after p.To.
func SplitAligned(p PeriodSpec, chunkDays, overlapDays int) []PeriodSpec {
	chunkDays, step := chunkStep(chunkDays, overlapDays)

	offset := (civilDay(p.From) - civilDay(gridEpoch)) % int64(step)
	if offset < 0 {
		offset += int64(step)
	}

	var out []PeriodSpec
	for start := p.From.AddDate(0, 0, -int(offset)); ; start = start.AddDate(0, 0, step) {
		end := start.AddDate(0, 0, chunkDays-1)
		out = append(out, PeriodSpec{From: start, To: end})
		if !end.Before(p.To) {
			break
		}
	}
	return out
}

func chunkStep(chunkDays, overlapDays int) (int, int) {
	if chunkDays < 1 {
		chunkDays = 1
	}
	if overlapDays < 0 || overlapDays >= chunkDays {
		overlapDays = 0
	}
	return chunkDays, chunkDays - overlapDays
}

// civilDay numbers the calendar day of t, ignoring its location's offset.
func civilDay(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// SplitByYear cuts p at calendar year boundaries.
func SplitByYear(p PeriodSpec) []PeriodSpec {
	return splitBy(p, func(t time.Time) time.Time {
		return time.Date(t.Year()+1, time.January, 1, 0, 0, 0, 0, t.Location())
	})
}

// SplitByMonth cuts p at calendar month boundaries.
func SplitByMonth(p PeriodSpec) []PeriodSpec {
	return splitBy(p, func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	})
}

func splitBy(p PeriodSpec, next func(time.Time) time.Time) []PeriodSpec {
	var out []PeriodSpec
	for start := p.From; !start.After(p.To); start = next(start) {
		end := next(start).AddDate(0, 0, -1)
		if end.After(p.To) {
			end = p.To
		}
		out = append(out, PeriodSpec{From: start, To: end})
	}
	return out
}

// MergeByTimestamp orders points chronologically and drops repeats of the
// same (device, endpoint, name, timestamp), keeping the first.
func MergeByTimestamp(points []models.RawDataPoint) []models.RawDataPoint {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})

	type key struct {
		device, endpoint, name string
		ts                     int64
	}
	seen := make(map[key]struct{}, len(points))
	out := points[:0]
	for _, p := range points {
		k := key{p.DeviceID, p.Endpoint, p.Name, p.Timestamp}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}
