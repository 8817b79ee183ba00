package cache

import "time"

// SealPolicy decides when a period is finished and when a fetched payload
// for it may be frozen.
type SealPolicy interface {
	// Complete reports whether the period is over at now.
	Complete(p Period, now time.Time) bool
	// Sealable reports whether a payload fetched at fetchedAt holds the
	// final data of the period.
	Sealable(p Period, fetchedAt time.Time) bool
}

// CalendarPolicy treats a period as complete once its end (exclusive, in the
// source location) plus Grace has passed. Only payloads fetched after that
// point are sealed; earlier ones are fetched again once before sealing.
// Grace absorbs upstream publishing delay.
type CalendarPolicy struct {
	Grace time.Duration
}

func (c CalendarPolicy) Complete(p Period, now time.Time) bool {
	return !now.Before(p.End.Add(c.Grace))
}

func (c CalendarPolicy) Sealable(p Period, fetchedAt time.Time) bool {
	return !fetchedAt.Before(p.End.Add(c.Grace))
}

var _ SealPolicy = CalendarPolicy{}
