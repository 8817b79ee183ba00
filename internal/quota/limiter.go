// Package quota enforces per-source request and byte budgets against the
// upstream rate limits.
//
// Each source has sliding one-minute and one-hour windows for requests and
// for transferred bytes. Acquire blocks until every window of the source is
// below its maximum, then counts the new request. Callers only acquire
// right before a real network call, so cache hits never consume quota.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/metrics"
)

// Limits are the maxima of one source. Zero disables a counter.
type Limits struct {
	PerMinute      int   `mapstructure:"per_minute"`
	PerHour        int   `mapstructure:"per_hour"`
	BytesPerMinute int64 `mapstructure:"bytes_per_minute"`
	BytesPerHour   int64 `mapstructure:"bytes_per_hour"`
}

// Usage is a point-in-time view of a source's windows.
type Usage struct {
	RequestsMinute int    `json:"requests_minute"`
	RequestsHour   int    `json:"requests_hour"`
	BytesMinute    int64  `json:"bytes_minute"`
	BytesHour      int64  `json:"bytes_hour"`
	Limits         Limits `json:"limits"`
}

type event struct {
	id    uint64
	at    time.Time
	bytes int64
}

type sourceState struct {
	limits Limits
	events []event // oldest first, pruned to the hour window
	nextID uint64
}

// Reservation is one recorded request. Its byte estimate can be corrected
// once the response size is known, whatever other requests of the source
// were recorded since.
type Reservation struct {
	limiter *Limiter
	source  string
	id      uint64
}

// AddBytes adjusts the byte count of the reservation's request. It is a
// no-op once the request left the hour window.
func (r *Reservation) AddBytes(delta int64) {
	if r == nil || r.limiter == nil {
		return
	}
	l := r.limiter
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(r.source)
	for i := len(st.events) - 1; i >= 0; i-- {
		if st.events[i].id == r.id {
			st.events[i].bytes += delta
			return
		}
	}
}

// Limiter tracks all sources. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	minute  time.Duration
	hour    time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

type Option func(*Limiter)

// WithWindows overrides the window lengths.
func WithWindows(minute, hour time.Duration) Option {
	return func(l *Limiter) {
		l.minute = minute
		l.hour = hour
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func NewLimiter(logger *logrus.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		sources: make(map[string]*sourceState),
		minute:  time.Minute,
		hour:    time.Hour,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logrus.New()
	}
	return l
}

// SetLimits configures the maxima of source.
func (l *Limiter) SetLimits(source string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(source).limits = limits
}

func (l *Limiter) state(source string) *sourceState {
	st, ok := l.sources[source]
	if !ok {
		st = &sourceState{}
		l.sources[source] = st
	}
	return st
}

// Acquire blocks until source may issue a request of about estimatedBytes
// and records it. It returns ctx.Err() if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, source string, estimatedBytes int64) error {
	_, err := l.Reserve(ctx, source, estimatedBytes)
	return err
}

// Reserve is Acquire returning a handle on the recorded request.
func (l *Limiter) Reserve(ctx context.Context, source string, estimatedBytes int64) (*Reservation, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		st := l.state(source)
		now := time.Now()
		st.prune(now, l.hour)
		wait := st.waitTime(now, l.minute, l.hour)
		if wait <= 0 {
			st.nextID++
			st.events = append(st.events, event{id: st.nextID, at: now, bytes: estimatedBytes})
			res := &Reservation{limiter: l, source: source, id: st.nextID}
			l.mu.Unlock()
			if waited > 0 {
				l.metrics.QuotaWait(source, waited)
			}
			return res, nil
		}
		l.mu.Unlock()

		l.logger.WithFields(logrus.Fields{
			"source": source,
			"wait":   wait.String(),
		}).Debug("Quota exhausted, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}

// AddBytes adjusts the byte count of the most recent request of source.
// Concurrent callers of one source should correct through their
// Reservation instead.
func (l *Limiter) AddBytes(source string, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	if len(st.events) == 0 {
		st.nextID++
		st.events = append(st.events, event{id: st.nextID, at: time.Now(), bytes: delta})
		return
	}
	st.events[len(st.events)-1].bytes += delta
}

// Usage returns the current window counters of source.
func (l *Limiter) Usage(source string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(source)
	now := time.Now()
	st.prune(now, l.hour)
	u := Usage{Limits: st.limits}
	for _, e := range st.events {
		u.RequestsHour++
		u.BytesHour += e.bytes
		if now.Sub(e.at) < l.minute {
			u.RequestsMinute++
			u.BytesMinute += e.bytes
		}
	}
	return u
}

// Sources lists the sources known to the limiter.
func (l *Limiter) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.sources))
	for name := range l.sources {
		out = append(out, name)
	}
	return out
}

func (st *sourceState) prune(now time.Time, hour time.Duration) {
	i := 0
	for i < len(st.events) && now.Sub(st.events[i].at) >= hour {
		i++
	}
	if i > 0 {
		st.events = append(st.events[:0], st.events[i:]...)
	}
}

// waitTime returns how long until every counter is below its maximum, zero
// if a request may be issued now.
func (st *sourceState) waitTime(now time.Time, minute, hour time.Duration) time.Duration {
	var wait time.Duration
	if w := windowWait(st.events, now, minute, st.limits.PerMinute, st.limits.BytesPerMinute); w > wait {
		wait = w
	}
	if w := windowWait(st.events, now, hour, st.limits.PerHour, st.limits.BytesPerHour); w > wait {
		wait = w
	}
	return wait
}

// windowWait computes how long until the events inside window drop below
// maxRequests and maxBytes, by letting the oldest ones age out.
func windowWait(events []event, now time.Time, window time.Duration, maxRequests int, maxBytes int64) time.Duration {
	if maxRequests <= 0 && maxBytes <= 0 {
		return 0
	}

	first := len(events)
	var count int
	var bytes int64
	for i := len(events) - 1; i >= 0; i-- {
		if now.Sub(events[i].at) >= window {
			break
		}
		first = i
		count++
		bytes += events[i].bytes
	}

	var wait time.Duration
	for i := first; i < len(events); i++ {
		over := (maxRequests > 0 && count >= maxRequests) || (maxBytes > 0 && bytes >= maxBytes)
		if !over {
			break
		}
		wait = events[i].at.Add(window).Sub(now)
		count--
		bytes -= events[i].bytes
	}
	return wait
}
