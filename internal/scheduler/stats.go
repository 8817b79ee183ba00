package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats counts collection cycles per source.
type Stats struct {
	mu      sync.RWMutex
	sources map[string]*sourceStats
}

type sourceStats struct {
	executed  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	points    atomic.Int64

	mu        sync.Mutex
	lastRun   time.Time
	lastRunID string
	lastError string
	duration  time.Duration
}

// SourceSnapshot is a point-in-time view of one source's cycles.
type SourceSnapshot struct {
	Executed     int64     `json:"executed"`
	Succeeded    int64     `json:"succeeded"`
	Failed       int64     `json:"failed"`
	Points       int64     `json:"points_written"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastRunID    string    `json:"last_run_id,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
}

func NewStats() *Stats {
	return &Stats{sources: make(map[string]*sourceStats)}
}

func (s *Stats) source(name string) *sourceStats {
	s.mu.RLock()
	st, ok := s.sources[name]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if st, ok = s.sources[name]; !ok {
		st = &sourceStats{}
		s.sources[name] = st
	}
	return st
}

func (s *Stats) started(name, runID string, at time.Time) {
	st := s.source(name)
	st.executed.Add(1)
	st.mu.Lock()
	st.lastRun = at
	st.lastRunID = runID
	st.mu.Unlock()
}

func (s *Stats) finished(name string, points int, d time.Duration, err error) {
	st := s.source(name)
	st.points.Add(int64(points))
	st.mu.Lock()
	st.duration = d
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	st.mu.Unlock()
	if err != nil {
		st.failed.Add(1)
		return
	}
	st.succeeded.Add(1)
}

// Snapshot returns a consistent view of every source seen so far.
func (s *Stats) Snapshot() map[string]SourceSnapshot {
	s.mu.RLock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]SourceSnapshot, len(names))
	for _, name := range names {
		st := s.source(name)
		st.mu.Lock()
		snap := SourceSnapshot{
			Executed:  st.executed.Load(),
			Succeeded: st.succeeded.Load(),
			Failed:    st.failed.Load(),
			Points:    st.points.Load(),
			LastRun:   st.lastRun,
			LastRunID: st.lastRunID,
			LastError: st.lastError,
		}
		if st.duration > 0 {
			snap.LastDuration = st.duration.Round(time.Millisecond).String()
		}
		st.mu.Unlock()
		out[name] = snap
	}
	return out
}
