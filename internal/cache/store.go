// Package cache implements the content-hash validated disk cache that sits
// between the collectors and their rate-limited upstreams.
//
// Entries are keyed by (source, endpoint, period) and live at
//
//	{root}/{source}/{endpoint}/{period}_{HH-MM}[_{hash8}].json.gz
//
// An entry without a hash suffix is PARTIAL: its period is still accumulating
// data, so it is re-fetched once its TTL expires and only rewritten when the
// upstream content hash changed. An entry with a hash suffix is SEALED: its
// period is over, and it is served forever without touching the network.
//
// Example usage:
//
//	store, err := cache.NewStore("cache", logger, cache.WithTTL("web", 15*time.Minute))
//	payload, err := store.GetOrFetch(ctx, "web", "SITE", cache.Month(now), fetchSite)
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tejusbharadwaj/solarflux/internal/metrics"
)

// Cache outcomes, used as metric labels.
const (
	OutcomeSealed    = "sealed"
	OutcomeFresh     = "fresh"
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeNew       = "new"
	OutcomeError     = "error"
)

const (
	DefaultTTL           = time.Hour
	DefaultFetchTimeout  = 5 * time.Minute
	defaultMemoryEntries = 512
)

var (
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	ErrInvalidKey     = errors.New("invalid cache key")
)

// FetchFunc retrieves the upstream payload for one cache key.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Store is the persistent two-state cache. It is safe for concurrent use;
// callers sharing a key are serialized behind a single fetch.
type Store struct {
	root          string
	defaultTTL    time.Duration
	ttls          map[string]time.Duration
	locations     map[string]*time.Location
	policies      map[string]SealPolicy
	defaultPolicy SealPolicy
	now           func() time.Time
	memoryEntries int
	fetchTimeout  time.Duration

	group   singleflight.Group
	sealed  *lru.Cache
	logger  *logrus.Logger
	metrics *metrics.Metrics

	statsMu sync.Mutex
	stats   map[string]int
}

type Option func(*Store)

// WithTTL sets the PARTIAL entry TTL of a source.
func WithTTL(source string, ttl time.Duration) Option {
	return func(s *Store) { s.ttls[source] = ttl }
}

// WithDefaultTTL sets the TTL used for sources without their own.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.defaultTTL = ttl }
}

// WithLocation sets the timezone in which periods of a source are evaluated.
func WithLocation(source string, loc *time.Location) Option {
	return func(s *Store) { s.locations[source] = loc }
}

// WithPolicy overrides the seal policy of a source.
func WithPolicy(source string, p SealPolicy) Option {
	return func(s *Store) { s.policies[source] = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithFetchTimeout bounds a shared fetch, which keeps running when the
// caller that started it goes away.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.fetchTimeout = d }
}

// WithMemoryEntries bounds the in-memory cache of sealed payloads.
func WithMemoryEntries(n int) Option {
	return func(s *Store) { s.memoryEntries = n }
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *logrus.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:          dir,
		defaultTTL:    DefaultTTL,
		ttls:          make(map[string]time.Duration),
		locations:     make(map[string]*time.Location),
		policies:      make(map[string]SealPolicy),
		defaultPolicy: CalendarPolicy{},
		now:           time.Now,
		memoryEntries: defaultMemoryEntries,
		fetchTimeout:  DefaultFetchTimeout,
		logger:        logger,
		stats:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
	}

	sealed, err := lru.New(s.memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create sealed entry cache: %w", err)
	}
	s.sealed = sealed

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return s, nil
}

func (s *Store) ttl(source string) time.Duration {
	if ttl, ok := s.ttls[source]; ok {
		return ttl
	}
	return s.defaultTTL
}

func (s *Store) policy(source string) SealPolicy {
	if p, ok := s.policies[source]; ok {
		return p
	}
	return s.defaultPolicy
}

// Location returns the timezone configured for source.
func (s *Store) Location(source string) *time.Location {
	if loc, ok := s.locations[source]; ok {
		return loc
	}
	return time.UTC
}

func sanitize(part string) string {
	part = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(part)
	return strings.TrimSpace(part)
}

func (s *Store) dir(source, endpoint string) string {
	return filepath.Join(s.root, sanitize(source), sanitize(endpoint))
}

func cacheKey(source, endpoint, period string) string {
	return sanitize(source) + "/" + sanitize(endpoint) + "/" + period
}

// GetOrFetch returns the payload for (source, endpoint, period), calling
// fetch only when the cache cannot answer. A fetch error leaves the stored
// entry untouched and is returned as is.
//
// Callers of one key share a single fetch. It runs detached from the
// caller that started it, bounded by the fetch timeout, and every caller
// stops waiting when its own ctx is done.
func (s *Store) GetOrFetch(ctx context.Context, source, endpoint string, period Period, fetch FetchFunc) ([]byte, error) {
	if sanitize(source) == "" || sanitize(endpoint) == "" || period.Label == "" {
		return nil, fmt.Errorf("%w: %q/%q/%q", ErrInvalidKey, source, endpoint, period.Label)
	}

	key := cacheKey(source, endpoint, period.Label)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.getOrFetch(fetchCtx, key, source, endpoint, period, fetch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (s *Store) getOrFetch(ctx context.Context, key, source, endpoint string, period Period, fetch FetchFunc) ([]byte, error) {
	if payload, ok := s.sealed.Get(key); ok {
		s.record(source, OutcomeSealed)
		return payload.([]byte), nil
	}

	dir := s.dir(source, endpoint)
	logger := s.logger.WithFields(logrus.Fields{
		"source":   source,
		"endpoint": endpoint,
		"period":   period.Label,
	})

	entry, err := s.lookup(dir, period.Label, true)
	if err != nil {
		logger.WithError(err).Warn("Unreadable cache entry, refetching")
		entry = nil
	}

	if entry != nil && entry.State == Sealed {
		s.sealed.Add(key, entry.Payload)
		s.record(source, OutcomeSealed)
		return entry.Payload, nil
	}

	now := s.now().In(s.Location(source))
	policy := s.policy(source)
	complete := policy.Complete(period, now)

	if entry != nil {
		switch {
		case complete && policy.Sealable(period, entry.CreatedAt):
			if err := s.seal(entry, now); err != nil {
				logger.WithError(err).Warn("Failed to seal cache entry")
			} else {
				s.sealed.Add(key, entry.Payload)
			}
			s.record(source, OutcomeSealed)
			return entry.Payload, nil
		case !complete && now.Sub(entry.CreatedAt) < s.ttl(source):
			s.record(source, OutcomeFresh)
			return entry.Payload, nil
		}
	}

	payload, err := fetch(ctx)
	if err != nil {
		s.record(source, OutcomeError)
		return nil, err
	}
	if !json.Valid(payload) {
		s.record(source, OutcomeError)
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, key)
	}

	hash := ContentHash(payload)
	state := Partial
	if complete && policy.Sealable(period, now) {
		state = Sealed
	}

	if entry != nil && entry.Hash == hash {
		if state == Sealed {
			if err := s.seal(entry, now); err != nil {
				logger.WithError(err).Warn("Failed to seal cache entry")
			} else {
				s.sealed.Add(key, entry.Payload)
			}
		} else if err := s.touch(entry, now); err != nil {
			logger.WithError(err).Warn("Failed to refresh cache entry timestamp")
		}
		s.record(source, OutcomeUnchanged)
		return entry.Payload, nil
	}

	fresh := &Entry{
		Source:      source,
		Endpoint:    endpoint,
		Period:      period.Label,
		State:       state,
		Hash:        hash,
		CreatedAt:   now,
		Payload:     payload,
		periodStart: period.Start,
		periodEnd:   period.End,
	}
	path, err := writeEntry(dir, fresh)
	if err != nil {
		// The payload is still good for this run.
		logger.WithError(err).Error("Failed to persist cache entry")
	} else {
		s.removeStale(dir, period.Label, path)
	}

	if state == Sealed {
		s.sealed.Add(key, payload)
		logger.WithField("hash", hash).Debug("Sealed cache entry")
	}
	if entry == nil {
		s.record(source, OutcomeNew)
	} else {
		s.record(source, OutcomeChanged)
	}
	return payload, nil
}

// Has reports whether an entry exists for the key without reading it.
func (s *Store) Has(source, endpoint, label string) (State, bool) {
	entry, err := s.lookup(s.dir(source, endpoint), label, false)
	if err != nil || entry == nil {
		return "", false
	}
	return entry.State, true
}

// SealCompleted seals every PARTIAL entry of source whose period is over and
// whose payload was fetched after the period closed. It never fetches.
func (s *Store) SealCompleted(source string) (int, error) {
	base := filepath.Join(s.root, sanitize(source))
	endpoints, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	now := s.now().In(s.Location(source))
	policy := s.policy(source)
	sealed := 0

	for _, ep := range endpoints {
		if !ep.IsDir() {
			continue
		}
		dir := filepath.Join(base, ep.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return sealed, err
		}
		for _, f := range files {
			name, ok := parseFileName(f.Name())
			if !ok || name.state() == Sealed {
				continue
			}
			entry, err := readEntry(filepath.Join(dir, f.Name()))
			if err != nil {
				s.logger.WithError(err).WithField("file", f.Name()).Warn("Skipping unreadable cache entry")
				continue
			}
			period, err := s.entryPeriod(source, entry)
			if err != nil {
				continue
			}
			if !policy.Complete(period, now) || !policy.Sealable(period, entry.CreatedAt) {
				continue
			}
			if err := s.seal(entry, entry.CreatedAt); err != nil {
				return sealed, err
			}
			sealed++
		}
	}
	return sealed, nil
}

// Stats returns the outcome counters since the store was created.
func (s *Store) Stats() map[string]int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]int, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

func (s *Store) record(source, outcome string) {
	s.statsMu.Lock()
	s.stats[outcome]++
	s.statsMu.Unlock()
	s.metrics.CacheOutcome(source, outcome)
}

func (s *Store) entryPeriod(source string, e *Entry) (Period, error) {
	if !e.periodStart.IsZero() && !e.periodEnd.IsZero() {
		loc := s.Location(source)
		return Period{Label: e.Period, Start: e.periodStart.In(loc), End: e.periodEnd.In(loc)}, nil
	}
	return ParsePeriod(e.Period, s.Location(source))
}

// lookup finds the entry for label in dir. A sealed file wins over partial
// ones, otherwise the newest partial is used.
func (s *Store) lookup(dir, label string, load bool) (*Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type candidate struct {
		name    string
		parsed  parsedName
		modTime time.Time
	}
	var candidates []candidate
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		parsed, ok := parseFileName(f.Name())
		if !ok || parsed.period != label {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: f.Name(), parsed: parsed, modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].parsed.state() == Sealed, candidates[j].parsed.state() == Sealed
		if si != sj {
			return si
		}
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	best := candidates[0]
	path := filepath.Join(dir, best.name)
	if !load {
		return &Entry{
			Period:    label,
			State:     best.parsed.state(),
			Hash:      best.parsed.hash,
			CreatedAt: best.modTime,
			path:      path,
		}, nil
	}
	return readEntry(path)
}

// seal freezes e by renaming it to carry its content hash. The payload is
// not rewritten.
func (s *Store) seal(e *Entry, at time.Time) error {
	if e.Hash == "" {
		e.Hash = ContentHash(e.Payload)
	}
	dir := filepath.Dir(e.path)
	path := filepath.Join(dir, fileName(e.Period, at, Sealed, e.Hash))
	if err := os.Rename(e.path, path); err != nil {
		return fmt.Errorf("seal %s: %w", e.path, err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		return err
	}
	e.path = path
	e.State = Sealed
	e.CreatedAt = at
	s.removeStale(dir, e.Period, path)
	return nil
}

// touch refreshes the creation time of a partial entry without rewriting it.
func (s *Store) touch(e *Entry, at time.Time) error {
	path := filepath.Join(filepath.Dir(e.path), fileName(e.Period, at, Partial, ""))
	if path != e.path {
		if err := os.Rename(e.path, path); err != nil {
			return err
		}
	}
	if err := os.Chtimes(path, at, at); err != nil {
		return err
	}
	e.path = path
	e.CreatedAt = at
	return nil
}

// removeStale deletes the partial files of label other than keep.
func (s *Store) removeStale(dir, label, keep string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		parsed, ok := parseFileName(f.Name())
		if !ok || parsed.period != label || parsed.state() == Sealed {
			continue
		}
		path := filepath.Join(dir, f.Name())
		if path == keep {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("file", path).Warn("Failed to remove stale cache entry")
		}
	}
}
