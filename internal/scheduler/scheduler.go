// Package scheduler runs the collection cycle of every enabled source on its
// cron schedule:
//
//	Collect -> Parse -> Write -> Flush -> SealCompleted
//
// A cycle whose normalizer reports a configuration error writes nothing.
// Failed units of a collection are logged and the rest is still written; the
// cycle then counts as failed and is retried by the next scheduled run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/collector"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/normalize"
)

var ErrUnknownSource = errors.New("unknown source")

const DefaultCycleTimeout = 10 * time.Minute

// Writer is the point sink of a cycle, normally a *router.Router.
type Writer interface {
	Write(ctx context.Context, points []models.TimeSeriesPoint) error
	Flush(ctx context.Context) error
}

// Sealer promotes cache entries of completed periods, normally a
// *cache.Store.
type Sealer interface {
	SealCompleted(source string) (int, error)
}

// Pipeline is everything needed to run one source.
type Pipeline struct {
	Collector   collector.Collector
	Normalizer  normalize.Normalizer
	Endpoints   config.Endpoints
	Schedule    string
	HistoryDays int
	Timeout     time.Duration
	Location    *time.Location
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithStatus registers a callback receiving the health of a source after
// every cycle.
func WithStatus(fn func(source string, healthy bool)) Option {
	return func(s *Scheduler) { s.status = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	pipelines map[string]Pipeline
	writer    Writer
	sealer    Sealer
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	status    func(string, bool)
	now       func() time.Time
	stats     *Stats
	cron      *cron.Cron

	// one cycle per source at a time, whether cron or RunOnce started it
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewScheduler(writer Writer, sealer Sealer, logger *logrus.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		pipelines: make(map[string]Pipeline),
		writer:    writer,
		sealer:    sealer,
		logger:    logger,
		now:       time.Now,
		stats:     NewStats(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLogger := cron.PrintfLogger(logger)
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return s
}

// Add registers the pipeline of a source. The source name is taken from the
// collector.
func (s *Scheduler) Add(p Pipeline) {
	if p.Location == nil {
		p.Location = time.UTC
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultCycleTimeout
	}
	s.pipelines[p.Collector.Source()] = p
}

// Sources returns the registered source names.
func (s *Scheduler) Sources() []string {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Measurements returns the measurements the registered sources produce.
func (s *Scheduler) Measurements() []string {
	var out []string
	for _, name := range s.Sources() {
		out = append(out, s.pipelines[name].Normalizer.Measurement())
	}
	return out
}

func (s *Scheduler) Stats() *Stats { return s.stats }

// Start schedules every pipeline.
func (s *Scheduler) Start() error {
	for _, name := range s.Sources() {
		source := name
		p := s.pipelines[source]
		if _, err := s.cron.AddFunc(p.Schedule, func() {
			if err := s.RunOnce(context.Background(), source); err != nil {
				s.logger.WithField("source", source).WithError(err).Error("Collection cycle failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %q for %s: %w", p.Schedule, source, err)
		}
		s.logger.WithFields(logrus.Fields{"source": source, "schedule": p.Schedule}).Info("Source scheduled")
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running cycles until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunAll runs every pipeline once, one after the other.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.Sources() {
		if err := s.RunOnce(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) lock(source string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[source]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[source] = mu
	}
	return mu
}

// RunOnce runs one collection cycle of source.
func (s *Scheduler) RunOnce(ctx context.Context, source string) error {
	p, ok := s.pipelines[source]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	mu := s.lock(source)
	mu.Lock()
	defer mu.Unlock()

	runID := uuid.NewString()
	start := s.now()
	log := s.logger.WithFields(logrus.Fields{"source": source, "run_id": runID})
	s.stats.started(source, runID, start)

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	written, err := s.cycle(ctx, p, log)

	elapsed := s.now().Sub(start)
	s.stats.finished(source, written, elapsed, err)
	s.metrics.Run(source, elapsed)
	if s.status != nil {
		s.status(source, err == nil)
	}

	fields := logrus.Fields{"points": written, "duration": elapsed.String()}
	switch {
	case err == nil:
		log.WithFields(fields).Info("Collection cycle finished")
	case collector.IsRetryable(err):
		log.WithFields(fields).WithError(err).Warn("Collection cycle hit upstream quota, retrying next run")
	default:
		log.WithFields(fields).WithError(err).Error("Collection cycle failed")
	}
	return err
}

// cycle returns the number of points handed to the writer.
func (s *Scheduler) cycle(ctx context.Context, p Pipeline, log *logrus.Entry) (int, error) {
	source := p.Collector.Source()
	period := collector.LastDays(s.now().In(p.Location), p.HistoryDays)
	log = log.WithField("period", period.String())

	raw, collectErr := p.Collector.Collect(ctx, period)
	if collectErr != nil && len(raw) == 0 {
		return 0, fmt.Errorf("collect: %w", collectErr)
	}
	if collectErr != nil {
		log.WithError(collectErr).Warn("Collected with failed units")
	}

	points, err := p.Normalizer.Parse(raw, p.Endpoints)
	if normalize.IsConfigError(err) {
		return 0, fmt.Errorf("parse: %w", err)
	}
	if err != nil {
		log.WithError(err).Warn("Some groups failed to parse")
	}

	if err := s.writer.Write(ctx, points); err != nil {
		return len(points), fmt.Errorf("write: %w", err)
	}
	if err := s.writer.Flush(ctx); err != nil {
		return len(points), fmt.Errorf("flush: %w", err)
	}

	if s.sealer != nil {
		if n, err := s.sealer.SealCompleted(source); err != nil {
			log.WithError(err).Warn("Sealing completed periods failed")
		} else if n > 0 {
			log.WithField("sealed", n).Info("Sealed completed periods")
		}
	}

	if collectErr != nil {
		return len(points), fmt.Errorf("collect: %w", collectErr)
	}
	return len(points), nil
}
