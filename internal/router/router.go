// Package router sends normalized points to storage buckets.
//
// Points are routed by measurement name, buffered per bucket and written in
// batches. A bucket is created on first use. A failing batch is retried with
// exponential backoff and dropped once the retries are exhausted.
//
// Example usage:
//
//	r := router.New(sink, router.DefaultRoutes(), logger, router.WithBatchSize(5000))
//	r.Start(ctx)
//	if err := r.Write(ctx, points); err != nil { ... }
//	err = r.Flush(ctx)
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/database"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// ErrBatchDropped is returned when a batch could not be written after all
// retries. The batch is discarded.
var ErrBatchDropped = errors.New("batch dropped")

// Batch results, used as metric labels.
const (
	ResultOK      = "ok"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
)

const (
	DefaultBatchSize     = 5000
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
)

type Option func(*Router)

func WithBatchSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithRetry sets how often a failed batch is retried and the delay before the
// first retry. The delay doubles with every attempt.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(r *Router) {
		if maxRetries >= 0 {
			r.maxRetries = maxRetries
		}
		if delay > 0 {
			r.retryDelay = delay
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router buffers points per bucket and writes them to a Sink. It is safe for
// concurrent use.
type Router struct {
	sink          database.Sink
	routes        table
	buckets       map[string]models.BucketRoute
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	retryDelay    time.Duration
	logger        *logrus.Logger
	metrics       *metrics.Metrics

	// mu guards the buffers only; sink writes happen outside it.
	mu       sync.Mutex
	pending  map[string][]models.TimeSeriesPoint
	ensured  map[string]bool
	flushing map[string]*sync.Mutex
	dropped  int
}

func New(sink database.Sink, routes []models.BucketRoute, logger *logrus.Logger, opts ...Option) *Router {
	r := &Router{
		sink:          sink,
		routes:        newTable(routes),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		logger:        logger,
		pending:       make(map[string][]models.TimeSeriesPoint),
		ensured:       make(map[string]bool),
		flushing:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.buckets = make(map[string]models.BucketRoute)
	for _, b := range r.routes.buckets() {
		r.buckets[b.Bucket] = b
	}
	return r
}

// Route returns the bucket route of a measurement.
func (r *Router) Route(measurement string) (models.BucketRoute, error) {
	return r.routes.route(measurement)
}

// ValidateMeasurements checks that every name is routable. It is meant to be
// called at startup with the measurements of all enabled sources.
func (r *Router) ValidateMeasurements(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := r.Route(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Write routes and buffers points, writing every bucket whose buffer reached
// the batch size. Invalid points are dropped silently; unroutable points are
// dropped and reported.
func (r *Router) Write(ctx context.Context, points []models.TimeSeriesPoint) error {
	var errs []error
	unroutable := make(map[string]bool)
	full := make(map[string]bool)

	r.mu.Lock()
	for _, p := range points {
		if !p.Valid() {
			r.dropped++
			continue
		}
		route, err := r.Route(p.Measurement)
		if err != nil {
			if !unroutable[p.Measurement] {
				unroutable[p.Measurement] = true
				errs = append(errs, err)
			}
			continue
		}
		r.pending[route.Bucket] = append(r.pending[route.Bucket], p)
		if len(r.pending[route.Bucket]) >= r.batchSize {
			full[route.Bucket] = true
		}
	}
	r.mu.Unlock()

	for _, bucket := range sortedKeys(full) {
		if err := r.flushBucket(ctx, bucket, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush writes everything buffered.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	buckets := sortedKeys(r.pending)
	r.mu.Unlock()

	var errs []error
	for _, bucket := range buckets {
		if err := r.flushBucket(ctx, bucket, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start flushes periodically until ctx is done, then flushes one last time.
func (r *Router) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Flush(ctx); err != nil {
					r.logger.WithError(err).Error("Periodic flush failed")
				}
			case <-ctx.Done():
				final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.Flush(final); err != nil {
					r.logger.WithError(err).Error("Final flush failed")
				}
				cancel()
				return
			}
		}
	}()
}

// Pending returns the number of buffered points per bucket.
func (r *Router) Pending() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.pending))
	for b, pts := range r.pending {
		out[b] = len(pts)
	}
	return out
}

// Dropped returns the number of invalid points dropped so far.
func (r *Router) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// flushBucket writes the bucket's buffer in batches, one flush per bucket at
// a time. With fullOnly set, a trailing partial batch stays buffered.
func (r *Router) flushBucket(ctx context.Context, bucket string, fullOnly bool) error {
	mu := r.bucketLock(bucket)
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	for {
		batch := r.take(bucket, fullOnly)
		if batch == nil {
			break
		}
		if err := r.writeWithRetry(ctx, bucket, batch); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// take removes the next batch of bucket from the buffer.
func (r *Router) take(bucket string, fullOnly bool) []models.TimeSeriesPoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.pending[bucket]
	if len(buf) == 0 || (fullOnly && len(buf) < r.batchSize) {
		return nil
	}
	n := min(len(buf), r.batchSize)
	if n == len(buf) {
		delete(r.pending, bucket)
	} else {
		r.pending[bucket] = buf[n:]
	}
	return buf[:n:n]
}

func (r *Router) bucketLock(bucket string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.flushing[bucket]
	if !ok {
		mu = &sync.Mutex{}
		r.flushing[bucket] = mu
	}
	return mu
}

// ensure creates the bucket once. Callers hold the bucket's flush lock.
func (r *Router) ensure(ctx context.Context, bucket string) error {
	r.mu.Lock()
	done := r.ensured[bucket]
	route, ok := r.buckets[bucket]
	r.mu.Unlock()
	if done {
		return nil
	}
	if !ok {
		route = models.BucketRoute{Bucket: bucket}
	}
	if err := r.sink.EnsureBucket(ctx, route); err != nil {
		return err
	}
	r.mu.Lock()
	r.ensured[bucket] = true
	r.mu.Unlock()
	return nil
}

func (r *Router) writeWithRetry(ctx context.Context, bucket string, batch []models.TimeSeriesPoint) error {
	log := r.logger.WithFields(logrus.Fields{"bucket": bucket, "points": len(batch)})

	var lastErr error
retry:
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		lastErr = r.ensure(ctx, bucket)
		if lastErr == nil {
			lastErr = r.sink.WriteBatch(ctx, bucket, batch)
		}
		if lastErr == nil {
			r.metrics.Batch(bucket, ResultOK, len(batch))
			log.Debug("Batch written")
			return nil
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		r.metrics.Batch(bucket, ResultRetry, len(batch))
		log.WithError(lastErr).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Warn("Batch write failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = errors.Join(lastErr, ctx.Err())
			break retry
		}
	}

	r.metrics.Batch(bucket, ResultDropped, len(batch))
	log.WithError(lastErr).Error("Batch dropped")
	return fmt.Errorf("%w: bucket %s (%d points): %w", ErrBatchDropped, bucket, len(batch), lastErr)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
