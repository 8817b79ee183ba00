//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/sink.go -package=mocks . Sink

// Package database implements the storage backends points are written to.
//
// A bucket is the unit of retention: every backend maps it to its own
// storage object (a hypertable in TimescaleDB, a bucket in InfluxDB).
// Writes are idempotent, so a batch retried after a partial failure does not
// duplicate rows.
//
// Example usage:
//
//	sink, err := NewTimescaleSink(cfg.Storage.Timescale.DSN(), logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//
//	if err := sink.EnsureBucket(ctx, route); err != nil { ... }
//	err = sink.WriteBatch(ctx, route.Bucket, points)
package database

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// Sink is a storage backend.
type Sink interface {
	// EnsureBucket creates the bucket if it does not exist and applies its
	// retention. It is safe to call for an existing bucket.
	EnsureBucket(ctx context.Context, route models.BucketRoute) error

	// WriteBatch stores points in bucket. Points already stored are ignored.
	WriteBatch(ctx context.Context, bucket string, points []models.TimeSeriesPoint) error

	Close() error
}

// ErrInvalidBucket is returned for bucket names that are not safe identifiers.
var ErrInvalidBucket = errors.New("invalid bucket name")

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validBucket(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, name)
	}
	return nil
}
