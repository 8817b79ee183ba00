package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// InfluxSink writes points to InfluxDB 2.x with the blocking write API.
type InfluxSink struct {
	client influxdb2.Client
	org    string
	logger *logrus.Logger
}

func NewInfluxSink(url, token, org string, logger *logrus.Logger) *InfluxSink {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Nanosecond)
	return &InfluxSink{
		client: influxdb2.NewClientWithOptions(url, token, opts),
		org:    org,
		logger: logger,
	}
}

// EnsureBucket looks the bucket up and creates it with the route's retention
// rule when it is missing. An existing bucket keeps its retention.
func (s *InfluxSink) EnsureBucket(ctx context.Context, route models.BucketRoute) error {
	if err := validBucket(route.Bucket); err != nil {
		return err
	}
	buckets := s.client.BucketsAPI()
	if b, err := buckets.FindBucketByName(ctx, route.Bucket); err == nil && b != nil {
		return nil
	}

	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.org)
	if err != nil {
		return fmt.Errorf("failed to find organization %s: %w", s.org, err)
	}
	if org.Id == nil {
		return errors.New("organization has no id")
	}

	var rules []domain.RetentionRule
	if route.Retention > 0 {
		rules = append(rules, domain.RetentionRule{EverySeconds: int64(route.Retention / time.Second)})
	}
	if _, err := buckets.CreateBucketWithNameWithID(ctx, *org.Id, route.Bucket, rules...); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", route.Bucket, err)
	}
	s.logger.WithFields(logrus.Fields{
		"bucket":    route.Bucket,
		"retention": route.Retention.String(),
	}).Info("Bucket created")
	return nil
}

func toInfluxPoint(p models.TimeSeriesPoint) *write.Point {
	tags := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		if t.Value != "" {
			tags[t.Key] = t.Value
		}
	}
	return write.NewPoint(p.Measurement, tags, map[string]interface{}{p.Field: p.Value}, time.Unix(0, p.Timestamp))
}

// WriteBatch writes points in one request. InfluxDB overwrites identical
// series/timestamp pairs, so rewriting a batch is harmless.
func (s *InfluxSink) WriteBatch(ctx context.Context, bucket string, points []models.TimeSeriesPoint) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	out := make([]*write.Point, 0, len(points))
	for _, p := range points {
		out = append(out, toInfluxPoint(p))
	}
	if err := s.client.WriteAPIBlocking(s.org, bucket).WritePoint(ctx, out...); err != nil {
		return fmt.Errorf("failed to write batch to %s: %w", bucket, err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

var _ Sink = (*InfluxSink)(nil)
