// Package bus mirrors every batch written to storage onto message brokers as
// InfluxDB line protocol, so downstream consumers see points as they land.
//
// Mirroring is best effort: a publish failure is logged and never fails or
// retries the storage write.
package bus

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/database"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// Publisher sends one encoded batch to a broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, bucket string, payload []byte) error
	Close() error
}

// Mirror is a database.Sink that writes to an inner sink and then publishes
// the batch.
type Mirror struct {
	sink       database.Sink
	publishers []Publisher
	logger     *logrus.Logger
}

func NewMirror(sink database.Sink, logger *logrus.Logger, publishers ...Publisher) *Mirror {
	return &Mirror{sink: sink, publishers: publishers, logger: logger}
}

func (m *Mirror) EnsureBucket(ctx context.Context, route models.BucketRoute) error {
	return m.sink.EnsureBucket(ctx, route)
}

func (m *Mirror) WriteBatch(ctx context.Context, bucket string, points []models.TimeSeriesPoint) error {
	if err := m.sink.WriteBatch(ctx, bucket, points); err != nil {
		return err
	}
	if len(m.publishers) == 0 || len(points) == 0 {
		return nil
	}

	payload := Encode(points)
	for _, p := range m.publishers {
		if err := p.Publish(ctx, bucket, payload); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"publisher": p.Name(),
				"bucket":    bucket,
				"points":    len(points),
			}).Warn("Mirror publish failed")
		}
	}
	return nil
}

func (m *Mirror) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Encode renders points as newline separated line protocol.
func Encode(points []models.TimeSeriesPoint) []byte {
	var b strings.Builder
	for i, p := range points {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.LineProtocol())
	}
	return []byte(b.String())
}

var _ database.Sink = (*Mirror)(nil)
