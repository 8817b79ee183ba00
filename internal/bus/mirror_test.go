package bus

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/database/mocks"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

type fakePublisher struct {
	name     string
	err      error
	buckets  []string
	payloads []string
	closed   bool
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(_ context.Context, bucket string, payload []byte) error {
	f.buckets = append(f.buckets, bucket)
	f.payloads = append(f.payloads, string(payload))
	return f.err
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func points() []models.TimeSeriesPoint {
	return []models.TimeSeriesPoint{
		{
			Measurement: models.MeasurementPrice,
			Tags:        []models.Tag{{Key: "endpoint", Value: "marketdata"}, {Key: "unit", Value: "EUR/MWh"}},
			Field:       "Price",
			Value:       89.5,
			Timestamp:   1735732800000000000,
		},
		{
			Measurement: models.MeasurementPrice,
			Tags:        []models.Tag{{Key: "endpoint", Value: "marketdata"}, {Key: "unit", Value: "EUR/MWh"}},
			Field:       "Price",
			Value:       91.25,
			Timestamp:   1735736400000000000,
		},
	}
}

func TestEncode(t *testing.T) {
	lines := strings.Split(string(Encode(points())), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "market_price,endpoint=marketdata,unit=EUR/MWh Price=89.5 1735732800000000000", lines[0])
}

func TestMirrorPublishesAfterWrite(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().WriteBatch(gomock.Any(), "prices", gomock.Any()).Return(nil)

	ok := &fakePublisher{name: "nats"}
	broken := &fakePublisher{name: "mqtt", err: errors.New("broker gone")}
	m := NewMirror(sink, quietLogger(), broken, ok)

	require.NoError(t, m.WriteBatch(context.Background(), "prices", points()), "publish failures do not fail the write")
	assert.Equal(t, []string{"prices"}, ok.buckets)
	assert.Equal(t, []string{"prices"}, broken.buckets)
	assert.Equal(t, string(Encode(points())), ok.payloads[0])
}

func TestMirrorSkipsPublishOnWriteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().WriteBatch(gomock.Any(), "prices", gomock.Any()).Return(errors.New("down"))

	pub := &fakePublisher{name: "kafka"}
	m := NewMirror(sink, quietLogger(), pub)

	assert.Error(t, m.WriteBatch(context.Background(), "prices", points()))
	assert.Empty(t, pub.buckets)
}

func TestMirrorDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	route := models.BucketRoute{Prefix: models.MeasurementPrice, Bucket: "prices"}
	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().EnsureBucket(gomock.Any(), route).Return(nil)
	sink.EXPECT().Close().Return(nil)

	pub := &fakePublisher{name: "nats"}
	m := NewMirror(sink, quietLogger(), pub)
	require.NoError(t, m.EnsureBucket(context.Background(), route))
	require.NoError(t, m.Close())
	assert.True(t, pub.closed)
}

func TestFromConfigWithoutAddresses(t *testing.T) {
	pubs, err := FromConfig(config.PublishConfig{}, quietLogger())
	require.NoError(t, err)
	assert.Empty(t, pubs)

	pubs, err = FromConfig(config.PublishConfig{Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "points"}}, quietLogger())
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "kafka", pubs[0].Name())
	assert.NoError(t, pubs[0].Close())
}
