package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
)

type fakeNATS struct {
	subjects []string
	drained  bool
	closed   bool
}

func (f *fakeNATS) Publish(subj string, _ []byte) error {
	f.subjects = append(f.subjects, subj)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeNATS) Close() { f.closed = true }

type fakeToken struct {
	completed bool
	err       error
}

func (t *fakeToken) Wait() bool                     { return t.completed }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.completed }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.completed {
		close(ch)
	}
	return ch
}

type fakeMQTT struct {
	token  *fakeToken
	topics []string
	qos    []byte
	closed bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	return f.token
}

func (f *fakeMQTT) Disconnect(uint) { f.closed = true }

type fakeKafka struct {
	messages []kafka.Message
	closed   bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestNATSPublisherSubjectPerBucket(t *testing.T) {
	conn := &fakeNATS{}
	p := &NATSPublisher{conn: conn, subject: "solarflux.points"}

	require.NoError(t, p.Publish(context.Background(), "prices", []byte("x")))
	require.NoError(t, p.Publish(context.Background(), "realtime", []byte("y")))
	assert.Equal(t, []string{"solarflux.points.prices", "solarflux.points.realtime"}, conn.subjects)

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
	assert.True(t, conn.closed)
}

func TestMQTTPublisherTopicPerBucket(t *testing.T) {
	tests := []struct {
		name    string
		token   *fakeToken
		wantErr string
	}{
		{"delivered", &fakeToken{completed: true}, ""},
		{"broker error", &fakeToken{completed: true, err: errors.New("not authorized")}, "not authorized"},
		{"timeout", &fakeToken{}, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeMQTT{token: tt.token}
			p := &MQTTPublisher{client: client, topic: "solarflux/points"}

			err := p.Publish(context.Background(), "solaredge", []byte("x"))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{"solarflux/points/solaredge"}, client.topics)
			assert.Equal(t, []byte{1}, client.qos)
		})
	}
}

func TestKafkaPublisherKeysByBucket(t *testing.T) {
	writer := &fakeKafka{}
	p := &KafkaPublisher{writer: writer}

	require.NoError(t, p.Publish(context.Background(), "prices", []byte("line")))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "prices", string(writer.messages[0].Key))
	assert.Equal(t, "line", string(writer.messages[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, writer.closed)
}

func TestNewKafkaPublisherWriter(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "solarflux-points")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "solarflux-points", w.Topic)
	assert.IsType(t, &kafka.LeastBytes{}, w.Balancer)
	assert.Equal(t, "kafka", p.Name())
	require.NoError(t, p.Close())
}

func TestFromConfigUnreachableNATS(t *testing.T) {
	_, err := FromConfig(config.PublishConfig{
		NATS: config.NATSConfig{URL: "nats://127.0.0.1:1", Subject: "solarflux.points"},
	}, quietLogger())
	assert.ErrorContains(t, err, "nats connect")
}
