package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/config"
)

const publishTimeout = 5 * time.Second

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// kafkaWriter is the part of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NATSPublisher publishes to "{subject}.{bucket}".
type NATSPublisher struct {
	conn    natsConn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("solarflux"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(_ context.Context, bucket string, payload []byte) error {
	return p.conn.Publish(p.Subject(bucket), payload)
}

func (p *NATSPublisher) Subject(bucket string) string { return p.subject + "." + bucket }

func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
	return nil
}

// MQTTPublisher publishes to "{topic}/{bucket}" with QoS 1.
type MQTTPublisher struct {
	client mqttClient
	topic  string
}

func NewMQTTPublisher(broker, topic, clientID string, logger *logrus.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WithError(err).WithField("broker", broker).Warn("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{client: client, topic: topic}, nil
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

func (p *MQTTPublisher) Publish(_ context.Context, bucket string, payload []byte) error {
	token := p.client.Publish(p.Topic(bucket), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (p *MQTTPublisher) Topic(bucket string) string { return p.topic + "/" + bucket }

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// KafkaPublisher writes one message per batch, keyed by bucket.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: publishTimeout,
	}}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, bucket string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(bucket), Value: payload})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// FromConfig connects every configured publisher. Publishers without an
// address are skipped.
func FromConfig(cfg config.PublishConfig, logger *logrus.Logger) ([]Publisher, error) {
	var out []Publisher
	closeAll := func() {
		for _, p := range out {
			p.Close()
		}
	}

	if cfg.NATS.URL != "" {
		p, err := NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if cfg.MQTT.Broker != "" {
		p, err := NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.Topic, cfg.MQTT.ClientID, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		out = append(out, p)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		out = append(out, NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}

	for _, p := range out {
		logger.WithField("publisher", p.Name()).Info("Mirror publisher enabled")
	}
	return out, nil
}
