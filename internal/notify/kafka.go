package notify

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// Notifications are written one at a time from the request or worker
	// path, so the writer must not hold them back waiting for a fuller batch.
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaWriteTimeout = 5 * time.Second
)

// KafkaPublisher writes notifications synchronously. Each message carries
// the producing service and a JSON content type as headers; the key keeps
// every event for one invoice or customer on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	return &KafkaPublisher{writer: newNotificationWriter(brokers)}, nil
}

func newNotificationWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              1,
		BatchTimeout:           kafkaBatchTimeout,
		WriteTimeout:           kafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

var notificationHeaders = []kafka.Header{
	{Key: "content-type", Value: []byte("application/json")},
	{Key: "producer", Value: []byte("payretry")},
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: notificationHeaders,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
