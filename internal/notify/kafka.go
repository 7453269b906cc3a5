package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes every lifecycle event to a topic, keyed by command id so
// one command's events stay on one partition.
type Kafka struct {
	writer *kafka.Writer
	topic  string
}

// NewKafka creates a kafka sink. Topics are auto-created by the writer.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *Kafka) Name() string { return "kafka:" + k.topic }

func (k *Kafka) Deliver(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafka marshal: %w", err)
	}
	msg := kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(evt.Type)},
		},
	}
	if evt.Command != nil {
		msg.Key = []byte(evt.Command.ID)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
