package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a single topic keyed by order or account
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer that waits for all replicas
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := kafkaMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s to kafka: %w", ev.Type, err)
	}
	return nil
}

// kafkaMessage keys ev so every event of one order lands on the same partition
func kafkaMessage(ev Event) (kafka.Message, error) {
	data, err := ev.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
