// Package kafka publishes usage events to a Kafka topic, keyed by
// conversation id so one conversation's events stay ordered within a
// partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/codexusage/codexusage/pkg/eventstream"
)

// Publisher writes usage events to a Kafka topic.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher creates a Kafka-backed publisher for the given brokers and
// topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// PublishUsage serializes the event as JSON and writes it to the topic.
func (p *Publisher) PublishUsage(ctx context.Context, event *eventstream.UsageRecordedEvent) error {
	if event == nil {
		return eventstream.ErrNilUsageEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling usage event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(event.Usage.ConversationID),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing usage event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
