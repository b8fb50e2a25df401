/*
Package kafka publishes committed-transaction events to a Kafka topic.

PURPOSE:
  Downstream consumers (notification fan-out, analytics, the feed ranker)
  learn about settled $EXTROPY movements through these events instead of
  polling the ledger.

DELIVERY SEMANTICS:
  Publishing happens after commit and is best-effort: the ledger is the
  source of truth and a failed publish never rolls a transaction back. The
  completeness audit catches anything consumers might have missed.

KEYING:
  Messages are keyed by transaction group id so all events for one group
  land on the same partition in order.

SEE ALSO:
  - ledger/events.go: Event payload and EventPublisher interface
  - cmd/server/main.go: Wiring
*/
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/extropy/ledger/ledger"
)

// DefaultTopic is used when no topic override is configured.
const DefaultTopic = "extropy.transactions"

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher targeting the given brokers and topic.
// Pass topic "" for DefaultTopic.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Publish emits a TransactionCommitted event. Returns an error for the
// caller to log; the caller never treats this as a ledger failure.
func (p *Publisher) Publish(ctx context.Context, event ledger.TransactionCommitted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Group),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
