package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/minestore/api/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher writes order lifecycle events to a Kafka topic keyed by order id, so one
// order's events land on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher constructs a publisher with a long-lived writer for the topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	topic = strings.TrimSpace(topic)
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newKafkaPublisher(writer), nil
}

func newKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, marshal: json.Marshal}
}

// PublishOrderEvent writes the event synchronously. Kafka offers no message id, so the
// returned id is "<orderId>@<version>".
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) (string, error) {
	if p == nil || p.writer == nil {
		return "", errors.New("kafka publisher: not initialised")
	}
	payload, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := attributes(event)
	headers := make([]kafkago.Header, 0, len(attrs))
	for _, key := range []string{"type", "orderId", "orderNumber", "status", "version"} {
		if value, ok := attrs[key]; ok {
			headers = append(headers, kafkago.Header{Key: key, Value: []byte(value)})
		}
	}

	msg := kafkago.Message{
		Key:     []byte(event.OrderID),
		Value:   payload,
		Headers: headers,
		Time:    event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return fmt.Sprintf("%s@%d", event.OrderID, event.Version), nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
