package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	logger *logger.Logger
}

// NewProducer builds a writer that routes each message by its Topic field, keyed by
// order id so events for one order stay ordered within a partition.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Producer{Writer: writer, logger: log}
}

func NewProducerWithWriter(w MessageWriter, log *logger.Logger) *Producer {
	return &Producer{Writer: w, logger: log}
}

// PublishBookingEvent streams a booking lifecycle event to Kafka
func (p *Producer) PublishBookingEvent(ctx context.Context, topic string, event models.BookingEvent) error {
	if event.Type == "" {
		event.Type = topic
	}
	msgBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(event.OrderID),
		Value: msgBytes,
		Time:  event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("publish %s for order %s: %w", topic, event.OrderID, err)
	}

	p.logger.LogKafka("PUBLISH", topic, fmt.Sprintf("order %s", event.OrderID))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

// LogPublisher stands in for the producer when Kafka is disabled.
type LogPublisher struct {
	Logger *logger.Logger
}

func (l LogPublisher) PublishBookingEvent(_ context.Context, topic string, event models.BookingEvent) error {
	l.Logger.LogKafka("SKIP", topic, fmt.Sprintf("kafka disabled, event for order %s not published", event.OrderID))
	return nil
}
