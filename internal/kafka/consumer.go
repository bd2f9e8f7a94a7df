package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageReader is satisfied by *kafka.Reader in consumer group mode.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type VoucherScanHandler func(ctx context.Context, event models.VoucherScanEvent) error

type Consumer struct {
	reader MessageReader
	logger *logger.Logger
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, logger: log}
}

func NewConsumerWithReader(r MessageReader, log *logger.Logger) *Consumer {
	return &Consumer{reader: r, logger: log}
}

// Run consumes voucher scans until ctx is cancelled. Every message is committed after
// handling: malformed payloads and rejected redemptions would fail the same way on replay.
func (c *Consumer) Run(ctx context.Context, handle VoucherScanHandler) error {
	c.logger.Info("KAFKA", "Voucher scan consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("KAFKA", "Voucher scan consumer stopped")
				return nil
			}
			return fmt.Errorf("fetch voucher scan: %w", err)
		}

		var event models.VoucherScanEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Warn("KAFKA", fmt.Sprintf("Skipping malformed message at offset %d: %v", msg.Offset, err))
		} else if err := handle(ctx, event); err != nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Voucher scan by %s at lab %s rejected: %v", event.ScannedBy, event.LabID, err))
		} else {
			c.logger.LogKafka("CONSUME", msg.Topic, fmt.Sprintf("voucher redeemed at lab %s", event.LabID))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
