package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"milabs-booking/internal/logger"

	"github.com/segmentio/kafka-go"
)

const (
	TopicOrderCreated   = "booking.order.created"
	TopicOrderConfirmed = "booking.order.confirmed"
	TopicOrderCancelled = "booking.order.cancelled"
	TopicOrderCompleted = "booking.order.completed"
	TopicReminderSent   = "booking.reminder.sent"
	// TopicVoucherScanned is produced by lab scanning apps and consumed here.
	TopicVoucherScanned = "lab.voucher.scanned"
)

func BookingTopics() []string {
	return []string{TopicOrderCreated, TopicOrderConfirmed, TopicOrderCancelled, TopicOrderCompleted, TopicReminderSent, TopicVoucherScanned}
}

// EnsureTopicsExist creates Kafka topics if they don't already exist
func EnsureTopicsExist(ctx context.Context, brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		})
		switch {
		case err == nil:
			log.LogKafka("CREATE_TOPIC", topic, "created")
		case errors.Is(err, kafka.TopicAlreadyExists):
			log.Debug("KAFKA", fmt.Sprintf("Topic %s already exists", topic))
		default:
			// keep going, a missing topic only degrades event publishing
			log.Error("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
		}
	}
	return nil
}
