package event_consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/settlement"
)

// Reader is the subset of *kafka.Consumer the consumer loop needs.
type Reader interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Applier applies decoded settlement events.
type Applier interface {
	Apply(ctx context.Context, msg events.Message) (settlement.Outcome, error)
}

const (
	pollTimeout = 500 * time.Millisecond
	maxAttempts = 5
)

type EventConsumer struct {
	logger  *zap.Logger
	reader  Reader
	applier Applier
	topic   string
	backoff time.Duration
}

func NewEventConsumer(kafkaBroker, groupID, topic string, applier Applier, logger *zap.Logger) (*EventConsumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return NewEventConsumerWithReader(consumer, topic, applier, logger), nil
}

func NewEventConsumerWithReader(reader Reader, topic string, applier Applier, logger *zap.Logger) *EventConsumer {
	return &EventConsumer{
		logger:  logger,
		reader:  reader,
		applier: applier,
		topic:   topic,
		backoff: time.Second,
	}
}

// Start consumes until ctx is cancelled. Offsets are committed only after a
// message has been applied or rejected for good.
func (ec *EventConsumer) Start(ctx context.Context) error {
	ec.logger.Info("Starting settlement event consumer", zap.String("topic", ec.topic))

	if err := ec.reader.Subscribe(ec.topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", ec.topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := ec.reader.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			ec.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if !ec.processMessage(ctx, msg) {
			continue
		}
		if _, err := ec.reader.CommitMessage(msg); err != nil {
			ec.logger.Error("Failed to commit offset", zap.Error(err))
		}
	}
}

// processMessage reports whether the message's offset may be committed.
func (ec *EventConsumer) processMessage(ctx context.Context, msg *kafka.Message) bool {
	fields := []zap.Field{
		zap.Int32("partition", msg.TopicPartition.Partition),
		zap.String("key", string(msg.Key)),
	}
	if msg.TopicPartition.Topic != nil {
		fields = append(fields, zap.String("topic", *msg.TopicPartition.Topic))
	}

	decoded, err := events.Decode(msg.Value)
	if err != nil {
		ec.logger.Error("Dropping invalid settlement event", append(fields, zap.Error(err))...)
		return true
	}

	for attempt := 1; ; attempt++ {
		_, err := ec.applier.Apply(ctx, decoded)
		if err == nil {
			return true
		}
		if !settlement.IsRetryable(err) || attempt >= maxAttempts {
			ec.logger.Error("Error processing message",
				append(fields, zap.String("event_id", decoded.ID), zap.Int("attempts", attempt), zap.Error(err))...)
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(ec.backoff * time.Duration(attempt)):
		}
	}
}

func (ec *EventConsumer) Close() error {
	if ec.reader != nil {
		return ec.reader.Close()
	}
	return nil
}
