package event_publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

// Producer is the subset of *kafka.Producer the publisher needs.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

const batchSize = 100

// claimLease is how long a claimed event may stay processing before another
// drain treats its publisher as gone and claims it again.
const claimLease = 10 * time.Minute

type EventPublisher struct {
	logger   *zap.Logger
	producer Producer
	store    *repository.Store
	metrics  *metrics.Metrics
	interval time.Duration
	mu       sync.Mutex // one drain at a time per instance
}

func NewEventPublisher(kafkaBroker string, store *repository.Store, m *metrics.Metrics, logger *zap.Logger) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"acks":               "all",
		"retries":            3,
		"retry.backoff.ms":   100,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewEventPublisherWithProducer(producer, store, m, logger), nil
}

func NewEventPublisherWithProducer(producer Producer, store *repository.Store, m *metrics.Metrics, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		logger:   logger,
		producer: producer,
		store:    store,
		metrics:  m,
		interval: 3 * time.Second,
	}
}

// StartPublishing drains the outbox every interval until ctx is cancelled.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ep.PublishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

// PublishUnsentEvents claims a page of unsent events and produces them,
// returning how many were delivered.
func (ep *EventPublisher) PublishUnsentEvents(ctx context.Context) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var claimed []model.OutboxEvent
	err := ep.store.InTx(ctx, func(r *repository.Repositories) error {
		var err error
		claimed, err = r.Outbox.ClaimUnsent(ctx, batchSize, time.Now().UTC(), claimLease)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	successCount := 0
	for _, event := range claimed {
		if err := ep.publishEventToKafka(ctx, event); err != nil {
			ep.metrics.Published(event.Topic, "failed")
			ep.logger.Error("Failed to publish event to Kafka",
				zap.String("event_id", event.EventID),
				zap.String("event_kind", event.EventKind),
				zap.Error(err))
			// back to unsent for the next tick
			if markErr := ep.store.Outbox.MarkEventAsFailed(ctx, event.EventID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.String("event_id", event.EventID), zap.Error(markErr))
			}
			continue
		}

		ep.metrics.Published(event.Topic, "sent")
		if err := ep.store.Outbox.MarkEventAsSent(ctx, event.EventID); err != nil {
			// delivered but still processing; consumers dedupe on the event id
			ep.logger.Error("Failed to mark event as sent", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		successCount++
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(claimed)))
	}
	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(ctx context.Context, event model.OutboxEvent) error {
	topic := event.Topic
	deliveryChan := make(chan kafka.Event, 1)

	err := ep.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.PartitionKey),
		Value:          event.Payload,
		Headers:        []kafka.Header{{Key: "event_kind", Value: []byte(event.EventKind)}},
	}, deliveryChan)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			return ev.TopicPartition.Error
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}

func (ep *EventPublisher) Close() error {
	if ep.producer != nil {
		ep.producer.Close()
	}
	return nil
}
