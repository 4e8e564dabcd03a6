package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/model"
)

// OutboxRepository owns the transactional outbox, the crawler cursor and the
// applied-event ledger used for redelivery detection.
type OutboxRepository struct {
	conn
	logger *zap.Logger
}

const (
	OutboxStatusUnsent     = "unsent"
	OutboxStatusProcessing = "processing"
	OutboxStatusSent       = "sent"
)

func (c *OutboxRepository) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	var block uint64
	err := c.queryRow(ctx, `
		SELECT last_processed_block FROM crawler_state WHERE id = 1
	`).Scan(&block)
	return block, err
}

func (c *OutboxRepository) UpdateLastProcessedBlock(ctx context.Context, block uint64) error {
	_, err := c.exec(ctx, `
		UPDATE crawler_state
		SET last_processed_block = ?, updated_at = ?
		WHERE id = 1
	`, block, time.Now().UTC())
	return err
}

// StoreOutboxEvent appends an event. Re-storing the same event id keeps the
// existing row so an already sent event is not published twice.
func (c *OutboxRepository) StoreOutboxEvent(ctx context.Context, event model.OutboxEvent) error {
	if event.Status == "" {
		event.Status = OutboxStatusUnsent
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := c.exec(ctx, `
		INSERT INTO event_outbox (event_id, topic, event_kind, partition_key, status, block_number, log_index, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.Topic, event.EventKind, event.PartitionKey, event.Status, event.BlockNumber, event.LogIndex, string(event.Payload), event.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	c.logger.Info("Stored event", zap.String("event_kind", event.EventKind), zap.String("event_id", event.EventID), zap.String("topic", event.Topic))
	return nil
}

// claimablePredicate matches unsent rows and processing rows whose claim is
// older than the lease, which is what a publisher that died mid-drain leaves.
// claimed_at holds Unix milliseconds so both dialects compare it numerically.
const claimablePredicate = `(status = 'unsent' OR (status = 'processing' AND claimed_at <= ?))`

// ClaimUnsent selects up to limit claimable events and marks them processing
// as of now. Processing rows claimed lease or more before now are claimed
// again. Call it inside a transaction; on Postgres rows locked by another
// publisher are skipped.
func (c *OutboxRepository) ClaimUnsent(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error) {
	staleBefore := now.Add(-lease).UnixMilli()

	rows, err := c.query(ctx, `
		SELECT event_id, topic, event_kind, partition_key, status, block_number, log_index, payload, created_at
		FROM event_outbox
		WHERE `+claimablePredicate+`
		ORDER BY created_at, block_number, log_index
		LIMIT ?`+c.dialect.skipLocked(), staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		var payload string
		if err := rows.Scan(&event.EventID, &event.Topic, &event.EventKind, &event.PartitionKey, &event.Status,
			&event.BlockNumber, &event.LogIndex, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// Mark selected events as 'processing' to prevent other publishers from picking them up
	var claimed []model.OutboxEvent
	for _, event := range events {
		n, err := c.execAffected(ctx, `
			UPDATE event_outbox
			SET status = ?, claimed_at = ?
			WHERE event_id = ? AND `+claimablePredicate,
			OutboxStatusProcessing, now.UnixMilli(), event.EventID, staleBefore)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if event.Status == OutboxStatusProcessing {
			c.logger.Warn("Reclaimed stale outbox event", zap.String("event_id", event.EventID), zap.String("topic", event.Topic))
		}
		event.Status = OutboxStatusProcessing
		claimed = append(claimed, event)
	}

	return claimed, nil
}

func (c *OutboxRepository) MarkEventAsSent(ctx context.Context, eventID string) error {
	_, err := c.exec(ctx, `
		UPDATE event_outbox
		SET status = ?
		WHERE event_id = ?
	`, OutboxStatusSent, eventID)
	return err
}

func (c *OutboxRepository) MarkEventAsFailed(ctx context.Context, eventID string) error {
	_, err := c.exec(ctx, `
		UPDATE event_outbox
		SET status = ?
		WHERE event_id = ? AND status = ?
	`, OutboxStatusUnsent, eventID, OutboxStatusProcessing)
	return err
}

// RecordApplied registers an inbound event id. It returns false when the id
// was applied before, which callers treat as a redelivery.
func (c *OutboxRepository) RecordApplied(ctx context.Context, eventID, kind string, now time.Time) (bool, error) {
	n, err := c.execAffected(ctx, `
		INSERT INTO applied_events (event_id, event_kind, applied_at)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, kind, now)
	if err != nil {
		return false, fmt.Errorf("failed to record applied event: %w", err)
	}
	return n == 1, nil
}
