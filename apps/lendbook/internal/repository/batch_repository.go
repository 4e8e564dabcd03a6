package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/model"
)

type BatchRepository struct {
	conn
	logger *zap.Logger
}

const batchColumns = `id, batch_number, status, created_at, submitted_at, matching_started_at, matching_ended_at, completed_at,
	order_count, matched_pairs, total_matched_volume, average_matched_rate, execution_tx_hash, failure_reason`

func scanBatch(row scanner) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.BatchNumber, &b.Status, &b.CreatedAt, &b.SubmittedAt, &b.MatchingStartedAt, &b.MatchingEndedAt, &b.CompletedAt,
		&b.OrderCount, &b.MatchedPairs, &b.TotalMatchedVolume, &b.AverageMatchedRate, &b.ExecutionTxHash, &b.FailureReason)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BatchRepository) getOne(ctx context.Context, query string, args ...any) (*model.Batch, error) {
	b, err := scanBatch(r.queryRow(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (r *BatchRepository) Get(ctx context.Context, id string) (*model.Batch, error) {
	return r.getOne(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
}

// GetForUpdate reads a batch and, on Postgres, locks its row for the rest of
// the transaction.
func (r *BatchRepository) GetForUpdate(ctx context.Context, id string) (*model.Batch, error) {
	return r.getOne(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`+r.dialect.forUpdate(), id)
}

func (r *BatchRepository) GetCollecting(ctx context.Context) (*model.Batch, error) {
	return r.getOne(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = 'collecting'`)
}

// InsertCollecting opens a collecting batch numbered after the highest
// existing one. It returns false when another collecting batch already holds
// the single-collecting index, or the number was taken concurrently.
func (r *BatchRepository) InsertCollecting(ctx context.Context, id string, now time.Time) (bool, error) {
	var next int64
	if err := r.queryRow(ctx, `SELECT COALESCE(MAX(batch_number), 0) + 1 FROM batches`).Scan(&next); err != nil {
		return false, fmt.Errorf("failed to get next batch number: %w", err)
	}

	n, err := r.execAffected(ctx, `
		INSERT INTO batches (id, batch_number, status, created_at, total_matched_volume)
		VALUES (?, ?, 'collecting', ?, '0')
		ON CONFLICT DO NOTHING
	`, id, next, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert collecting batch: %w", err)
	}
	if n == 1 {
		r.logger.Info("Opened collecting batch", zap.String("batch_id", id), zap.Int64("batch_number", next))
	}
	return n == 1, nil
}

// StartMatching closes collection: collecting -> matching.
func (r *BatchRepository) StartMatching(ctx context.Context, id string, orderCount int, now time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE batches
		SET status = 'matching', submitted_at = ?, matching_started_at = ?, order_count = ?
		WHERE id = ? AND status = 'collecting'
	`, now, now, orderCount, id)
	if err != nil {
		return 0, fmt.Errorf("failed to start batch matching: %w", err)
	}
	return n, nil
}

// MarkExecuting stores the aggregate match stats: matching -> executing.
func (r *BatchRepository) MarkExecuting(ctx context.Context, id string, matchedPairs int, volume string, avgRate float64, now time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE batches
		SET status = 'executing', matching_ended_at = ?, matched_pairs = ?, total_matched_volume = ?, average_matched_rate = ?
		WHERE id = ? AND status = 'matching'
	`, now, matchedPairs, volume, avgRate, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark batch executing: %w", err)
	}
	return n, nil
}

// MarkCompleted records settlement: executing -> completed.
func (r *BatchRepository) MarkCompleted(ctx context.Context, id, txHash string, now time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE batches
		SET status = 'completed', execution_tx_hash = ?, completed_at = ?
		WHERE id = ? AND status = 'executing'
	`, txHash, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark batch completed: %w", err)
	}
	return n, nil
}

// MarkFailed moves a matching or executing batch to failed.
func (r *BatchRepository) MarkFailed(ctx context.Context, id, reason string, now time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE batches
		SET status = 'failed', failure_reason = ?, completed_at = ?
		WHERE id = ? AND status IN ('matching', 'executing')
	`, reason, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark batch failed: %w", err)
	}
	return n, nil
}

func (r *BatchRepository) List(ctx context.Context, status model.BatchStatus, limit int) ([]*model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY batch_number DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := []*model.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *BatchRepository) InsertMatch(ctx context.Context, m *model.BatchOrderMatch) error {
	_, err := r.exec(ctx, `
		INSERT INTO batch_orders (id, batch_id, match_index, side, order_id, lender_order_id, borrower_order_id,
			matched_amount, matched_rate, is_fully_matched, match_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.BatchID, m.MatchIndex, m.Side, m.OrderID, m.LenderOrderID, m.BorrowerOrderID,
		m.MatchedAmount, m.MatchedRate, m.IsFullyMatched, m.MatchScore, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert batch match: %w", err)
	}
	return nil
}

func (r *BatchRepository) ListMatches(ctx context.Context, batchID string) ([]*model.BatchOrderMatch, error) {
	rows, err := r.query(ctx, `
		SELECT id, batch_id, match_index, side, order_id, lender_order_id, borrower_order_id,
			matched_amount, matched_rate, is_fully_matched, match_score, created_at
		FROM batch_orders
		WHERE batch_id = ?
		ORDER BY match_index, side DESC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch matches: %w", err)
	}
	defer rows.Close()

	matches := []*model.BatchOrderMatch{}
	for rows.Next() {
		var m model.BatchOrderMatch
		if err := rows.Scan(&m.ID, &m.BatchID, &m.MatchIndex, &m.Side, &m.OrderID, &m.LenderOrderID, &m.BorrowerOrderID,
			&m.MatchedAmount, &m.MatchedRate, &m.IsFullyMatched, &m.MatchScore, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch match: %w", err)
		}
		matches = append(matches, &m)
	}
	return matches, rows.Err()
}
