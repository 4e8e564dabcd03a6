package repository

import (
	"context"
	"fmt"
)

// InitMigration creates the schema. The statements are written in the
// subset shared by Postgres and SQLite so both deployments use one schema.
func InitMigration(ctx context.Context, s *Store, startBlock uint64) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			order_hash VARCHAR(66) NOT NULL UNIQUE,
			lender VARCHAR(42) NOT NULL,
			loan_token VARCHAR(42) NOT NULL,
			loan_amount VARCHAR(78) NOT NULL,
			collateral_token VARCHAR(42) NOT NULL,
			collateral_amount VARCHAR(78) NOT NULL,
			interest_rate_bips BIGINT NOT NULL,
			maturity_timestamp BIGINT NOT NULL,
			expiry BIGINT NOT NULL,
			nonce VARCHAR(78) NOT NULL,
			signature VARCHAR(132) NOT NULL,
			chain_id BIGINT NOT NULL,
			execution VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL,
			avs_status VARCHAR(20) NOT NULL,
			current_batch_id VARCHAR(36),
			matched_rate BIGINT,
			matched_amount VARCHAR(78),
			is_fully_matched BOOLEAN,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(lender, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_lender_status ON orders (lender, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_batch_eligibility ON orders (avs_status, current_batch_id, status)`,
		`CREATE TABLE IF NOT EXISTS borrower_orders (
			id VARCHAR(36) PRIMARY KEY,
			order_hash VARCHAR(66) NOT NULL UNIQUE,
			borrower VARCHAR(42) NOT NULL,
			loan_token VARCHAR(42) NOT NULL,
			principal_amount VARCHAR(78) NOT NULL,
			min_principal VARCHAR(78) NOT NULL,
			max_principal VARCHAR(78) NOT NULL,
			collateral_token VARCHAR(42) NOT NULL,
			collateral_amount VARCHAR(78) NOT NULL,
			max_interest_rate_bips BIGINT NOT NULL,
			maturity_timestamp BIGINT NOT NULL,
			expiry BIGINT NOT NULL,
			nonce VARCHAR(78) NOT NULL,
			signature VARCHAR(132) NOT NULL,
			chain_id BIGINT NOT NULL,
			execution VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL,
			avs_status VARCHAR(20) NOT NULL,
			current_batch_id VARCHAR(36),
			matched_rate BIGINT,
			matched_amount VARCHAR(78),
			is_fully_matched BOOLEAN,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(borrower, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_borrower_orders_borrower_status ON borrower_orders (borrower, status)`,
		`CREATE INDEX IF NOT EXISTS idx_borrower_orders_batch_eligibility ON borrower_orders (avs_status, current_batch_id, status)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id VARCHAR(36) PRIMARY KEY,
			batch_number BIGINT NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			submitted_at TIMESTAMP,
			matching_started_at TIMESTAMP,
			matching_ended_at TIMESTAMP,
			completed_at TIMESTAMP,
			order_count INTEGER NOT NULL DEFAULT 0,
			matched_pairs INTEGER NOT NULL DEFAULT 0,
			total_matched_volume VARCHAR(78) NOT NULL DEFAULT '0',
			average_matched_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			execution_tx_hash VARCHAR(66),
			failure_reason TEXT
		)`,
		// At most one batch may be collecting at any time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_single_collecting ON batches (status) WHERE status = 'collecting'`,
		`CREATE TABLE IF NOT EXISTS batch_orders (
			id VARCHAR(36) PRIMARY KEY,
			batch_id VARCHAR(36) NOT NULL REFERENCES batches(id),
			match_index INTEGER NOT NULL,
			side VARCHAR(10) NOT NULL,
			order_id VARCHAR(36) NOT NULL,
			lender_order_id VARCHAR(36) NOT NULL,
			borrower_order_id VARCHAR(36) NOT NULL,
			matched_amount VARCHAR(78) NOT NULL,
			matched_rate BIGINT NOT NULL,
			is_fully_matched BOOLEAN NOT NULL,
			match_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(batch_id, match_index, side)
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			loan_id VARCHAR(78) PRIMARY KEY,
			order_id VARCHAR(36),
			batch_id VARCHAR(36),
			lender VARCHAR(42) NOT NULL,
			borrower VARCHAR(42) NOT NULL,
			collateral_token VARCHAR(42) NOT NULL,
			collateral_amount VARCHAR(78) NOT NULL,
			loan_token VARCHAR(42) NOT NULL,
			loan_amount VARCHAR(78) NOT NULL,
			rate_per_second VARCHAR(78) NOT NULL,
			duration_seconds BIGINT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			total_debt VARCHAR(78) NOT NULL,
			status VARCHAR(20) NOT NULL,
			creation_tx_hash VARCHAR(66) NOT NULL,
			repayment_tx_hash VARCHAR(66),
			repaid_at TIMESTAMP,
			liquidation_tx_hash VARCHAR(66),
			liquidated_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_status ON loans (status)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_lender ON loans (lender)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans (borrower)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			event_id VARCHAR(140) PRIMARY KEY,
			topic VARCHAR(100) NOT NULL,
			event_kind VARCHAR(40) NOT NULL,
			partition_key VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			block_number BIGINT NOT NULL DEFAULT 0,
			log_index INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			claimed_at BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS applied_events (
			event_id VARCHAR(140) PRIMARY KEY,
			event_kind VARCHAR(40) NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS crawler_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			last_processed_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP,
			CONSTRAINT single_row CHECK (id = 1)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	// Initialize crawler state if not exists
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO crawler_state (id, last_processed_block)
		VALUES (1, ?)
		ON CONFLICT (id) DO NOTHING
	`), startBlock)

	return err
}
