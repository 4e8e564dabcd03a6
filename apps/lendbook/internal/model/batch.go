package model

import "time"

// Batch is a time-boxed collection of orders matched together.
type Batch struct {
	ID                 string      `db:"id"`
	BatchNumber        int64       `db:"batch_number"`
	Status             BatchStatus `db:"status"`
	CreatedAt          time.Time   `db:"created_at"`
	SubmittedAt        *time.Time  `db:"submitted_at"`
	MatchingStartedAt  *time.Time  `db:"matching_started_at"`
	MatchingEndedAt    *time.Time  `db:"matching_ended_at"`
	CompletedAt        *time.Time  `db:"completed_at"`
	OrderCount         int         `db:"order_count"`
	MatchedPairs       int         `db:"matched_pairs"`
	TotalMatchedVolume string      `db:"total_matched_volume"`
	AverageMatchedRate float64     `db:"average_matched_rate"`
	ExecutionTxHash    *string     `db:"execution_tx_hash"`
	FailureReason      *string     `db:"failure_reason"`
}

// BatchOrderMatch records one side of a match produced by the matching operator.
type BatchOrderMatch struct {
	ID              string    `db:"id"`
	BatchID         string    `db:"batch_id"`
	MatchIndex      int       `db:"match_index"`
	Side            Side      `db:"side"`
	OrderID         string    `db:"order_id"`
	LenderOrderID   string    `db:"lender_order_id"`
	BorrowerOrderID string    `db:"borrower_order_id"`
	MatchedAmount   string    `db:"matched_amount"`
	MatchedRate     int64     `db:"matched_rate"`
	IsFullyMatched  bool      `db:"is_fully_matched"`
	MatchScore      float64   `db:"match_score"`
	CreatedAt       time.Time `db:"created_at"`
}
