package model

import (
	"time"
)

// BatchState is the batch pipeline bookkeeping shared by both order books.
type BatchState struct {
	Status         OrderStatus `db:"status"`
	AVSStatus      AVSStatus   `db:"avs_status"`
	CurrentBatchID *string     `db:"current_batch_id"`
	MatchedRate    *int64      `db:"matched_rate"`
	MatchedAmount  *string     `db:"matched_amount"`
	IsFullyMatched *bool       `db:"is_fully_matched"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// SignedOrder is a lender limit order signed off-chain.
type SignedOrder struct {
	ID                string    `db:"id"`
	OrderHash         string    `db:"order_hash"`
	Lender            string    `db:"lender"`
	LoanToken         string    `db:"loan_token"`
	LoanAmount        string    `db:"loan_amount"`
	CollateralToken   string    `db:"collateral_token"`
	CollateralAmount  string    `db:"collateral_amount"`
	InterestRateBips  int64     `db:"interest_rate_bips"`
	MaturityTimestamp int64     `db:"maturity_timestamp"`
	Expiry            int64     `db:"expiry"`
	Nonce             string    `db:"nonce"`
	Signature         string    `db:"signature"`
	ChainID           int64     `db:"chain_id"`
	Execution         Execution `db:"execution"`
	BatchState
}

// BorrowerOrder is the borrower-side order submitted for batch matching.
type BorrowerOrder struct {
	ID                  string    `db:"id"`
	OrderHash           string    `db:"order_hash"`
	Borrower            string    `db:"borrower"`
	LoanToken           string    `db:"loan_token"`
	PrincipalAmount     string    `db:"principal_amount"`
	MinPrincipal        string    `db:"min_principal"`
	MaxPrincipal        string    `db:"max_principal"`
	CollateralToken     string    `db:"collateral_token"`
	CollateralAmount    string    `db:"collateral_amount"`
	MaxInterestRateBips int64     `db:"max_interest_rate_bips"`
	MaturityTimestamp   int64     `db:"maturity_timestamp"`
	Expiry              int64     `db:"expiry"`
	Nonce               string    `db:"nonce"`
	Signature           string    `db:"signature"`
	ChainID             int64     `db:"chain_id"`
	Execution           Execution `db:"execution"`
	BatchState
}

// OrderFilter narrows order listings. Empty fields are ignored.
type OrderFilter struct {
	Owner     string
	Status    OrderStatus
	AVSStatus AVSStatus
	BatchID   string
	Limit     int
}
