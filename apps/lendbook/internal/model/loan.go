package model

import "time"

// Loan is a loan created on-chain, either by a batch execution or a direct fill.
type Loan struct {
	LoanID            string     `db:"loan_id"`
	OrderID           *string    `db:"order_id"`
	BatchID           *string    `db:"batch_id"`
	Lender            string     `db:"lender"`
	Borrower          string     `db:"borrower"`
	CollateralToken   string     `db:"collateral_token"`
	CollateralAmount  string     `db:"collateral_amount"`
	LoanToken         string     `db:"loan_token"`
	LoanAmount        string     `db:"loan_amount"`
	RatePerSecond     string     `db:"rate_per_second"` // 1e18 fixed point
	DurationSeconds   int64      `db:"duration_seconds"`
	StartTime         time.Time  `db:"start_time"`
	EndTime           time.Time  `db:"end_time"`
	TotalDebt         string     `db:"total_debt"`
	Status            LoanStatus `db:"status"`
	CreationTxHash    string     `db:"creation_tx_hash"`
	RepaymentTxHash   *string    `db:"repayment_tx_hash"`
	RepaidAt          *time.Time `db:"repaid_at"`
	LiquidationTxHash *string    `db:"liquidation_tx_hash"`
	LiquidatedAt      *time.Time `db:"liquidated_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// LoanFilter narrows loan listings. Empty fields are ignored.
type LoanFilter struct {
	Lender   string
	Borrower string
	Status   LoanStatus
	Limit    int
}
