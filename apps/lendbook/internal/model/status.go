package model

// OrderStatus is the lifecycle status of a lender or borrower order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no further lifecycle change is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCancelled || s == OrderStatusExpired
}

// AVSStatus tracks an order through the batch matching pipeline.
type AVSStatus string

const (
	AVSStatusNone         AVSStatus = "none"
	AVSStatusSubmitted    AVSStatus = "submitted"
	AVSStatusPendingMatch AVSStatus = "pending_match"
	AVSStatusMatched      AVSStatus = "matched"
	AVSStatusExecuted     AVSStatus = "executed"
	AVSStatusFailed       AVSStatus = "failed"
)

// LockedInBatch reports whether the order is currently owned by a batch.
func (s AVSStatus) LockedInBatch() bool {
	return s == AVSStatusPendingMatch || s == AVSStatusMatched
}

// BatchStatus is the state of a matching batch.
type BatchStatus string

const (
	BatchStatusCollecting BatchStatus = "collecting"
	BatchStatusMatching   BatchStatus = "matching"
	BatchStatusExecuting  BatchStatus = "executing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusCollecting: {BatchStatusMatching},
	BatchStatusMatching:   {BatchStatusExecuting, BatchStatusFailed},
	BatchStatusExecuting:  {BatchStatusCompleted, BatchStatusFailed},
}

// CanTransitionTo reports whether a batch may move from s to next. Batches
// never move backwards.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the batch is finished.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// rank orders batch statuses along the happy path so redelivered events can
// tell "already past this point" from "not there yet".
func (s BatchStatus) rank() int {
	switch s {
	case BatchStatusCollecting:
		return 0
	case BatchStatusMatching:
		return 1
	case BatchStatusExecuting:
		return 2
	case BatchStatusCompleted, BatchStatusFailed:
		return 3
	}
	return -1
}

// Reached reports whether s is at or beyond target on the batch lifecycle.
func (s BatchStatus) Reached(target BatchStatus) bool {
	return s.rank() >= target.rank()
}

// LoanStatus is the on-chain state of a loan.
type LoanStatus string

const (
	LoanStatusActive     LoanStatus = "active"
	LoanStatusRepaid     LoanStatus = "repaid"
	LoanStatusLiquidated LoanStatus = "liquidated"
)

// IsTerminal reports whether the loan is closed.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusRepaid || s == LoanStatusLiquidated
}

// Side distinguishes the lender and borrower books.
type Side string

const (
	SideLender   Side = "lender"
	SideBorrower Side = "borrower"
)

// Execution is how an order reaches the chain.
type Execution string

const (
	ExecutionDirect Execution = "direct"
	ExecutionBatch  Execution = "batch"
)
