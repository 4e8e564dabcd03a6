// Package events defines the settlement event contract. Every event crossing
// a process boundary travels in an Envelope whose payload is one of the
// typed variants below; Decode validates it before anything is applied.
package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"lendbook/apps/lendbook/internal/model"
)

type Kind string

const (
	KindBatchCreated   Kind = "batch_created"
	KindBatchSubmitted Kind = "batch_submitted"
	KindBatchMatched   Kind = "batch_matched"
	KindBatchExecuted  Kind = "batch_executed"
	KindBatchFailed    Kind = "batch_failed"
	KindLoanCreated    Kind = "loan_created"
	KindLoanRepaid     Kind = "loan_repaid"
	KindLoanLiquidated Kind = "loan_liquidated"
	KindOrderFilled    Kind = "order_filled"
)

// Event is implemented by every payload variant.
type Event interface {
	Kind() Kind
	Validate() error
}

// Envelope is the JSON wire form.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	OccurredAt  time.Time       `json:"occurred_at"`
	BlockNumber uint64          `json:"block_number,omitempty"`
	LogIndex    uint            `json:"log_index,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Message is a decoded, validated envelope.
type Message struct {
	ID          string
	OccurredAt  time.Time
	BlockNumber uint64
	LogIndex    uint
	Event       Event
}

func newPayload(kind Kind) (Event, bool) {
	switch kind {
	case KindBatchCreated:
		return &BatchCreated{}, true
	case KindBatchSubmitted:
		return &BatchSubmitted{}, true
	case KindBatchMatched:
		return &BatchMatched{}, true
	case KindBatchExecuted:
		return &BatchExecuted{}, true
	case KindBatchFailed:
		return &BatchFailed{}, true
	case KindLoanCreated:
		return &LoanCreated{}, true
	case KindLoanRepaid:
		return &LoanRepaid{}, true
	case KindLoanLiquidated:
		return &LoanLiquidated{}, true
	case KindOrderFilled:
		return &OrderFilled{}, true
	}
	return nil, false
}

// Decode parses and validates an envelope. Every failure wraps
// model.ErrValidation.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: malformed envelope: %v", model.ErrValidation, err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return Message{}, fmt.Errorf("%w: event id is required", model.ErrValidation)
	}
	ev, ok := newPayload(env.Kind)
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown event kind %q", model.ErrValidation, env.Kind)
	}
	if len(env.Payload) == 0 {
		return Message{}, fmt.Errorf("%w: %s payload is empty", model.ErrValidation, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return Message{}, fmt.Errorf("%w: malformed %s payload: %v", model.ErrValidation, env.Kind, err)
	}
	if err := ev.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", model.ErrValidation, env.Kind, err)
	}

	occurred := env.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return Message{
		ID:          env.ID,
		OccurredAt:  occurred.UTC(),
		BlockNumber: env.BlockNumber,
		LogIndex:    env.LogIndex,
		Event:       ev,
	}, nil
}

// Encode wraps msg into its JSON envelope.
func Encode(msg Message) ([]byte, error) {
	if msg.Event == nil {
		return nil, fmt.Errorf("event is required")
	}
	payload, err := json.Marshal(msg.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Event.Kind(), err)
	}
	return json.Marshal(Envelope{
		ID:          msg.ID,
		Kind:        msg.Event.Kind(),
		OccurredAt:  msg.OccurredAt,
		BlockNumber: msg.BlockNumber,
		LogIndex:    msg.LogIndex,
		Payload:     payload,
	})
}

type BatchCreated struct {
	BatchID string `json:"batch_id"`
}

// BatchSubmitted hands a closed batch to the matching operator.
type BatchSubmitted struct {
	BatchID        string           `json:"batch_id"`
	BatchNumber    int64            `json:"batch_number"`
	LenderOrders   []SubmittedOrder `json:"lender_orders"`
	BorrowerOrders []SubmittedOrder `json:"borrower_orders"`
}

// SubmittedOrder is the operator's view of an order. MinAmount and MaxAmount
// are set for borrower orders only.
type SubmittedOrder struct {
	OrderID           string `json:"order_id"`
	OrderHash         string `json:"order_hash"`
	Owner             string `json:"owner"`
	LoanToken         string `json:"loan_token"`
	Amount            string `json:"amount"`
	MinAmount         string `json:"min_amount,omitempty"`
	MaxAmount         string `json:"max_amount,omitempty"`
	CollateralAmount  string `json:"collateral_amount"`
	RateBips          int64  `json:"rate_bips"`
	MaturityTimestamp int64  `json:"maturity_timestamp"`
	Expiry            int64  `json:"expiry"`
}

// Match pairs one lender order with one borrower order.
type Match struct {
	LenderOrderID        string  `json:"lender_order_id"`
	BorrowerOrderID      string  `json:"borrower_order_id"`
	MatchedAmount        string  `json:"matched_amount"`
	MatchedRate          int64   `json:"matched_rate"`
	LenderFullyMatched   bool    `json:"lender_fully_matched"`
	BorrowerFullyMatched bool    `json:"borrower_fully_matched"`
	Score                float64 `json:"score"`
}

type BatchMatched struct {
	BatchID string  `json:"batch_id"`
	Matches []Match `json:"matches"`
}

// LoanTerms describes a loan opened by a batch execution.
type LoanTerms struct {
	LoanID           string `json:"loan_id"`
	LenderOrderID    string `json:"lender_order_id,omitempty"`
	BorrowerOrderID  string `json:"borrower_order_id,omitempty"`
	Lender           string `json:"lender"`
	Borrower         string `json:"borrower"`
	CollateralToken  string `json:"collateral_token"`
	CollateralAmount string `json:"collateral_amount"`
	LoanToken        string `json:"loan_token"`
	LoanAmount       string `json:"loan_amount"`
	RatePerSecond    string `json:"rate_per_second"`
	StartTime        int64  `json:"start_time"`
	DurationSeconds  int64  `json:"duration_seconds"`
}

type BatchExecuted struct {
	BatchID string      `json:"batch_id"`
	TxHash  string      `json:"tx_hash"`
	Loans   []LoanTerms `json:"loans"`
}

type BatchFailed struct {
	BatchID string `json:"batch_id"`
	Reason  string `json:"reason"`
}

// LoanCreated is the direct-fill confirmation emitted by the contract.
type LoanCreated struct {
	LoanID           string `json:"loan_id"`
	OrderHash        string `json:"order_hash"`
	Borrower         string `json:"borrower"`
	Lender           string `json:"lender"`
	PrincipalAmount  string `json:"principal_amount"`
	CollateralAmount string `json:"collateral_amount"`
	RatePerSecond    string `json:"rate_per_second"`
	StartTime        int64  `json:"start_time"`
	DurationSeconds  int64  `json:"duration_seconds"`
	TxHash           string `json:"tx_hash"`
}

type LoanRepaid struct {
	LoanID string `json:"loan_id"`
	Payer  string `json:"payer,omitempty"`
	Amount string `json:"amount,omitempty"`
	TxHash string `json:"tx_hash"`
}

type LoanLiquidated struct {
	LoanID           string `json:"loan_id"`
	Liquidator       string `json:"liquidator,omitempty"`
	CollateralSeized string `json:"collateral_seized,omitempty"`
	TxHash           string `json:"tx_hash"`
}

type OrderFilled struct {
	OrderHash string `json:"order_hash"`
	Lender    string `json:"lender"`
	Borrower  string `json:"borrower"`
	LoanID    string `json:"loan_id"`
	TxHash    string `json:"tx_hash"`
}

func (*BatchCreated) Kind() Kind   { return KindBatchCreated }
func (*BatchSubmitted) Kind() Kind { return KindBatchSubmitted }
func (*BatchMatched) Kind() Kind   { return KindBatchMatched }
func (*BatchExecuted) Kind() Kind  { return KindBatchExecuted }
func (*BatchFailed) Kind() Kind    { return KindBatchFailed }
func (*LoanCreated) Kind() Kind    { return KindLoanCreated }
func (*LoanRepaid) Kind() Kind     { return KindLoanRepaid }
func (*LoanLiquidated) Kind() Kind { return KindLoanLiquidated }
func (*OrderFilled) Kind() Kind    { return KindOrderFilled }

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func positiveAmount(field, v string) error {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() <= 0 {
		return fmt.Errorf("%s must be a positive integer", field)
	}
	return nil
}

func nonNegativeAmount(field, v string) error {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("%s must be a non-negative integer", field)
	}
	return nil
}

func hash32(field, v string) error {
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return fmt.Errorf("%s must be a 32-byte hex hash", field)
	}
	if _, err := hexutil.Decode(v); err != nil {
		return fmt.Errorf("%s must be a 32-byte hex hash", field)
	}
	return nil
}

func address(field, v string) error {
	if !common.IsHexAddress(v) {
		return fmt.Errorf("%s must be an address", field)
	}
	return nil
}

func (e *BatchCreated) Validate() error {
	return required("batch_id", e.BatchID)
}

func (e *BatchSubmitted) Validate() error {
	if err := required("batch_id", e.BatchID); err != nil {
		return err
	}
	if e.BatchNumber <= 0 {
		return fmt.Errorf("batch_number must be positive")
	}
	return nil
}

func (e *BatchMatched) Validate() error {
	if err := required("batch_id", e.BatchID); err != nil {
		return err
	}
	if len(e.Matches) == 0 {
		return fmt.Errorf("matches must not be empty")
	}
	for i, m := range e.Matches {
		if err := required("lender_order_id", m.LenderOrderID); err != nil {
			return fmt.Errorf("match %d: %w", i, err)
		}
		if err := required("borrower_order_id", m.BorrowerOrderID); err != nil {
			return fmt.Errorf("match %d: %w", i, err)
		}
		if err := positiveAmount("matched_amount", m.MatchedAmount); err != nil {
			return fmt.Errorf("match %d: %w", i, err)
		}
		if m.MatchedRate < 0 {
			return fmt.Errorf("match %d: matched_rate must not be negative", i)
		}
	}
	return nil
}

func (t LoanTerms) validate() error {
	if err := positiveAmount("loan_id", t.LoanID); err != nil {
		return err
	}
	for _, f := range [][2]string{{"lender", t.Lender}, {"borrower", t.Borrower}, {"loan_token", t.LoanToken}, {"collateral_token", t.CollateralToken}} {
		if err := address(f[0], f[1]); err != nil {
			return err
		}
	}
	if err := positiveAmount("loan_amount", t.LoanAmount); err != nil {
		return err
	}
	if err := nonNegativeAmount("collateral_amount", t.CollateralAmount); err != nil {
		return err
	}
	if err := nonNegativeAmount("rate_per_second", t.RatePerSecond); err != nil {
		return err
	}
	if t.DurationSeconds <= 0 {
		return fmt.Errorf("duration_seconds must be positive")
	}
	return nil
}

func (e *BatchExecuted) Validate() error {
	if err := required("batch_id", e.BatchID); err != nil {
		return err
	}
	if err := hash32("tx_hash", e.TxHash); err != nil {
		return err
	}
	for i, l := range e.Loans {
		if err := l.validate(); err != nil {
			return fmt.Errorf("loan %d: %w", i, err)
		}
	}
	return nil
}

func (e *BatchFailed) Validate() error {
	return required("batch_id", e.BatchID)
}

func (e *LoanCreated) Validate() error {
	if err := positiveAmount("loan_id", e.LoanID); err != nil {
		return err
	}
	if err := hash32("order_hash", e.OrderHash); err != nil {
		return err
	}
	if err := address("borrower", e.Borrower); err != nil {
		return err
	}
	return hash32("tx_hash", e.TxHash)
}

func (e *LoanRepaid) Validate() error {
	if err := positiveAmount("loan_id", e.LoanID); err != nil {
		return err
	}
	return hash32("tx_hash", e.TxHash)
}

func (e *LoanLiquidated) Validate() error {
	if err := positiveAmount("loan_id", e.LoanID); err != nil {
		return err
	}
	return hash32("tx_hash", e.TxHash)
}

func (e *OrderFilled) Validate() error {
	if err := hash32("order_hash", e.OrderHash); err != nil {
		return err
	}
	return hash32("tx_hash", e.TxHash)
}

// PartitionKey groups events touching the same entity onto one partition.
func PartitionKey(ev Event) string {
	switch e := ev.(type) {
	case *BatchCreated:
		return e.BatchID
	case *BatchSubmitted:
		return e.BatchID
	case *BatchMatched:
		return e.BatchID
	case *BatchExecuted:
		return e.BatchID
	case *BatchFailed:
		return e.BatchID
	case *LoanCreated:
		return e.LoanID
	case *LoanRepaid:
		return e.LoanID
	case *LoanLiquidated:
		return e.LoanID
	case *OrderFilled:
		return e.OrderHash
	}
	return ""
}
