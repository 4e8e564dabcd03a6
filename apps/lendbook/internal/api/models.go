package api

import (
	"time"

	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/model"
)

// OrderResponse represents a lender order
type OrderResponse struct {
	OrderID           string `json:"order_id"`
	OrderHash         string `json:"order_hash"`
	Lender            string `json:"lender"`
	LoanToken         string `json:"loan_token"`
	LoanAmount        string `json:"loan_amount"`
	CollateralToken   string `json:"collateral_token"`
	CollateralAmount  string `json:"collateral_amount"`
	InterestRateBips  int64  `json:"interest_rate_bips"`
	MaturityTimestamp int64  `json:"maturity_timestamp"`
	Expiry            int64  `json:"expiry"`
	Nonce             string `json:"nonce"`
	Signature         string `json:"signature"`
	ChainID           int64  `json:"chain_id"`
	Execution         string `json:"execution"`
	BatchStateResponse
}

// BorrowerOrderResponse represents a borrower order
type BorrowerOrderResponse struct {
	OrderID             string `json:"order_id"`
	OrderHash           string `json:"order_hash"`
	Borrower            string `json:"borrower"`
	LoanToken           string `json:"loan_token"`
	PrincipalAmount     string `json:"principal_amount"`
	MinPrincipal        string `json:"min_principal"`
	MaxPrincipal        string `json:"max_principal"`
	CollateralToken     string `json:"collateral_token"`
	CollateralAmount    string `json:"collateral_amount"`
	MaxInterestRateBips int64  `json:"max_interest_rate_bips"`
	MaturityTimestamp   int64  `json:"maturity_timestamp"`
	Expiry              int64  `json:"expiry"`
	Nonce               string `json:"nonce"`
	Signature           string `json:"signature"`
	ChainID             int64  `json:"chain_id"`
	Execution           string `json:"execution"`
	BatchStateResponse
}

// BatchStateResponse is the batch pipeline view shared by both order kinds
type BatchStateResponse struct {
	Status         string    `json:"status"`
	AVSStatus      string    `json:"avs_status"`
	CurrentBatchID *string   `json:"current_batch_id"`
	MatchedRate    *int64    `json:"matched_rate"`
	MatchedAmount  *string   `json:"matched_amount"`
	IsFullyMatched *bool     `json:"is_fully_matched"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrderListResponse wraps a lender order listing
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Count  int             `json:"count"`
}

// BorrowerOrderListResponse wraps a borrower order listing
type BorrowerOrderListResponse struct {
	Orders []BorrowerOrderResponse `json:"orders"`
	Count  int                     `json:"count"`
}

// BatchListResponse wraps a batch listing
type BatchListResponse struct {
	Batches []*BatchResponse `json:"batches"`
	Count   int              `json:"count"`
}

// LoanListResponse wraps a loan listing
type LoanListResponse struct {
	Loans []LoanResponse `json:"loans"`
	Count int            `json:"count"`
}

// BatchResponse represents a matching batch
type BatchResponse struct {
	BatchID            string          `json:"batch_id"`
	BatchNumber        int64           `json:"batch_number"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	SubmittedAt        *time.Time      `json:"submitted_at"`
	MatchingStartedAt  *time.Time      `json:"matching_started_at"`
	MatchingEndedAt    *time.Time      `json:"matching_ended_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	OrderCount         int             `json:"order_count"`
	MatchedPairs       int             `json:"matched_pairs"`
	TotalMatchedVolume string          `json:"total_matched_volume"`
	AverageMatchedRate float64         `json:"average_matched_rate"`
	ExecutionTxHash    *string         `json:"execution_tx_hash"`
	FailureReason      *string         `json:"failure_reason"`
	Matches            []MatchResponse `json:"matches,omitempty"`
}

// MatchResponse represents one side of a recorded match
type MatchResponse struct {
	MatchIndex      int     `json:"match_index"`
	Side            string  `json:"side"`
	OrderID         string  `json:"order_id"`
	LenderOrderID   string  `json:"lender_order_id"`
	BorrowerOrderID string  `json:"borrower_order_id"`
	MatchedAmount   string  `json:"matched_amount"`
	MatchedRate     int64   `json:"matched_rate"`
	IsFullyMatched  bool    `json:"is_fully_matched"`
	MatchScore      float64 `json:"match_score"`
}

// CurrentBatchResponse describes the collecting batch and the policy that closes it
type CurrentBatchResponse struct {
	Batch            *BatchResponse `json:"batch"`
	ClosesAt         time.Time      `json:"closes_at"`
	CollectionWindow string         `json:"collection_window"`
	MinOrders        int            `json:"min_orders"`
	DisplayThreshold int            `json:"display_threshold"`
}

// LoanResponse represents a loan
type LoanResponse struct {
	LoanID            string     `json:"loan_id"`
	OrderID           *string    `json:"order_id"`
	BatchID           *string    `json:"batch_id"`
	Lender            string     `json:"lender"`
	Borrower          string     `json:"borrower"`
	CollateralToken   string     `json:"collateral_token"`
	CollateralAmount  string     `json:"collateral_amount"`
	LoanToken         string     `json:"loan_token"`
	LoanAmount        string     `json:"loan_amount"`
	RatePerSecond     string     `json:"rate_per_second"`
	DurationSeconds   int64      `json:"duration_seconds"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	TotalDebt         string     `json:"total_debt"`
	CurrentDebt       string     `json:"current_debt,omitempty"`
	Status            string     `json:"status"`
	CreationTxHash    string     `json:"creation_tx_hash"`
	RepaymentTxHash   *string    `json:"repayment_tx_hash"`
	RepaidAt          *time.Time `json:"repaid_at"`
	LiquidationTxHash *string    `json:"liquidation_tx_hash"`
	LiquidatedAt      *time.Time `json:"liquidated_at"`
}

// LiquidatableResponse is one entry of the liquidation query
type LiquidatableResponse struct {
	Loan               LoanResponse `json:"loan"`
	CurrentDebt        string       `json:"current_debt"`
	CollateralValueUSD float64      `json:"collateral_value_usd"`
	DebtValueUSD       float64      `json:"debt_value_usd"`
	HealthFactor       float64      `json:"health_factor"`
	LiquidationPrice   float64      `json:"liquidation_price"`
}

// LiquidatableListResponse wraps the liquidation query result
type LiquidatableListResponse struct {
	EthPriceUSD float64                `json:"eth_price_usd"`
	Threshold   float64                `json:"threshold"`
	Loans       []LiquidatableResponse `json:"loans"`
}

// CancelRequest carries the owner's personal_sign signature of the cancel message
type CancelRequest struct {
	Signature string `json:"signature"`
}

// CancelResponse is returned after a successful cancel
type CancelResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// TransactionRequest names the wallet that will sign the transaction
type TransactionRequest struct {
	From string `json:"from"`
}

// TransactionResponse wraps an unsigned transaction
type TransactionResponse struct {
	UnsignedTransaction *UnsignedTransaction `json:"unsigned_transaction"`
}

// UnsignedTransaction represents the unsigned Ethereum transaction data
type UnsignedTransaction struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gas_limit"`
	GasPrice string `json:"gas_price,omitempty"`
	ChainID  string `json:"chain_id"`
	Nonce    string `json:"nonce,omitempty"`
}

// PortfolioResponse represents a wallet's positions on the order book
type PortfolioResponse struct {
	WalletAddress   string                  `json:"wallet_address"`
	LenderOrders    []OrderResponse         `json:"lender_orders"`
	BorrowerOrders  []BorrowerOrderResponse `json:"borrower_orders"`
	LoansAsLender   []LoanResponse          `json:"loans_as_lender"`
	LoansAsBorrower []LoanResponse          `json:"loans_as_borrower"`
	Balances        map[string]TokenBalance `json:"balances,omitempty"`
}

// TokenBalance represents balance information for a specific token
type TokenBalance struct {
	Balance  string `json:"balance"`
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// InfoResponse represents the deployment the service is configured for
type InfoResponse struct {
	ChainID          int64           `json:"chain_id"`
	OrderBook        string          `json:"order_book"`
	Domain           DomainResponse  `json:"eip712_domain"`
	Assets           []*assets.Asset `json:"assets"`
	CollectionWindow string          `json:"collection_window"`
	MinOrders        int             `json:"min_orders"`
	DisplayThreshold int             `json:"display_threshold"`
	HealthThreshold  float64         `json:"health_threshold"`
	LiquidationBonus float64         `json:"liquidation_bonus"`
	CurrentBatch     *BatchResponse  `json:"current_batch"`
	EthPriceUSD      *float64        `json:"eth_price_usd"`
}

// DomainResponse is the EIP-712 domain wallets sign against
type DomainResponse struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// OperatorEventResponse reports what the settlement reporter did with an event
type OperatorEventResponse struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func batchStateResponse(s model.BatchState) BatchStateResponse {
	return BatchStateResponse{
		Status:         string(s.Status),
		AVSStatus:      string(s.AVSStatus),
		CurrentBatchID: s.CurrentBatchID,
		MatchedRate:    s.MatchedRate,
		MatchedAmount:  s.MatchedAmount,
		IsFullyMatched: s.IsFullyMatched,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func toOrderResponse(o *model.SignedOrder) OrderResponse {
	return OrderResponse{
		OrderID:            o.ID,
		OrderHash:          o.OrderHash,
		Lender:             o.Lender,
		LoanToken:          o.LoanToken,
		LoanAmount:         o.LoanAmount,
		CollateralToken:    o.CollateralToken,
		CollateralAmount:   o.CollateralAmount,
		InterestRateBips:   o.InterestRateBips,
		MaturityTimestamp:  o.MaturityTimestamp,
		Expiry:             o.Expiry,
		Nonce:              o.Nonce,
		Signature:          o.Signature,
		ChainID:            o.ChainID,
		Execution:          string(o.Execution),
		BatchStateResponse: batchStateResponse(o.BatchState),
	}
}

func toBorrowerOrderResponse(o *model.BorrowerOrder) BorrowerOrderResponse {
	return BorrowerOrderResponse{
		OrderID:             o.ID,
		OrderHash:           o.OrderHash,
		Borrower:            o.Borrower,
		LoanToken:           o.LoanToken,
		PrincipalAmount:     o.PrincipalAmount,
		MinPrincipal:        o.MinPrincipal,
		MaxPrincipal:        o.MaxPrincipal,
		CollateralToken:     o.CollateralToken,
		CollateralAmount:    o.CollateralAmount,
		MaxInterestRateBips: o.MaxInterestRateBips,
		MaturityTimestamp:   o.MaturityTimestamp,
		Expiry:              o.Expiry,
		Nonce:               o.Nonce,
		Signature:           o.Signature,
		ChainID:             o.ChainID,
		Execution:           string(o.Execution),
		BatchStateResponse:  batchStateResponse(o.BatchState),
	}
}

func toBatchResponse(b *model.Batch) *BatchResponse {
	if b == nil {
		return nil
	}
	return &BatchResponse{
		BatchID:            b.ID,
		BatchNumber:        b.BatchNumber,
		Status:             string(b.Status),
		CreatedAt:          b.CreatedAt,
		SubmittedAt:        b.SubmittedAt,
		MatchingStartedAt:  b.MatchingStartedAt,
		MatchingEndedAt:    b.MatchingEndedAt,
		CompletedAt:        b.CompletedAt,
		OrderCount:         b.OrderCount,
		MatchedPairs:       b.MatchedPairs,
		TotalMatchedVolume: b.TotalMatchedVolume,
		AverageMatchedRate: b.AverageMatchedRate,
		ExecutionTxHash:    b.ExecutionTxHash,
		FailureReason:      b.FailureReason,
	}
}

func toMatchResponse(m *model.BatchOrderMatch) MatchResponse {
	return MatchResponse{
		MatchIndex:      m.MatchIndex,
		Side:            string(m.Side),
		OrderID:         m.OrderID,
		LenderOrderID:   m.LenderOrderID,
		BorrowerOrderID: m.BorrowerOrderID,
		MatchedAmount:   m.MatchedAmount,
		MatchedRate:     m.MatchedRate,
		IsFullyMatched:  m.IsFullyMatched,
		MatchScore:      m.MatchScore,
	}
}

func toLoanResponse(l *model.Loan) LoanResponse {
	return LoanResponse{
		LoanID:            l.LoanID,
		OrderID:           l.OrderID,
		BatchID:           l.BatchID,
		Lender:            l.Lender,
		Borrower:          l.Borrower,
		CollateralToken:   l.CollateralToken,
		CollateralAmount:  l.CollateralAmount,
		LoanToken:         l.LoanToken,
		LoanAmount:        l.LoanAmount,
		RatePerSecond:     l.RatePerSecond,
		DurationSeconds:   l.DurationSeconds,
		StartTime:         l.StartTime,
		EndTime:           l.EndTime,
		TotalDebt:         l.TotalDebt,
		Status:            string(l.Status),
		CreationTxHash:    l.CreationTxHash,
		RepaymentTxHash:   l.RepaymentTxHash,
		RepaidAt:          l.RepaidAt,
		LiquidationTxHash: l.LiquidationTxHash,
		LiquidatedAt:      l.LiquidatedAt,
	}
}

func toLiquidatableResponse(p *health.Position) LiquidatableResponse {
	return LiquidatableResponse{
		Loan:               toLoanResponse(p.Loan),
		CurrentDebt:        p.CurrentDebt,
		CollateralValueUSD: p.CollateralValueUSD,
		DebtValueUSD:       p.DebtValueUSD,
		HealthFactor:       p.HealthFactor,
		LiquidationPrice:   p.LiquidationPrice,
	}
}
