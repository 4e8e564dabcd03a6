package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

// LoanHandler handles loan and liquidation endpoints
type LoanHandler struct {
	responder
	loans              *repository.LoanRepository
	health             *health.Query
	transactionBuilder *TransactionBuilder
}

// NewLoanHandler creates a new LoanHandler
func NewLoanHandler(loans *repository.LoanRepository, query *health.Query, transactionBuilder *TransactionBuilder, logger *zap.Logger) *LoanHandler {
	return &LoanHandler{
		responder:          responder{logger: logger},
		loans:              loans,
		health:             query,
		transactionBuilder: transactionBuilder,
	}
}

// ListLoans handles GET /api/loans
func (h *LoanHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	lender, err := queryAddress(r, "lender")
	if err != nil {
		h.writeError(w, err)
		return
	}
	borrower, err := queryAddress(r, "borrower")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	loans, err := h.loans.ListLoans(r.Context(), model.LoanFilter{
		Lender:   lender,
		Borrower: borrower,
		Status:   model.LoanStatus(r.URL.Query().Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := LoanListResponse{Loans: make([]LoanResponse, 0, len(loans))}
	for _, l := range loans {
		response.Loans = append(response.Loans, toLoanResponse(l))
	}
	response.Count = len(response.Loans)
	h.writeJSONResponse(w, http.StatusOK, response)
}

func (h *LoanHandler) getLoan(ctx context.Context, loanID string) (*model.Loan, error) {
	loan, err := h.loans.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, fmt.Errorf("%w: loan %s", model.ErrNotFound, loanID)
	}
	return loan, nil
}

// GetLoan handles GET /api/loans/{loan_id}. Active loans carry their debt
// accrued so far.
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.getLoan(r.Context(), mux.Vars(r)["loan_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := toLoanResponse(loan)
	if loan.Status == model.LoanStatusActive && h.health != nil {
		debt, err := h.health.Debt(loan)
		if err != nil {
			h.logger.Warn("Failed to compute current debt", zap.String("loan_id", loan.LoanID), zap.Error(err))
		} else {
			response.CurrentDebt = debt
		}
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListLiquidatable handles GET /api/loans/liquidatable?eth_price=&threshold=.
// Without eth_price the configured price source is asked.
func (h *LoanHandler) ListLiquidatable(w http.ResponseWriter, r *http.Request) {
	price, given, err := queryFloat(r, "eth_price")
	if err != nil {
		h.writeError(w, err)
		return
	}
	threshold, _, err := queryFloat(r, "threshold")
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !given {
		price, err = h.health.CurrentPrice(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	if threshold <= 0 {
		threshold = h.health.Policy().Threshold
	}

	positions, err := h.health.FindLiquidatable(r.Context(), price, threshold)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := LiquidatableListResponse{
		EthPriceUSD: price,
		Threshold:   threshold,
		Loans:       make([]LiquidatableResponse, 0, len(positions)),
	}
	for _, p := range positions {
		response.Loans = append(response.Loans, toLiquidatableResponse(p))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// RepayTransaction handles POST /api/loans/{loan_id}/repay-transaction
func (h *LoanHandler) RepayTransaction(w http.ResponseWriter, r *http.Request) {
	h.loanTransaction(w, r, "repay", func(ctx context.Context, loan *model.Loan, from common.Address) (*UnsignedTransaction, error) {
		if common.HexToAddress(loan.Borrower) != from {
			return nil, fmt.Errorf("%w: only the borrower repays loan %s", model.ErrUnauthorized, loan.LoanID)
		}
		return h.transactionBuilder.BuildRepayTransaction(ctx, loan, from)
	})
}

// LiquidateTransaction handles POST /api/loans/{loan_id}/liquidate-transaction
func (h *LoanHandler) LiquidateTransaction(w http.ResponseWriter, r *http.Request) {
	h.loanTransaction(w, r, "liquidate", h.transactionBuilder.BuildLiquidateTransaction)
}

func (h *LoanHandler) loanTransaction(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	build func(ctx context.Context, loan *model.Loan, from common.Address) (*UnsignedTransaction, error),
) {
	if h.transactionBuilder == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "chain_unavailable", "Transaction building is not configured")
		return
	}

	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.From) {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_wallet_address", "Invalid Ethereum address format")
		return
	}

	loan, err := h.getLoan(r.Context(), mux.Vars(r)["loan_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if loan.Status.IsTerminal() {
		h.writeError(w, fmt.Errorf("%w: loan is %s", model.ErrAlreadyTerminal, loan.Status))
		return
	}

	tx, err := build(r.Context(), loan, common.HexToAddress(req.From))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Built loan transaction",
		zap.String("action", action),
		zap.String("loan_id", loan.LoanID),
		zap.String("from", req.From))
	h.writeJSONResponse(w, http.StatusOK, TransactionResponse{UnsignedTransaction: tx})
}
