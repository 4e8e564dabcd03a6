package api

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"lendbook/apps/lendbook/internal/contracts"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/signing"
)

const (
	FillGasLimit      = "350000"
	RepayGasLimit     = "200000"
	LiquidateGasLimit = "250000"
)

// ChainBackend supplies the nonce and gas price of unsigned transactions.
// *ethclient.Client satisfies it.
type ChainBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// TransactionBuilder handles creation of unsigned order book transactions
type TransactionBuilder struct {
	orderBookABI abi.ABI
	orderBook    common.Address
	chainID      int64
	backend      ChainBackend
}

// NewTransactionBuilder creates a transaction builder. A nil
// backend leaves nonce and gas price for the wallet to fill in.
func NewTransactionBuilder(backend ChainBackend, orderBook common.Address, chainID int64) (*TransactionBuilder, error) {
	parsed, err := contracts.ParseOrderBookABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse order book ABI: %w", err)
	}
	return &TransactionBuilder{
		orderBookABI: parsed,
		orderBook:    orderBook,
		chainID:      chainID,
		backend:      backend,
	}, nil
}

func decimal(field, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid %s %q", model.ErrValidation, field, v)
	}
	return n, nil
}

// BuildFillTransaction creates the fillLimitOrder call a borrower signs to take
// a direct lender order. The borrower posts the required collateral as value.
func (tb *TransactionBuilder) BuildFillTransaction(ctx context.Context, order *model.SignedOrder, borrower common.Address) (*UnsignedTransaction, error) {
	principal, err := decimal("loan amount", order.LoanAmount)
	if err != nil {
		return nil, err
	}
	collateral, err := decimal("collateral amount", order.CollateralAmount)
	if err != nil {
		return nil, err
	}
	nonce, err := decimal("nonce", order.Nonce)
	if err != nil {
		return nil, err
	}
	signature, err := hexutil.Decode(order.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: stored signature is not hex: %v", model.ErrValidation, err)
	}

	limitOrder := signing.LenderOrder{
		Lender:             common.HexToAddress(order.Lender),
		Token:              common.HexToAddress(order.LoanToken),
		PrincipalAmount:    principal,
		CollateralRequired: collateral,
		InterestRateBips:   big.NewInt(order.InterestRateBips),
		MaturityTimestamp:  big.NewInt(order.MaturityTimestamp),
		Expiry:             big.NewInt(order.Expiry),
		Nonce:              nonce,
	}

	data, err := tb.orderBookABI.Pack("fillLimitOrder", limitOrder, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack fillLimitOrder method: %w", err)
	}
	return tb.unsigned(ctx, borrower, data, collateral, FillGasLimit)
}

// BuildRepayTransaction creates the repayLoan call. The loan token allowance
// must already cover the current debt.
func (tb *TransactionBuilder) BuildRepayTransaction(ctx context.Context, loan *model.Loan, from common.Address) (*UnsignedTransaction, error) {
	return tb.loanCall(ctx, "repayLoan", loan, from, RepayGasLimit)
}

// BuildLiquidateTransaction creates the liquidateLoan call.
func (tb *TransactionBuilder) BuildLiquidateTransaction(ctx context.Context, loan *model.Loan, from common.Address) (*UnsignedTransaction, error) {
	return tb.loanCall(ctx, "liquidateLoan", loan, from, LiquidateGasLimit)
}

func (tb *TransactionBuilder) loanCall(ctx context.Context, method string, loan *model.Loan, from common.Address, gasLimit string) (*UnsignedTransaction, error) {
	loanID, err := decimal("loan id", loan.LoanID)
	if err != nil {
		return nil, err
	}
	data, err := tb.orderBookABI.Pack(method, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s method: %w", method, err)
	}
	return tb.unsigned(ctx, from, data, new(big.Int), gasLimit)
}

func (tb *TransactionBuilder) unsigned(ctx context.Context, from common.Address, data []byte, value *big.Int, gasLimit string) (*UnsignedTransaction, error) {
	tx := &UnsignedTransaction{
		From:     from.Hex(),
		To:       tb.orderBook.Hex(),
		Data:     hexutil.Encode(data),
		Value:    "0x" + value.Text(16),
		GasLimit: gasLimit,
		ChainID:  strconv.FormatInt(tb.chainID, 10),
	}
	if tb.backend == nil {
		return tx, nil
	}

	nonce, err := tb.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get nonce from blockchain: %v", model.ErrUpstreamFailure, err)
	}
	gasPrice, err := tb.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get gas price from blockchain: %v", model.ErrUpstreamFailure, err)
	}
	tx.GasPrice = "0x" + gasPrice.Text(16)
	tx.Nonce = "0x" + strconv.FormatUint(nonce, 16)
	return tx, nil
}
