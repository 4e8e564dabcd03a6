package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/repository"
)

// ERC20 ABI for balanceOf function
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"type": "function"
	}
]`

// ChainReader reads wallet balances. *ethclient.Client satisfies it.
type ChainReader interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// PortfolioHandler handles wallet portfolio endpoints
type PortfolioHandler struct {
	responder
	orders        *orderbook.Store
	loans         *repository.LoanRepository
	client        ChainReader
	erc20ABI      abi.ABI
	assetRegistry *assets.AssetRegistry
}

// NewPortfolioHandler creates a new PortfolioHandler. Without a client the
// portfolio omits on-chain balances.
func NewPortfolioHandler(orders *orderbook.Store, loans *repository.LoanRepository, client ChainReader, registry *assets.AssetRegistry, logger *zap.Logger) (*PortfolioHandler, error) {
	parsedABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &PortfolioHandler{
		responder:     responder{logger: logger},
		orders:        orders,
		loans:         loans,
		client:        client,
		erc20ABI:      parsedABI,
		assetRegistry: registry,
	}, nil
}

// GetPortfolio handles GET /api/portfolio/{wallet_address}
func (h *PortfolioHandler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	walletAddress := mux.Vars(r)["wallet_address"]
	if !common.IsHexAddress(walletAddress) {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_wallet_address", "Invalid Ethereum address format")
		return
	}
	address := common.HexToAddress(walletAddress)
	owner := address.Hex()
	ctx := r.Context()

	lenderOrders, err := h.orders.ListOrders(ctx, model.OrderFilter{Owner: owner})
	if err != nil {
		h.writeError(w, err)
		return
	}
	borrowerOrders, err := h.orders.ListBorrowerOrders(ctx, model.OrderFilter{Owner: owner})
	if err != nil {
		h.writeError(w, err)
		return
	}
	loans, err := h.loans.ListByParticipant(ctx, owner)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := PortfolioResponse{
		WalletAddress:   owner,
		LenderOrders:    make([]OrderResponse, 0, len(lenderOrders)),
		BorrowerOrders:  make([]BorrowerOrderResponse, 0, len(borrowerOrders)),
		LoansAsLender:   []LoanResponse{},
		LoansAsBorrower: []LoanResponse{},
	}
	for _, o := range lenderOrders {
		response.LenderOrders = append(response.LenderOrders, toOrderResponse(o))
	}
	for _, o := range borrowerOrders {
		response.BorrowerOrders = append(response.BorrowerOrders, toBorrowerOrderResponse(o))
	}
	for _, l := range loans {
		if l.Lender == owner {
			response.LoansAsLender = append(response.LoansAsLender, toLoanResponse(l))
		}
		if l.Borrower == owner {
			response.LoansAsBorrower = append(response.LoansAsBorrower, toLoanResponse(l))
		}
	}

	if h.client != nil {
		response.Balances = h.getBalances(ctx, address)
	}

	h.logger.Info("Retrieved wallet portfolio",
		zap.String("wallet_address", owner),
		zap.Int("orders", len(lenderOrders)+len(borrowerOrders)),
		zap.Int("loans", len(loans)))

	h.writeJSONResponse(w, http.StatusOK, response)
}

type balanceResult struct {
	asset   *assets.Asset
	balance string
	err     error
}

// getBalances fetches every supported token concurrently. A token whose
// lookup fails reports a zero balance.
func (h *PortfolioHandler) getBalances(ctx context.Context, walletAddress common.Address) map[string]TokenBalance {
	supported := h.assetRegistry.GetAllAsArray()
	results := make(chan balanceResult, len(supported))

	for _, asset := range supported {
		go func(asset *assets.Asset) {
			balance, err := h.getTokenBalance(ctx, walletAddress, asset)
			results <- balanceResult{asset: asset, balance: balance, err: err}
		}(asset)
	}

	balances := make(map[string]TokenBalance, len(supported))
	for range supported {
		res := <-results
		if res.err != nil {
			h.logger.Error("Failed to get token balance",
				zap.String("token", res.asset.Symbol),
				zap.String("address", walletAddress.Hex()),
				zap.Error(res.err))
			res.balance = "0"
		}
		balances[res.asset.Symbol] = TokenBalance{
			Balance:  res.balance,
			Symbol:   res.asset.Symbol,
			Address:  res.asset.Address.Hex(),
			Decimals: res.asset.Decimals,
		}
	}
	return balances
}

// getTokenBalance retrieves the balance of one asset. Native ETH is read from
// the account, everything else through ERC20 balanceOf.
func (h *PortfolioHandler) getTokenBalance(ctx context.Context, walletAddress common.Address, asset *assets.Asset) (string, error) {
	if asset.Address == assets.NativeETH {
		balance, err := h.client.BalanceAt(ctx, walletAddress, nil)
		if err != nil {
			return "", fmt.Errorf("failed to get ETH balance: %w", err)
		}
		return convertToDecimalAmount(balance, asset.Decimals), nil
	}

	tokenAddress := asset.Address

	data, err := h.erc20ABI.Pack("balanceOf", walletAddress)
	if err != nil {
		return "", fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := h.client.CallContract(ctx, ethereum.CallMsg{
		To:   &tokenAddress,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to call balanceOf: %w", err)
	}

	var balance *big.Int
	if err := h.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return "", fmt.Errorf("failed to unpack balanceOf result: %w", err)
	}

	return convertToDecimalAmount(balance, asset.Decimals), nil
}

// convertToDecimalAmount converts base units to decimal representation
func convertToDecimalAmount(amount *big.Int, decimals int) string {
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	wholePart := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return wholePart.String()
	}

	// Pad remainder with leading zeros to match decimal places
	remainderStr := remainder.String()
	for len(remainderStr) < decimals {
		remainderStr = "0" + remainderStr
	}
	remainderStr = strings.TrimRight(remainderStr, "0")
	return wholePart.String() + "." + remainderStr
}
