// Package contracts holds the order book contract ABI shared by the log
// crawler and the transaction builder.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const OrderBookABI = `[
	{
		"type": "function",
		"name": "fillLimitOrder",
		"stateMutability": "payable",
		"inputs": [
			{
				"name": "order",
				"type": "tuple",
				"internalType": "struct LimitOrder",
				"components": [
					{"name": "lender", "type": "address"},
					{"name": "token", "type": "address"},
					{"name": "principalAmount", "type": "uint256"},
					{"name": "collateralRequired", "type": "uint256"},
					{"name": "interestRateBips", "type": "uint256"},
					{"name": "maturityTimestamp", "type": "uint256"},
					{"name": "expiry", "type": "uint256"},
					{"name": "nonce", "type": "uint256"}
				]
			},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": [{"name": "loanId", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "repayLoan",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "loanId", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "liquidateLoan",
		"stateMutability": "nonpayable",
		"inputs": [{"name": "loanId", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "event",
		"name": "LoanCreated",
		"inputs": [
			{"name": "loanId", "type": "uint256", "indexed": true},
			{"name": "orderHash", "type": "bytes32", "indexed": true},
			{"name": "borrower", "type": "address", "indexed": true},
			{"name": "lender", "type": "address", "indexed": false},
			{"name": "principalAmount", "type": "uint256", "indexed": false},
			{"name": "collateralAmount", "type": "uint256", "indexed": false},
			{"name": "ratePerSecond", "type": "uint256", "indexed": false},
			{"name": "startTime", "type": "uint256", "indexed": false},
			{"name": "duration", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "LoanRepaid",
		"inputs": [
			{"name": "loanId", "type": "uint256", "indexed": true},
			{"name": "payer", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "LoanLiquidated",
		"inputs": [
			{"name": "loanId", "type": "uint256", "indexed": true},
			{"name": "liquidator", "type": "address", "indexed": true},
			{"name": "collateralSeized", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "OrderFilled",
		"inputs": [
			{"name": "orderHash", "type": "bytes32", "indexed": true},
			{"name": "lender", "type": "address", "indexed": true},
			{"name": "borrower", "type": "address", "indexed": true},
			{"name": "loanId", "type": "uint256", "indexed": false}
		]
	}
]`

// Event signatures
var (
	LoanCreatedSig    = crypto.Keccak256Hash([]byte("LoanCreated(uint256,bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"))
	LoanRepaidSig     = crypto.Keccak256Hash([]byte("LoanRepaid(uint256,address,uint256)"))
	LoanLiquidatedSig = crypto.Keccak256Hash([]byte("LoanLiquidated(uint256,address,uint256)"))
	OrderFilledSig    = crypto.Keccak256Hash([]byte("OrderFilled(bytes32,address,address,uint256)"))
)

// ParseOrderBookABI parses OrderBookABI.
func ParseOrderBookABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(OrderBookABI))
}
