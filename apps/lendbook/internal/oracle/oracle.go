// Package oracle supplies the ETH/USD price used for health factors.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"lendbook/apps/lendbook/internal/model"
)

// PriceSource returns the current ETH price in USD.
type PriceSource interface {
	ETHPriceUSD(ctx context.Context) (float64, error)
}

// Static always reports the same price. Used for ETH_PRICE_OVERRIDE and tests.
type Static float64

func (s Static) ETHPriceUSD(context.Context) (float64, error) {
	if s <= 0 {
		return 0, fmt.Errorf("%w: no price configured", model.ErrUpstreamFailure)
	}
	return float64(s), nil
}

const AggregatorV3ABI = `[
	{
		"type": "function",
		"name": "decimals",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"type": "function",
		"name": "latestRoundData",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [
			{"name": "roundId", "type": "uint80"},
			{"name": "answer", "type": "int256"},
			{"name": "startedAt", "type": "uint256"},
			{"name": "updatedAt", "type": "uint256"},
			{"name": "answeredInRound", "type": "uint80"}
		]
	}
]`

// ChainlinkFeed reads an AggregatorV3 price feed.
type ChainlinkFeed struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     abi.ABI
	maxAge  time.Duration
	now     func() time.Time
}

func NewChainlinkFeed(caller ethereum.ContractCaller, feedAddress string, maxAge time.Duration) (*ChainlinkFeed, error) {
	if !common.IsHexAddress(feedAddress) {
		return nil, fmt.Errorf("price feed address %q is not an address", feedAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	return &ChainlinkFeed{
		caller:  caller,
		address: common.HexToAddress(feedAddress),
		abi:     parsed,
		maxAge:  maxAge,
		now:     time.Now,
	}, nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := f.abi.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s call failed: %v", model.ErrUpstreamFailure, method, err)
	}
	values, err := f.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s response: %v", model.ErrUpstreamFailure, method, err)
	}
	return values, nil
}

// ETHPriceUSD returns the latest answer scaled by the feed's decimals.
// Non-positive answers and rounds older than maxAge are rejected.
func (f *ChainlinkFeed) ETHPriceUSD(ctx context.Context) (float64, error) {
	dec, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	round, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return 0, err
	}

	decimals := dec[0].(uint8)
	answer := round[1].(*big.Int)
	updatedAt := round[3].(*big.Int)

	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("%w: feed returned non-positive answer %s", model.ErrUpstreamFailure, answer)
	}
	if f.maxAge > 0 {
		age := f.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > f.maxAge {
			return 0, fmt.Errorf("%w: price is stale (updated %s ago)", model.ErrUpstreamFailure, age.Truncate(time.Second))
		}
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), scale).Float64()
	return price, nil
}
