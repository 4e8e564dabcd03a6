package assets

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeETH is the collateral token address used for native ETH.
var NativeETH = common.Address{}

// Asset represents a token the order book accepts
type Asset struct {
	Symbol     string         `json:"symbol"`
	Name       string         `json:"name"`
	Address    common.Address `json:"address"`
	Decimals   int            `json:"decimals"`
	Collateral bool           `json:"collateral"`
	Loanable   bool           `json:"loanable"`
}

// AssetRegistry holds all supported assets
type AssetRegistry struct {
	assets    map[string]*Asset
	byAddress map[common.Address]*Asset
}

// NewAssetRegistry creates a registry with the Base Sepolia deployment's tokens
func NewAssetRegistry() *AssetRegistry {
	return NewAssetRegistryWith([]*Asset{
		{
			Symbol:     "ETH",
			Name:       "Ether",
			Address:    NativeETH,
			Decimals:   18,
			Collateral: true,
		},
		{
			Symbol:     "WETH",
			Name:       "Wrapped Ether",
			Address:    common.HexToAddress("0x4200000000000000000000000000000000000006"),
			Decimals:   18,
			Collateral: true,
		},
		{
			Symbol:   "USDC",
			Name:     "USD Coin",
			Address:  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Decimals: 6,
			Loanable: true,
		},
	})
}

// NewAssetRegistryWith registers the given assets
func NewAssetRegistryWith(supported []*Asset) *AssetRegistry {
	registry := &AssetRegistry{
		assets:    make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
	}
	for _, asset := range supported {
		registry.assets[asset.Symbol] = asset
		registry.byAddress[asset.Address] = asset
	}
	return registry
}

// GetBySymbol returns an asset by its symbol (case-insensitive)
func (r *AssetRegistry) GetBySymbol(symbol string) (*Asset, bool) {
	if asset, exists := r.assets[symbol]; exists {
		return asset, true
	}
	for _, asset := range r.assets {
		if strings.EqualFold(asset.Symbol, symbol) {
			return asset, true
		}
	}
	return nil, false
}

// GetByAddress returns an asset by its contract address
func (r *AssetRegistry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, exists := r.byAddress[address]
	return asset, exists
}

// GetAllAsArray returns all assets sorted by symbol
func (r *AssetRegistry) GetAllAsArray() []*Asset {
	assets := make([]*Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets
}

func (r *AssetRegistry) IsLoanToken(address common.Address) bool {
	asset, ok := r.byAddress[address]
	return ok && asset.Loanable
}

// Global asset registry instance
var GlobalRegistry = NewAssetRegistry()

var (
	USDCAddress = GlobalRegistry.assets["USDC"].Address
	WETHAddress = GlobalRegistry.assets["WETH"].Address
)
