package assets

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestRegistryLookups(t *testing.T) {
	r := NewAssetRegistry()

	usdc, ok := r.GetBySymbol("usdc")
	assert.True(t, ok)
	assert.Equal(t, 6, usdc.Decimals)
	assert.True(t, r.IsLoanToken(USDCAddress))
	assert.False(t, r.IsLoanToken(NativeETH))
	assert.False(t, r.IsLoanToken(common.HexToAddress("0xdead")))

	all := r.GetAllAsArray()
	assert.Equal(t, []string{"ETH", "USDC", "WETH"}, []string{all[0].Symbol, all[1].Symbol, all[2].Symbol})
}
