package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lendbook/apps/lendbook/internal/model"
)

type fakeCaller struct {
	feed      *ChainlinkFeed
	answer    *big.Int
	updatedAt int64
	err       error
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	method, err := f.feed.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(uint8(8))
	default:
		return method.Outputs.Pack(big.NewInt(1), f.answer, big.NewInt(f.updatedAt), big.NewInt(f.updatedAt), big.NewInt(1))
	}
}

func newFeed(t *testing.T, caller *fakeCaller, now time.Time) *ChainlinkFeed {
	t.Helper()
	feed, err := NewChainlinkFeed(caller, "0x4aDC67696bA383F43DD60A9e78F2C97Fbbfc7cb1", time.Hour)
	require.NoError(t, err)
	feed.now = func() time.Time { return now }
	caller.feed = feed
	return feed
}

func TestChainlinkFeed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("scales by decimals", func(t *testing.T) {
		feed := newFeed(t, &fakeCaller{answer: big.NewInt(2_000_12345678), updatedAt: now.Unix() - 60}, now)
		price, err := feed.ETHPriceUSD(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 2000.12345678, price, 1e-9)
	})

	t.Run("stale round", func(t *testing.T) {
		feed := newFeed(t, &fakeCaller{answer: big.NewInt(2_000_00000000), updatedAt: now.Unix() - 7200}, now)
		_, err := feed.ETHPriceUSD(context.Background())
		assert.ErrorIs(t, err, model.ErrUpstreamFailure)
	})

	t.Run("non-positive answer", func(t *testing.T) {
		feed := newFeed(t, &fakeCaller{answer: big.NewInt(0), updatedAt: now.Unix()}, now)
		_, err := feed.ETHPriceUSD(context.Background())
		assert.ErrorIs(t, err, model.ErrUpstreamFailure)
	})

	t.Run("rpc failure", func(t *testing.T) {
		feed := newFeed(t, &fakeCaller{err: errors.New("connection refused")}, now)
		_, err := feed.ETHPriceUSD(context.Background())
		assert.ErrorIs(t, err, model.ErrUpstreamFailure)
	})
}

func TestStatic(t *testing.T) {
	price, err := Static(2500).ETHPriceUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, price)

	_, err = Static(0).ETHPriceUSD(context.Background())
	assert.ErrorIs(t, err, model.ErrUpstreamFailure)
}
