package orderbook

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository/repotest"
	"lendbook/apps/lendbook/internal/signing"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testDomain = signing.Domain{
		Name:              "LendingOrderBook",
		Version:           "1",
		ChainID:           84532,
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(repotest.NewStore(t), testDomain, assets.NewAssetRegistry(), nil, zap.NewNop())
	s.SetClock(func() time.Time { return testNow })
	return s
}

func signedLenderRequest(t *testing.T, key *ecdsa.PrivateKey, nonce int64, execution model.Execution) SubmitOrderRequest {
	t.Helper()
	in := LenderOrderInput{
		Lender:             crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Token:              assets.USDCAddress.Hex(),
		PrincipalAmount:    "10000000000",
		CollateralRequired: "5000000000000000000",
		InterestRateBips:   800,
		MaturityTimestamp:  testNow.Add(30 * 24 * time.Hour).Unix(),
		Expiry:             testNow.Add(time.Hour).Unix(),
		Nonce:              big.NewInt(nonce).String(),
	}
	hash, err := testDomain.HashLenderOrder(signing.LenderOrder{
		Lender:             common.HexToAddress(in.Lender),
		Token:              common.HexToAddress(in.Token),
		PrincipalAmount:    big.NewInt(10_000_000_000),
		CollateralRequired: new(big.Int).Mul(big.NewInt(5), model.WAD),
		InterestRateBips:   big.NewInt(in.InterestRateBips),
		MaturityTimestamp:  big.NewInt(in.MaturityTimestamp),
		Expiry:             big.NewInt(in.Expiry),
		Nonce:              big.NewInt(nonce),
	})
	require.NoError(t, err)
	sig, err := signing.Sign(hash, key)
	require.NoError(t, err)
	return SubmitOrderRequest{Order: in, Signature: hexutil.Encode(sig), Execution: execution}
}

func signedBorrowerRequest(t *testing.T, key *ecdsa.PrivateKey, nonce int64) SubmitBorrowerOrderRequest {
	t.Helper()
	in := BorrowerOrderInput{
		Borrower:            crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Token:               assets.USDCAddress.Hex(),
		PrincipalAmount:     "5000000000",
		MinPrincipal:        "1000000000",
		MaxPrincipal:        "5000000000",
		CollateralAmount:    "3000000000000000000",
		MaxInterestRateBips: 1200,
		MaturityTimestamp:   testNow.Add(30 * 24 * time.Hour).Unix(),
		Expiry:              testNow.Add(time.Hour).Unix(),
		Nonce:               big.NewInt(nonce).String(),
	}
	hash, err := testDomain.HashBorrowerOrder(signing.BorrowerOrder{
		Borrower:            common.HexToAddress(in.Borrower),
		Token:               common.HexToAddress(in.Token),
		PrincipalAmount:     big.NewInt(5_000_000_000),
		MinPrincipal:        big.NewInt(1_000_000_000),
		MaxPrincipal:        big.NewInt(5_000_000_000),
		CollateralAmount:    new(big.Int).Mul(big.NewInt(3), model.WAD),
		MaxInterestRateBips: big.NewInt(in.MaxInterestRateBips),
		MaturityTimestamp:   big.NewInt(in.MaturityTimestamp),
		Expiry:              big.NewInt(in.Expiry),
		Nonce:               big.NewInt(nonce),
	})
	require.NoError(t, err)
	sig, err := signing.Sign(hash, key)
	require.NoError(t, err)
	return SubmitBorrowerOrderRequest{Order: in, Signature: hexutil.Encode(sig), Execution: model.ExecutionBatch}
}

func TestSubmitOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	direct, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionDirect))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, direct.Status)
	assert.Equal(t, model.AVSStatusNone, direct.AVSStatus)

	batched, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 2, model.ExecutionBatch))
	require.NoError(t, err)
	assert.Equal(t, model.AVSStatusSubmitted, batched.AVSStatus)
	assert.Equal(t, assets.NativeETH.Hex(), batched.CollateralToken)

	stored, err := s.GetOrderByHash(ctx, batched.OrderHash)
	require.NoError(t, err)
	assert.Equal(t, batched.ID, stored.ID)
}

func TestSubmitOrder_DuplicateReturnsStored(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()
	req := signedLenderRequest(t, key, 1, model.ExecutionBatch)

	first, err := s.SubmitOrder(ctx, req)
	require.NoError(t, err)

	second, err := s.SubmitOrder(ctx, req)
	require.ErrorIs(t, err, model.ErrDuplicateOrder)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, IsDuplicate(err))
}

func TestSubmitOrder_Rejections(t *testing.T) {
	ctx := context.Background()
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	t.Run("nonce reuse", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionBatch))
		require.NoError(t, err)

		// same nonce, different terms, so a different hash
		req := signedLenderRequest(t, key, 1, model.ExecutionBatch)
		req.Order.InterestRateBips = 900
		hash, err := testDomain.HashLenderOrder(signing.LenderOrder{
			Lender:             common.HexToAddress(req.Order.Lender),
			Token:              common.HexToAddress(req.Order.Token),
			PrincipalAmount:    big.NewInt(10_000_000_000),
			CollateralRequired: new(big.Int).Mul(big.NewInt(5), model.WAD),
			InterestRateBips:   big.NewInt(900),
			MaturityTimestamp:  big.NewInt(req.Order.MaturityTimestamp),
			Expiry:             big.NewInt(req.Order.Expiry),
			Nonce:              big.NewInt(1),
		})
		require.NoError(t, err)
		sig, _ := signing.Sign(hash, key)
		req.Signature = hexutil.Encode(sig)

		_, err = s.SubmitOrder(ctx, req)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("expired", func(t *testing.T) {
		s := newTestStore(t)
		req := signedLenderRequest(t, key, 1, model.ExecutionBatch)
		s.SetClock(func() time.Time { return testNow.Add(2 * time.Hour) })
		_, err := s.SubmitOrder(ctx, req)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("signature from someone else", func(t *testing.T) {
		s := newTestStore(t)
		req := signedLenderRequest(t, other, 1, model.ExecutionBatch)
		req.Order.Lender = crypto.PubkeyToAddress(key.PublicKey).Hex()
		_, err := s.SubmitOrder(ctx, req)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("zero amount", func(t *testing.T) {
		s := newTestStore(t)
		req := signedLenderRequest(t, key, 1, model.ExecutionBatch)
		req.Order.PrincipalAmount = "0"
		_, err := s.SubmitOrder(ctx, req)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("unsupported token", func(t *testing.T) {
		s := newTestStore(t)
		req := signedLenderRequest(t, key, 1, model.ExecutionBatch)
		req.Order.Token = assets.WETHAddress.Hex()
		_, err := s.SubmitOrder(ctx, req)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("wrong chain", func(t *testing.T) {
		s := newTestStore(t)
		s.domain.ChainID = 1
		_, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionBatch))
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}

func TestCancelOrder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()
	owner := crypto.PubkeyToAddress(key.PublicKey)

	order, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionBatch))
	require.NoError(t, err)

	stranger, _ := crypto.GenerateKey()
	err = s.CancelOrder(ctx, order.ID, crypto.PubkeyToAddress(stranger.PublicKey))
	require.ErrorIs(t, err, model.ErrUnauthorized)

	require.NoError(t, s.CancelOrder(ctx, order.ID, owner))
	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)

	err = s.CancelOrder(ctx, order.ID, owner)
	require.ErrorIs(t, err, model.ErrAlreadyTerminal)

	err = s.CancelOrder(ctx, uuid.NewString(), owner)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCancelBorrowerOrder_LockedInBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()

	order, err := s.SubmitBorrowerOrder(ctx, signedBorrowerRequest(t, key, 1))
	require.NoError(t, err)
	assert.Equal(t, model.AVSStatusSubmitted, order.AVSStatus)

	require.NoError(t, s.MarkBatchAssigned(ctx, model.SideBorrower, order.ID, uuid.NewString()))

	err = s.CancelBorrowerOrder(ctx, order.ID, crypto.PubkeyToAddress(key.PublicKey))
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestSubmitBorrowerOrder_PrincipalRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()

	req := signedBorrowerRequest(t, key, 1)
	req.Order.MinPrincipal = "6000000000"
	_, err := s.SubmitBorrowerOrder(ctx, req)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestMarkBatchAssigned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()

	direct, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionDirect))
	require.NoError(t, err)
	err = s.MarkBatchAssigned(ctx, model.SideLender, direct.ID, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	batched, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 2, model.ExecutionBatch))
	require.NoError(t, err)
	batchID := uuid.NewString()
	require.NoError(t, s.MarkBatchAssigned(ctx, model.SideLender, batched.ID, batchID))

	got, err := s.GetOrder(ctx, batched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AVSStatusPendingMatch, got.AVSStatus)
	require.NotNil(t, got.CurrentBatchID)
	assert.Equal(t, batchID, *got.CurrentBatchID)

	err = s.MarkBatchAssigned(ctx, model.SideLender, batched.ID, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	err = s.MarkBatchAssigned(ctx, model.SideLender, uuid.NewString(), batchID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExpireOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key, _ := crypto.GenerateKey()

	order, err := s.SubmitOrder(ctx, signedLenderRequest(t, key, 1, model.ExecutionBatch))
	require.NoError(t, err)

	n, err := s.ExpireOrders(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	s.SetClock(func() time.Time { return testNow.Add(2 * time.Hour) })
	n, err = s.ExpireOrders(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, got.Status)
}
