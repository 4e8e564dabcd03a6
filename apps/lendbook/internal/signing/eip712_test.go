package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testDomain(chainID int64) Domain {
	return Domain{Name: "LendingOrderBook", Version: "1", ChainID: chainID, VerifyingContract: testContract}
}

func testLenderOrder(lender common.Address) LenderOrder {
	return LenderOrder{
		Lender:             lender,
		Token:              common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		PrincipalAmount:    big.NewInt(10_000_000_000),
		CollateralRequired: new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		InterestRateBips:   big.NewInt(500),
		MaturityTimestamp:  big.NewInt(1_900_000_000),
		Expiry:             big.NewInt(1_800_000_000),
		Nonce:              big.NewInt(1),
	}
}

func TestLenderOrderSignatureRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	lender := crypto.PubkeyToAddress(key.PublicKey)

	domain := testDomain(84532)
	order := testLenderOrder(lender)

	digest, err := domain.HashLenderOrder(order)
	require.NoError(t, err)

	sig, err := Sign(digest, key)
	require.NoError(t, err)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, lender, signer)
	assert.NoError(t, Verify(digest, hexutil.Encode(sig), lender))
}

func TestSignatureFailsUnderDifferentChainID(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	lender := crypto.PubkeyToAddress(key.PublicKey)
	order := testLenderOrder(lender)

	signedDigest, err := testDomain(84532).HashLenderOrder(order)
	require.NoError(t, err)
	sig, err := Sign(signedDigest, key)
	require.NoError(t, err)

	mainnetDigest, err := testDomain(1).HashLenderOrder(order)
	require.NoError(t, err)
	assert.NotEqual(t, signedDigest, mainnetDigest)
	assert.Error(t, Verify(mainnetDigest, hexutil.Encode(sig), lender))
}

func TestSignatureFailsWhenFieldTampered(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	lender := crypto.PubkeyToAddress(key.PublicKey)
	domain := testDomain(84532)
	order := testLenderOrder(lender)

	digest, err := domain.HashLenderOrder(order)
	require.NoError(t, err)
	sig, err := Sign(digest, key)
	require.NoError(t, err)

	order.InterestRateBips = big.NewInt(50)
	tampered, err := domain.HashLenderOrder(order)
	require.NoError(t, err)
	assert.Error(t, Verify(tampered, hexutil.Encode(sig), lender))
}

func TestBorrowerOrderSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	borrower := crypto.PubkeyToAddress(key.PublicKey)

	order := BorrowerOrder{
		Borrower:            borrower,
		Token:               common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		PrincipalAmount:     big.NewInt(5_000_000_000),
		MinPrincipal:        big.NewInt(1_000_000_000),
		MaxPrincipal:        big.NewInt(5_000_000_000),
		CollateralAmount:    new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)),
		MaxInterestRateBips: big.NewInt(800),
		MaturityTimestamp:   big.NewInt(1_900_000_000),
		Expiry:              big.NewInt(1_800_000_000),
		Nonce:               big.NewInt(7),
	}
	digest, err := testDomain(84532).HashBorrowerOrder(order)
	require.NoError(t, err)
	sig, err := Sign(digest, key)
	require.NoError(t, err)
	assert.NoError(t, Verify(digest, hexutil.Encode(sig), borrower))
}

func TestRecoverSignerRejectsMalformed(t *testing.T) {
	_, err := RecoverSigner(common.Hash{}, []byte{1, 2, 3})
	assert.Error(t, err)

	err = Verify(common.Hash{}, "not-hex", common.Address{})
	assert.Error(t, err)
}

func TestCancelRequesterRecovery(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	orderHash := "0xabc123"

	sig, err := Sign(CancelDigest(orderHash), key)
	require.NoError(t, err)

	requester, err := RecoverCancelRequester(orderHash, hexutil.Encode(sig))
	require.NoError(t, err)
	assert.Equal(t, owner, requester)

	other, err := RecoverCancelRequester("0xdef456", hexutil.Encode(sig))
	require.NoError(t, err)
	assert.NotEqual(t, owner, other)
}
