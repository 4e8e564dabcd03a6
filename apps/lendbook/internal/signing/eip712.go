package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	LenderOrderType   = "LimitOrder"
	BorrowerOrderType = "BorrowerOrder"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Field order must match the order book contract's typehash exactly.
var lenderOrderType = []apitypes.Type{
	{Name: "lender", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "principalAmount", Type: "uint256"},
	{Name: "collateralRequired", Type: "uint256"},
	{Name: "interestRateBips", Type: "uint256"},
	{Name: "maturityTimestamp", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

var borrowerOrderType = []apitypes.Type{
	{Name: "borrower", Type: "address"},
	{Name: "token", Type: "address"},
	{Name: "principalAmount", Type: "uint256"},
	{Name: "minPrincipal", Type: "uint256"},
	{Name: "maxPrincipal", Type: "uint256"},
	{Name: "collateralAmount", Type: "uint256"},
	{Name: "maxInterestRateBips", Type: "uint256"},
	{Name: "maturityTimestamp", Type: "uint256"},
	{Name: "expiry", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

// Domain is the EIP-712 domain of the order book contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// LenderOrder mirrors the on-chain LimitOrder struct.
type LenderOrder struct {
	Lender             common.Address
	Token              common.Address
	PrincipalAmount    *big.Int
	CollateralRequired *big.Int
	InterestRateBips   *big.Int
	MaturityTimestamp  *big.Int
	Expiry             *big.Int
	Nonce              *big.Int
}

// BorrowerOrder mirrors the borrower order struct submitted for batch matching.
type BorrowerOrder struct {
	Borrower            common.Address
	Token               common.Address
	PrincipalAmount     *big.Int
	MinPrincipal        *big.Int
	MaxPrincipal        *big.Int
	CollateralAmount    *big.Int
	MaxInterestRateBips *big.Int
	MaturityTimestamp   *big.Int
	Expiry              *big.Int
	Nonce               *big.Int
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// LenderTypedData builds the typed data a wallet signs for a lender order.
func (d Domain) LenderTypedData(o LenderOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  domainType,
			LenderOrderType: lenderOrderType,
		},
		PrimaryType: LenderOrderType,
		Domain:      d.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"lender":             o.Lender.Hex(),
			"token":              o.Token.Hex(),
			"principalAmount":    (*math.HexOrDecimal256)(o.PrincipalAmount),
			"collateralRequired": (*math.HexOrDecimal256)(o.CollateralRequired),
			"interestRateBips":   (*math.HexOrDecimal256)(o.InterestRateBips),
			"maturityTimestamp":  (*math.HexOrDecimal256)(o.MaturityTimestamp),
			"expiry":             (*math.HexOrDecimal256)(o.Expiry),
			"nonce":              (*math.HexOrDecimal256)(o.Nonce),
		},
	}
}

// BorrowerTypedData builds the typed data a wallet signs for a borrower order.
func (d Domain) BorrowerTypedData(o BorrowerOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainType,
			BorrowerOrderType: borrowerOrderType,
		},
		PrimaryType: BorrowerOrderType,
		Domain:      d.typedDataDomain(),
		Message: apitypes.TypedDataMessage{
			"borrower":            o.Borrower.Hex(),
			"token":               o.Token.Hex(),
			"principalAmount":     (*math.HexOrDecimal256)(o.PrincipalAmount),
			"minPrincipal":        (*math.HexOrDecimal256)(o.MinPrincipal),
			"maxPrincipal":        (*math.HexOrDecimal256)(o.MaxPrincipal),
			"collateralAmount":    (*math.HexOrDecimal256)(o.CollateralAmount),
			"maxInterestRateBips": (*math.HexOrDecimal256)(o.MaxInterestRateBips),
			"maturityTimestamp":   (*math.HexOrDecimal256)(o.MaturityTimestamp),
			"expiry":              (*math.HexOrDecimal256)(o.Expiry),
			"nonce":               (*math.HexOrDecimal256)(o.Nonce),
		},
	}
}

// HashLenderOrder returns the EIP-712 digest, which doubles as the order hash.
func (d Domain) HashLenderOrder(o LenderOrder) (common.Hash, error) {
	return digest(d.LenderTypedData(o))
}

// HashBorrowerOrder returns the EIP-712 digest of a borrower order.
func (d Domain) HashBorrowerOrder(o BorrowerOrder) (common.Hash, error) {
	return digest(d.BorrowerTypedData(o))
}

func digest(td apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// RecoverSigner recovers the address that produced a 65-byte [R || S || V]
// signature over digest. V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid signature recovery id")
	}

	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signatureHex is expected's signature over digest.
func Verify(digest common.Hash, signatureHex string, expected common.Address) error {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("signature was produced by %s, not %s", signer.Hex(), expected.Hex())
	}
	return nil
}

// Sign produces a wallet-style signature (V = 27/28) over digest.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// CancelMessage is the personal_sign text an owner signs to cancel an order.
func CancelMessage(orderHash string) string {
	return "Cancel lendbook order " + orderHash
}

// CancelDigest is the EIP-191 digest of CancelMessage.
func CancelDigest(orderHash string) common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(CancelMessage(orderHash))))
}

// RecoverCancelRequester returns the address that signed the cancel message.
func RecoverCancelRequester(orderHash, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	return RecoverSigner(CancelDigest(orderHash), sig)
}
