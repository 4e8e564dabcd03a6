//go:build integration

package test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"lendbook/apps/lendbook/internal/api"
	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/signing"
)

// BaseURL points at a running lendbook server. Override with LENDBOOK_URL.
var BaseURL = baseURL()

const (
	TestLoanAmount       = "10000000000" // 10,000 USDC
	TestCollateralAmount = "5000000000000000000"
	TestRateBips         = 800
)

func baseURL() string {
	if u := os.Getenv("LENDBOOK_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// fetchDomain reads the signing domain the server verifies against.
func fetchDomain(t *testing.T) signing.Domain {
	t.Helper()
	var info api.InfoResponse
	resp := getJSON(t, "/api/info", &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from /api/info, got %d", resp.StatusCode)
	}
	return signing.Domain{
		Name:              info.Domain.Name,
		Version:           info.Domain.Version,
		ChainID:           info.Domain.ChainID,
		VerifyingContract: common.HexToAddress(info.Domain.VerifyingContract),
	}
}

func newWallet(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func signLenderOrder(t *testing.T, domain signing.Domain, key *ecdsa.PrivateKey, execution model.Execution) orderbook.SubmitOrderRequest {
	t.Helper()
	now := time.Now()
	in := orderbook.LenderOrderInput{
		Lender:             crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Token:              assets.USDCAddress.Hex(),
		PrincipalAmount:    TestLoanAmount,
		CollateralRequired: TestCollateralAmount,
		InterestRateBips:   TestRateBips,
		MaturityTimestamp:  now.Add(30 * 24 * time.Hour).Unix(),
		Expiry:             now.Add(time.Hour).Unix(),
		Nonce:              big.NewInt(now.UnixNano()).String(),
	}
	principal, _ := new(big.Int).SetString(in.PrincipalAmount, 10)
	collateral, _ := new(big.Int).SetString(in.CollateralRequired, 10)
	nonce, _ := new(big.Int).SetString(in.Nonce, 10)

	hash, err := domain.HashLenderOrder(signing.LenderOrder{
		Lender:             common.HexToAddress(in.Lender),
		Token:              common.HexToAddress(in.Token),
		PrincipalAmount:    principal,
		CollateralRequired: collateral,
		InterestRateBips:   big.NewInt(in.InterestRateBips),
		MaturityTimestamp:  big.NewInt(in.MaturityTimestamp),
		Expiry:             big.NewInt(in.Expiry),
		Nonce:              nonce,
	})
	if err != nil {
		t.Fatalf("Failed to hash order: %v", err)
	}
	sig, err := signing.Sign(hash, key)
	if err != nil {
		t.Fatalf("Failed to sign order: %v", err)
	}
	return orderbook.SubmitOrderRequest{Order: in, Signature: hexutil.Encode(sig), Execution: execution}
}

func signCancel(t *testing.T, key *ecdsa.PrivateKey, orderHash string) api.CancelRequest {
	t.Helper()
	sig, err := signing.Sign(signing.CancelDigest(orderHash), key)
	if err != nil {
		t.Fatalf("Failed to sign cancellation: %v", err)
	}
	return api.CancelRequest{Signature: hexutil.Encode(sig)}
}

func postJSON(t *testing.T, path string, body, out any) *http.Response {
	t.Helper()
	reqBody, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	resp, err := http.Post(BaseURL+path, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		t.Fatalf("Failed to make POST request: %v", err)
	}
	defer resp.Body.Close()
	decode(t, resp, out)
	return resp
}

func getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(BaseURL + path)
	if err != nil {
		t.Fatalf("Failed to make GET request: %v", err)
	}
	defer resp.Body.Close()
	decode(t, resp, out)
	return resp
}

// decode fills out on 2xx. Error bodies are decoded only into an
// *api.ErrorResponse and logged otherwise.
func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if resp.StatusCode >= 300 {
		errorResp, ok := out.(*api.ErrorResponse)
		if !ok {
			errorResp = &api.ErrorResponse{}
		}
		_ = json.NewDecoder(resp.Body).Decode(errorResp)
		t.Logf("Status %d: %s - %s", resp.StatusCode, errorResp.Error, errorResp.Message)
		return
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}
