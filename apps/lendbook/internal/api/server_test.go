package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/config"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/oracle"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/repository"
	"lendbook/apps/lendbook/internal/repository/repotest"
	"lendbook/apps/lendbook/internal/settlement"
	"lendbook/apps/lendbook/internal/signing"
)

const operatorSecret = "operator-test-secret"

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orderBook  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testDomain = signing.Domain{
		Name:              "LendingOrderBook",
		Version:           "1",
		ChainID:           84532,
		VerifyingContract: orderBook,
	}
)

type testServer struct {
	handler http.Handler
	db      *repository.Store
}

type fakeChain struct {
	tokenBalance *big.Int
	ethBalance   *big.Int
}

func (f fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.tokenBalance.Bytes(), 32), nil
}

func (f fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.ethBalance, nil
}

func newTestServer(t *testing.T, mutate func(*Dependencies)) *testServer {
	t.Helper()
	logger := zap.NewNop()
	db := repotest.NewStore(t)
	cfg := config.Default()

	orders := orderbook.NewStore(db, testDomain, assets.NewAssetRegistry(), nil, logger)
	orders.SetClock(func() time.Time { return testNow })
	manager := batch.NewManager(db, cfg.Batch, orders, cfg.AVSTopic, nil, logger)
	manager.SetClock(func() time.Time { return testNow })
	reporter := settlement.NewReporter(db, nil, logger)
	reporter.SetClock(func() time.Time { return testNow })
	query := health.NewQuery(db.Loans, cfg.Health, oracle.Static(2000))
	query.SetClock(func() time.Time { return testNow })
	builder, err := NewTransactionBuilder(nil, orderBook, testDomain.ChainID)
	require.NoError(t, err)

	deps := Dependencies{
		DB:                db,
		Orders:            orders,
		Batches:           manager,
		Reporter:          reporter,
		Health:            query,
		Builder:           builder,
		Domain:            testDomain,
		OperatorJWTSecret: operatorSecret,
	}
	if mutate != nil {
		mutate(&deps)
	}

	s, err := NewServer(0, deps, logger)
	require.NoError(t, err)
	return &testServer{handler: s.Handler(), db: db}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func signedLenderRequest(t *testing.T, key *ecdsa.PrivateKey, nonce int64, execution model.Execution) orderbook.SubmitOrderRequest {
	t.Helper()
	in := orderbook.LenderOrderInput{
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
	return orderbook.SubmitOrderRequest{Order: in, Signature: hexutil.Encode(sig), Execution: execution}
}

func signedBorrowerRequest(t *testing.T, key *ecdsa.PrivateKey, nonce int64) orderbook.SubmitBorrowerOrderRequest {
	t.Helper()
	in := orderbook.BorrowerOrderInput{
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
	return orderbook.SubmitBorrowerOrderRequest{Order: in, Signature: hexutil.Encode(sig), Execution: model.ExecutionBatch}
}

func cancelSignature(t *testing.T, key *ecdsa.PrivateKey, orderHash string) CancelRequest {
	t.Helper()
	sig, err := signing.Sign(signing.CancelDigest(orderHash), key)
	require.NoError(t, err)
	return CancelRequest{Signature: hexutil.Encode(sig)}
}

func operatorToken(t *testing.T, secret, subject string) http.Header {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func envelope(t *testing.T, id string, ev events.Event) []byte {
	t.Helper()
	data, err := events.Encode(events.Message{ID: id, OccurredAt: testNow, Event: ev})
	require.NoError(t, err)
	return data
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSubmitOrder_CreatedThenDuplicate(t *testing.T) {
	ts := newTestServer(t, nil)
	key, _ := crypto.GenerateKey()
	req := signedLenderRequest(t, key, 1, model.ExecutionBatch)

	rec := ts.do(t, http.MethodPost, "/api/orders", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[OrderResponse](t, rec)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "submitted", created.AVSStatus)
	assert.Equal(t, "batch", created.Execution)

	rec = ts.do(t, http.MethodPost, "/api/orders", req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.OrderID, decodeBody[OrderResponse](t, rec).OrderID)

	rec = ts.do(t, http.MethodGet, "/api/orders/"+created.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.OrderHash, decodeBody[OrderResponse](t, rec).OrderHash)

	rec = ts.do(t, http.MethodGet, "/api/orders/"+created.OrderHash, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.OrderID, decodeBody[OrderResponse](t, rec).OrderID)

	lowered := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	rec = ts.do(t, http.MethodGet, "/api/orders?owner="+lowered, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[OrderListResponse](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = ts.do(t, http.MethodGet, "/api/orders?avs_status=none", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[OrderListResponse](t, rec).Count)
}

func TestSubmitOrder_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)
	key, _ := crypto.GenerateKey()

	rec := ts.do(t, http.MethodPost, "/api/orders", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeBody[ErrorResponse](t, rec).Error)

	tampered := signedLenderRequest(t, key, 1, model.ExecutionDirect)
	tampered.Order.PrincipalAmount = "20000000000"
	rec = ts.do(t, http.MethodPost, "/api/orders", tampered, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeBody[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/api/orders?owner=nobody", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/orders?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Error)
}

func TestCancelOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	owner, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()

	rec := ts.do(t, http.MethodPost, "/api/orders", signedLenderRequest(t, owner, 1, model.ExecutionDirect), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decodeBody[OrderResponse](t, rec)
	path := "/api/orders/" + order.OrderID + "/cancel"

	rec = ts.do(t, http.MethodPost, path, CancelRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, path, cancelSignature(t, stranger, order.OrderHash), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, path, cancelSignature(t, owner, order.OrderHash), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody[CancelResponse](t, rec).Status)

	rec = ts.do(t, http.MethodPost, path, cancelSignature(t, owner, order.OrderHash), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_terminal", decodeBody[ErrorResponse](t, rec).Error)
}

func TestBorrowerOrderFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	key, _ := crypto.GenerateKey()

	rec := ts.do(t, http.MethodPost, "/api/borrower-orders", signedBorrowerRequest(t, key, 1), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[BorrowerOrderResponse](t, rec)
	assert.Equal(t, "5000000000", order.MaxPrincipal)

	rec = ts.do(t, http.MethodGet, "/api/borrower-orders?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[BorrowerOrderListResponse](t, rec).Count)

	rec = ts.do(t, http.MethodGet, "/api/borrower-orders/"+order.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/borrower-orders/"+order.OrderHash, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.OrderID, decodeBody[BorrowerOrderResponse](t, rec).OrderID)

	rec = ts.do(t, http.MethodPost, "/api/borrower-orders/"+order.OrderID+"/cancel", cancelSignature(t, key, order.OrderHash), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/borrower-orders?status=cancelled", nil, nil)
	assert.Equal(t, 1, decodeBody[BorrowerOrderListResponse](t, rec).Count)
}

func TestFillTransaction(t *testing.T) {
	ts := newTestServer(t, nil)
	lender, _ := crypto.GenerateKey()
	borrower := common.HexToAddress("0x00000000000000000000000000000000000000b0")

	rec := ts.do(t, http.MethodPost, "/api/orders", signedLenderRequest(t, lender, 1, model.ExecutionDirect), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	direct := decodeBody[OrderResponse](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/orders/"+direct.OrderID+"/fill-transaction", TransactionRequest{From: borrower.Hex()}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tx := decodeBody[TransactionResponse](t, rec).UnsignedTransaction
	require.NotNil(t, tx)
	assert.Equal(t, orderBook.Hex(), tx.To)
	assert.Equal(t, "0x4563918244f40000", tx.Value) // 5 ETH collateral
	assert.Equal(t, "84532", tx.ChainID)
	assert.Empty(t, tx.Nonce)

	rec = ts.do(t, http.MethodPost, "/api/orders/"+direct.OrderID+"/fill-transaction", TransactionRequest{From: "bad"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/orders", signedLenderRequest(t, lender, 2, model.ExecutionBatch), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	batched := decodeBody[OrderResponse](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/orders/"+batched.OrderID+"/fill-transaction", TransactionRequest{From: borrower.Hex()}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/batches/current", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	current := decodeBody[CurrentBatchResponse](t, rec)
	require.NotNil(t, current.Batch)
	assert.Equal(t, "collecting", current.Batch.Status)
	assert.Equal(t, 5, current.MinOrders)
	assert.True(t, current.Batch.CreatedAt.Add(5*time.Minute).Equal(current.ClosesAt))

	// the collecting batch is reused
	rec = ts.do(t, http.MethodGet, "/api/batches/current", nil, nil)
	assert.Equal(t, current.Batch.BatchID, decodeBody[CurrentBatchResponse](t, rec).Batch.BatchID)

	rec = ts.do(t, http.MethodGet, "/api/batches?status=collecting", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[BatchListResponse](t, rec).Count)

	rec = ts.do(t, http.MethodGet, "/api/batches/"+current.Batch.BatchID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[BatchResponse](t, rec)
	assert.Empty(t, detail.Matches)

	rec = ts.do(t, http.MethodGet, "/api/batches/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorEvents_Auth(t *testing.T) {
	ts := newTestServer(t, nil)
	body := envelope(t, "ev-1", &events.LoanRepaid{LoanID: "1", TxHash: common.BigToHash(big.NewInt(1)).Hex()})

	rec := ts.do(t, http.MethodPost, "/api/operator/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/operator/events", body, operatorToken(t, "wrong-secret", "matcher"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/operator/events", body, operatorToken(t, operatorSecret, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/operator/events", `{"id":"x","kind":"nope","payload":{}}`, operatorToken(t, operatorSecret, "matcher"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// repaying an unknown loan is reported, not swallowed
	rec = ts.do(t, http.MethodPost, "/api/operator/events", body, operatorToken(t, operatorSecret, "matcher"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	disabled := newTestServer(t, func(d *Dependencies) { d.OperatorJWTSecret = "" })
	rec = disabled.do(t, http.MethodPost, "/api/operator/events", body, operatorToken(t, operatorSecret, "matcher"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoanLifecycleThroughOperator(t *testing.T) {
	ts := newTestServer(t, nil)
	auth := operatorToken(t, operatorSecret, "matcher")
	lender := common.HexToAddress("0x00000000000000000000000000000000000000a1").Hex()
	borrower := common.HexToAddress("0x00000000000000000000000000000000000000b1").Hex()

	created := envelope(t, "created-7", &events.LoanCreated{
		LoanID:           "7",
		OrderHash:        common.BigToHash(big.NewInt(70)).Hex(),
		Borrower:         borrower,
		Lender:           lender,
		PrincipalAmount:  "1000000000",          // 1000 USDC
		CollateralAmount: "1000000000000000000", // 1 ETH
		RatePerSecond:    "0",
		StartTime:        testNow.Unix(),
		DurationSeconds:  3600,
		TxHash:           common.BigToHash(big.NewInt(71)).Hex(),
	})

	rec := ts.do(t, http.MethodPost, "/api/operator/events", created, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeBody[OperatorEventResponse](t, rec).Outcome)

	rec = ts.do(t, http.MethodPost, "/api/operator/events", created, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeBody[OperatorEventResponse](t, rec).Outcome)

	rec = ts.do(t, http.MethodGet, "/api/loans/7", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loan := decodeBody[LoanResponse](t, rec)
	assert.Equal(t, "active", loan.Status)
	assert.Equal(t, "1000000000", loan.CurrentDebt)

	rec = ts.do(t, http.MethodGet, "/api/loans?borrower="+strings.ToLower(borrower), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[LoanListResponse](t, rec).Count)

	// 1 ETH at $1000 against $1000 of debt is a health factor of 1
	rec = ts.do(t, http.MethodGet, "/api/loans/liquidatable?eth_price=1000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	risky := decodeBody[LiquidatableListResponse](t, rec)
	require.Len(t, risky.Loans, 1)
	assert.Equal(t, 1.2, risky.Threshold)
	assert.InDelta(t, 1.0, risky.Loans[0].HealthFactor, 1e-9)

	// the configured oracle quotes $2000
	rec = ts.do(t, http.MethodGet, "/api/loans/liquidatable", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	safe := decodeBody[LiquidatableListResponse](t, rec)
	assert.Equal(t, 2000.0, safe.EthPriceUSD)
	assert.Empty(t, safe.Loans)

	for _, query := range []string{"eth_price=abc", "eth_price=NaN", "eth_price=Inf", "eth_price=1000&threshold=NaN", "eth_price=1000&threshold=-Inf"} {
		rec = ts.do(t, http.MethodGet, "/api/loans/liquidatable?"+query, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	rec = ts.do(t, http.MethodPost, "/api/loans/7/repay-transaction", TransactionRequest{From: lender}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/loans/7/repay-transaction", TransactionRequest{From: borrower}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "0x0", decodeBody[TransactionResponse](t, rec).UnsignedTransaction.Value)

	rec = ts.do(t, http.MethodPost, "/api/loans/7/liquidate-transaction", TransactionRequest{From: lender}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	repaid := envelope(t, "repaid-7", &events.LoanRepaid{LoanID: "7", TxHash: common.BigToHash(big.NewInt(72)).Hex()})
	rec = ts.do(t, http.MethodPost, "/api/operator/events", repaid, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/loans/7/liquidate-transaction", TransactionRequest{From: lender}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/loans/8", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolio(t *testing.T) {
	chain := fakeChain{
		tokenBalance: big.NewInt(1_500_000),
		ethBalance:   new(big.Int).Mul(big.NewInt(2), model.WAD),
	}
	ts := newTestServer(t, func(d *Dependencies) { d.Chain = chain })
	key, _ := crypto.GenerateKey()
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	rec := ts.do(t, http.MethodPost, "/api/orders", signedLenderRequest(t, key, 1, model.ExecutionDirect), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/portfolio/"+strings.ToLower(wallet), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	portfolio := decodeBody[PortfolioResponse](t, rec)
	assert.Equal(t, wallet, portfolio.WalletAddress)
	assert.Len(t, portfolio.LenderOrders, 1)
	assert.Empty(t, portfolio.BorrowerOrders)
	assert.Empty(t, portfolio.LoansAsLender)
	assert.Equal(t, "1.5", portfolio.Balances["USDC"].Balance)
	assert.Equal(t, "2", portfolio.Balances["ETH"].Balance)

	rec = ts.do(t, http.MethodGet, "/api/portfolio/0x123", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInfo(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decodeBody[InfoResponse](t, rec)
	assert.Equal(t, int64(84532), info.ChainID)
	assert.Equal(t, "LendingOrderBook", info.Domain.Name)
	assert.Equal(t, orderBook.Hex(), info.OrderBook)
	require.NotNil(t, info.EthPriceUSD)
	assert.Equal(t, 2000.0, *info.EthPriceUSD)
	require.NotNil(t, info.CurrentBatch)
	assert.Len(t, info.Assets, 3)

	noPrice := newTestServer(t, func(d *Dependencies) {
		d.Health = health.NewQuery(d.DB.Loans, config.Default().Health, oracle.Static(0))
	})
	rec = noPrice.do(t, http.MethodGet, "/api/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeBody[InfoResponse](t, rec).EthPriceUSD)
}

func TestSubmitRateLimit(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) { d.SubmitRatePerMinute = 1 })

	rec := ts.do(t, http.MethodPost, "/api/orders", "{}", nil)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/orders", "{}", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// reads are not throttled
	rec = ts.do(t, http.MethodGet, "/api/orders", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRateLimit_IgnoresForwardedForByDefault(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) { d.SubmitRatePerMinute = 1 })

	limited := 0
	for i := 0; i < 5; i++ {
		header := http.Header{"X-Forwarded-For": []string{fmt.Sprintf("203.0.113.%d", i)}}
		if rec := ts.do(t, http.MethodPost, "/api/orders", "{}", header); rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 4, limited, "a rotating X-Forwarded-For must not reset the bucket")
}

func TestSubmitRateLimit_TrustedProxyUsesLastHop(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.SubmitRatePerMinute = 1
		d.TrustProxyHeaders = true
	})

	// The client controls everything before the proxy's appended hop.
	first := http.Header{"X-Forwarded-For": []string{"10.0.0.1, 198.51.100.7"}}
	rec := ts.do(t, http.MethodPost, "/api/orders", "{}", first)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	spoofed := http.Header{"X-Forwarded-For": []string{"10.0.0.2, 198.51.100.7"}}
	rec = ts.do(t, http.MethodPost, "/api/orders", "{}", spoofed)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := http.Header{"X-Forwarded-For": []string{"198.51.100.8"}}
	rec = ts.do(t, http.MethodPost, "/api/orders", "{}", other)
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.7")

	assert.Equal(t, "192.0.2.10", clientIP(req, false))
	assert.Equal(t, "198.51.100.7", clientIP(req, true))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.10", clientIP(req, true))
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	clock := testNow
	l := newClientLimiter(1)
	l.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		l.allow(fmt.Sprintf("198.51.100.%d", i))
	}
	assert.Len(t, l.clients, 100)

	clock = clock.Add(limiterIdleTTL)
	assert.True(t, l.allow("192.0.2.1"))
	assert.Len(t, l.clients, 1)

	// a returning client starts with a full bucket
	assert.True(t, l.allow("198.51.100.1"))
}

func TestConvertToDecimalAmount(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals int
		want     string
	}{
		{big.NewInt(0), 6, "0"},
		{big.NewInt(1_000_000), 6, "1"},
		{big.NewInt(1_500_000), 6, "1.5"},
		{big.NewInt(1), 6, "0.000001"},
		{big.NewInt(123_456_789), 8, "1.23456789"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, convertToDecimalAmount(tt.amount, tt.decimals))
	}
}
