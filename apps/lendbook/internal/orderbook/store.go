// Package orderbook accepts, cancels and tracks signed lender and borrower
// orders.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
	"lendbook/apps/lendbook/internal/signing"
)

// LenderOrderInput is the wire form of the on-chain LimitOrder struct.
type LenderOrderInput struct {
	Lender             string `json:"lender"`
	Token              string `json:"token"`
	PrincipalAmount    string `json:"principalAmount"`
	CollateralRequired string `json:"collateralRequired"`
	InterestRateBips   int64  `json:"interestRateBips"`
	MaturityTimestamp  int64  `json:"maturityTimestamp"`
	Expiry             int64  `json:"expiry"`
	Nonce              string `json:"nonce"`
}

// BorrowerOrderInput is the wire form of the BorrowerOrder struct.
type BorrowerOrderInput struct {
	Borrower            string `json:"borrower"`
	Token               string `json:"token"`
	PrincipalAmount     string `json:"principalAmount"`
	MinPrincipal        string `json:"minPrincipal"`
	MaxPrincipal        string `json:"maxPrincipal"`
	CollateralAmount    string `json:"collateralAmount"`
	MaxInterestRateBips int64  `json:"maxInterestRateBips"`
	MaturityTimestamp   int64  `json:"maturityTimestamp"`
	Expiry              int64  `json:"expiry"`
	Nonce               string `json:"nonce"`
}

type SubmitOrderRequest struct {
	Order     LenderOrderInput `json:"order"`
	Signature string           `json:"signature"`
	Execution model.Execution  `json:"execution"`
}

type SubmitBorrowerOrderRequest struct {
	Order     BorrowerOrderInput `json:"order"`
	Signature string             `json:"signature"`
	Execution model.Execution    `json:"execution"`
}

// Store is the order book service. All state lives in the repository so any
// number of Store instances may run against the same database.
type Store struct {
	db      *repository.Store
	domain  signing.Domain
	assets  *assets.AssetRegistry
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewStore(db *repository.Store, domain signing.Domain, registry *assets.AssetRegistry, m *metrics.Metrics, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		domain:  domain,
		assets:  registry,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, fmt.Sprintf(format, args...))
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, validationf("%s is not a valid address", field)
	}
	return common.HexToAddress(v), nil
}

func parsePositive(field, v string) (*big.Int, error) {
	n, ok := model.ParseAmount(v)
	if !ok {
		return nil, validationf("%s is not an integer amount", field)
	}
	if n.Sign() <= 0 {
		return nil, validationf("%s must be greater than zero", field)
	}
	if n.BitLen() > 256 {
		return nil, validationf("%s overflows uint256", field)
	}
	return n, nil
}

func parseNonce(v string) (*big.Int, error) {
	n, ok := model.ParseAmount(v)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, validationf("nonce must be a uint256")
	}
	return n, nil
}

func resolveExecution(e model.Execution) (model.Execution, model.AVSStatus, error) {
	switch e {
	case "", model.ExecutionDirect:
		return model.ExecutionDirect, model.AVSStatusNone, nil
	case model.ExecutionBatch:
		return model.ExecutionBatch, model.AVSStatusSubmitted, nil
	}
	return "", "", validationf("unknown execution %q", e)
}

func (s *Store) checkTimes(now time.Time, expiry, maturity int64) error {
	if expiry <= now.Unix() {
		return validationf("order expired at %d", expiry)
	}
	if maturity <= now.Unix() {
		return validationf("maturity %d is in the past", maturity)
	}
	return nil
}

// SubmitOrder validates and stores a lender order. An order whose hash is
// already stored is returned with model.ErrDuplicateOrder.
func (s *Store) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*model.SignedOrder, error) {
	now := s.now()
	in := req.Order

	execution, avsStatus, err := resolveExecution(req.Execution)
	if err != nil {
		return nil, err
	}
	lender, err := parseAddress("lender", in.Lender)
	if err != nil {
		return nil, err
	}
	token, err := parseAddress("token", in.Token)
	if err != nil {
		return nil, err
	}
	if !s.assets.IsLoanToken(token) {
		return nil, validationf("loan token %s is not supported", token.Hex())
	}
	principal, err := parsePositive("principalAmount", in.PrincipalAmount)
	if err != nil {
		return nil, err
	}
	collateral, err := parsePositive("collateralRequired", in.CollateralRequired)
	if err != nil {
		return nil, err
	}
	if in.InterestRateBips < 0 {
		return nil, validationf("interestRateBips must not be negative")
	}
	nonce, err := parseNonce(in.Nonce)
	if err != nil {
		return nil, err
	}
	if err := s.checkTimes(now, in.Expiry, in.MaturityTimestamp); err != nil {
		return nil, err
	}

	hash, err := s.domain.HashLenderOrder(signing.LenderOrder{
		Lender:             lender,
		Token:              token,
		PrincipalAmount:    principal,
		CollateralRequired: collateral,
		InterestRateBips:   big.NewInt(in.InterestRateBips),
		MaturityTimestamp:  big.NewInt(in.MaturityTimestamp),
		Expiry:             big.NewInt(in.Expiry),
		Nonce:              nonce,
	})
	if err != nil {
		return nil, validationf("%v", err)
	}
	if err := signing.Verify(hash, req.Signature, lender); err != nil {
		return nil, validationf("signature: %v", err)
	}

	if existing, err := s.db.Orders.GetSignedOrderByHash(ctx, hash.Hex()); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, model.ErrDuplicateOrder
	}
	if used, err := s.db.Orders.NonceUsed(ctx, model.SideLender, lender.Hex(), nonce.String()); err != nil {
		return nil, err
	} else if used {
		return nil, validationf("nonce %s already used by %s", nonce, lender.Hex())
	}

	order := &model.SignedOrder{
		ID:                uuid.NewString(),
		OrderHash:         hash.Hex(),
		Lender:            lender.Hex(),
		LoanToken:         token.Hex(),
		LoanAmount:        principal.String(),
		CollateralToken:   assets.NativeETH.Hex(),
		CollateralAmount:  collateral.String(),
		InterestRateBips:  in.InterestRateBips,
		MaturityTimestamp: in.MaturityTimestamp,
		Expiry:            in.Expiry,
		Nonce:             nonce.String(),
		Signature:         req.Signature,
		ChainID:           s.domain.ChainID,
		Execution:         execution,
		BatchState: model.BatchState{
			Status:    model.OrderStatusPending,
			AVSStatus: avsStatus,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	inserted, err := s.db.Orders.InsertSignedOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// lost a race against an identical submission or a nonce reuse
		if existing, err := s.db.Orders.GetSignedOrderByHash(ctx, order.OrderHash); err == nil && existing != nil {
			return existing, model.ErrDuplicateOrder
		}
		return nil, validationf("nonce %s already used by %s", nonce, lender.Hex())
	}

	s.metrics.OrderEvent(string(model.SideLender), "submitted")
	return order, nil
}

// SubmitBorrowerOrder validates and stores a borrower order.
func (s *Store) SubmitBorrowerOrder(ctx context.Context, req SubmitBorrowerOrderRequest) (*model.BorrowerOrder, error) {
	now := s.now()
	in := req.Order

	execution, avsStatus, err := resolveExecution(req.Execution)
	if err != nil {
		return nil, err
	}
	borrower, err := parseAddress("borrower", in.Borrower)
	if err != nil {
		return nil, err
	}
	token, err := parseAddress("token", in.Token)
	if err != nil {
		return nil, err
	}
	if !s.assets.IsLoanToken(token) {
		return nil, validationf("loan token %s is not supported", token.Hex())
	}
	principal, err := parsePositive("principalAmount", in.PrincipalAmount)
	if err != nil {
		return nil, err
	}
	minPrincipal, err := parsePositive("minPrincipal", in.MinPrincipal)
	if err != nil {
		return nil, err
	}
	maxPrincipal, err := parsePositive("maxPrincipal", in.MaxPrincipal)
	if err != nil {
		return nil, err
	}
	if minPrincipal.Cmp(principal) > 0 || principal.Cmp(maxPrincipal) > 0 {
		return nil, validationf("principalAmount must lie within [minPrincipal, maxPrincipal]")
	}
	collateral, err := parsePositive("collateralAmount", in.CollateralAmount)
	if err != nil {
		return nil, err
	}
	if in.MaxInterestRateBips < 0 {
		return nil, validationf("maxInterestRateBips must not be negative")
	}
	nonce, err := parseNonce(in.Nonce)
	if err != nil {
		return nil, err
	}
	if err := s.checkTimes(now, in.Expiry, in.MaturityTimestamp); err != nil {
		return nil, err
	}

	hash, err := s.domain.HashBorrowerOrder(signing.BorrowerOrder{
		Borrower:            borrower,
		Token:               token,
		PrincipalAmount:     principal,
		MinPrincipal:        minPrincipal,
		MaxPrincipal:        maxPrincipal,
		CollateralAmount:    collateral,
		MaxInterestRateBips: big.NewInt(in.MaxInterestRateBips),
		MaturityTimestamp:   big.NewInt(in.MaturityTimestamp),
		Expiry:              big.NewInt(in.Expiry),
		Nonce:               nonce,
	})
	if err != nil {
		return nil, validationf("%v", err)
	}
	if err := signing.Verify(hash, req.Signature, borrower); err != nil {
		return nil, validationf("signature: %v", err)
	}

	if existing, err := s.db.Orders.GetBorrowerOrderByHash(ctx, hash.Hex()); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, model.ErrDuplicateOrder
	}
	if used, err := s.db.Orders.NonceUsed(ctx, model.SideBorrower, borrower.Hex(), nonce.String()); err != nil {
		return nil, err
	} else if used {
		return nil, validationf("nonce %s already used by %s", nonce, borrower.Hex())
	}

	order := &model.BorrowerOrder{
		ID:                  uuid.NewString(),
		OrderHash:           hash.Hex(),
		Borrower:            borrower.Hex(),
		LoanToken:           token.Hex(),
		PrincipalAmount:     principal.String(),
		MinPrincipal:        minPrincipal.String(),
		MaxPrincipal:        maxPrincipal.String(),
		CollateralToken:     assets.NativeETH.Hex(),
		CollateralAmount:    collateral.String(),
		MaxInterestRateBips: in.MaxInterestRateBips,
		MaturityTimestamp:   in.MaturityTimestamp,
		Expiry:              in.Expiry,
		Nonce:               nonce.String(),
		Signature:           req.Signature,
		ChainID:             s.domain.ChainID,
		Execution:           execution,
		BatchState: model.BatchState{
			Status:    model.OrderStatusPending,
			AVSStatus: avsStatus,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	inserted, err := s.db.Orders.InsertBorrowerOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if existing, err := s.db.Orders.GetBorrowerOrderByHash(ctx, order.OrderHash); err == nil && existing != nil {
			return existing, model.ErrDuplicateOrder
		}
		return nil, validationf("nonce %s already used by %s", nonce, borrower.Hex())
	}

	s.metrics.OrderEvent(string(model.SideBorrower), "submitted")
	return order, nil
}

func (s *Store) loadState(ctx context.Context, side model.Side, orderID string) (owner string, state *model.BatchState, err error) {
	switch side {
	case model.SideLender:
		o, err := s.db.Orders.GetSignedOrder(ctx, orderID)
		if err != nil || o == nil {
			return "", nil, err
		}
		return o.Lender, &o.BatchState, nil
	case model.SideBorrower:
		o, err := s.db.Orders.GetBorrowerOrder(ctx, orderID)
		if err != nil || o == nil {
			return "", nil, err
		}
		return o.Borrower, &o.BatchState, nil
	}
	return "", nil, validationf("unknown order side %q", side)
}

// Cancel marks the order cancelled on behalf of requester.
func (s *Store) Cancel(ctx context.Context, side model.Side, orderID string, requester common.Address) error {
	owner, state, err := s.loadState(ctx, side, orderID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	if common.HexToAddress(owner) != requester {
		return fmt.Errorf("%w: %s does not own order %s", model.ErrUnauthorized, requester.Hex(), orderID)
	}
	if err := cancellable(state); err != nil {
		return err
	}

	n, err := s.db.Orders.Cancel(ctx, side, orderID, s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		// state changed between the read and the update
		_, state, err = s.loadState(ctx, side, orderID)
		if err != nil {
			return err
		}
		if err := cancellable(state); err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s changed concurrently", model.ErrInvalidStateTransition, orderID)
	}

	s.metrics.OrderEvent(string(side), "cancelled")
	s.logger.Info("Cancelled order", zap.String("order_id", orderID), zap.String("side", string(side)), zap.String("requester", requester.Hex()))
	return nil
}

func cancellable(state *model.BatchState) error {
	if state.Status.IsTerminal() {
		return fmt.Errorf("%w: order is %s", model.ErrAlreadyTerminal, state.Status)
	}
	if state.AVSStatus.LockedInBatch() {
		return fmt.Errorf("%w: order is held by batch with avs_status %s", model.ErrInvalidStateTransition, state.AVSStatus)
	}
	return nil
}

// CancelOrder cancels a lender order.
func (s *Store) CancelOrder(ctx context.Context, orderID string, requester common.Address) error {
	return s.Cancel(ctx, model.SideLender, orderID, requester)
}

// CancelBorrowerOrder cancels a borrower order.
func (s *Store) CancelBorrowerOrder(ctx context.Context, orderID string, requester common.Address) error {
	return s.Cancel(ctx, model.SideBorrower, orderID, requester)
}

// MarkBatchAssigned places a single submitted order into batchID.
func (s *Store) MarkBatchAssigned(ctx context.Context, side model.Side, orderID, batchID string) error {
	n, err := s.db.Orders.AssignToBatch(ctx, side, orderID, batchID, s.now())
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	_, state, err := s.loadState(ctx, side, orderID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	return fmt.Errorf("%w: order %s has avs_status %s", model.ErrInvalidStateTransition, orderID, state.AVSStatus)
}

// ExpireOrders marks every pending order past its expiry as expired.
func (s *Store) ExpireOrders(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for _, side := range []model.Side{model.SideLender, model.SideBorrower} {
		n, err := s.db.Orders.ExpireOrders(ctx, side, now)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		s.logger.Info("Expired orders", zap.Int64("count", total))
	}
	return total, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.SignedOrder, error) {
	o, err := s.db.Orders.GetSignedOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	return o, nil
}

func (s *Store) GetOrderByHash(ctx context.Context, hash string) (*model.SignedOrder, error) {
	o, err := s.db.Orders.GetSignedOrderByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: order hash %s", model.ErrNotFound, hash)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, f model.OrderFilter) ([]*model.SignedOrder, error) {
	return s.db.Orders.ListSignedOrders(ctx, f)
}

func (s *Store) GetBorrowerOrder(ctx context.Context, orderID string) (*model.BorrowerOrder, error) {
	o, err := s.db.Orders.GetBorrowerOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: borrower order %s", model.ErrNotFound, orderID)
	}
	return o, nil
}

func (s *Store) GetBorrowerOrderByHash(ctx context.Context, hash string) (*model.BorrowerOrder, error) {
	o, err := s.db.Orders.GetBorrowerOrderByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: borrower order hash %s", model.ErrNotFound, hash)
	}
	return o, nil
}

func (s *Store) ListBorrowerOrders(ctx context.Context, f model.OrderFilter) ([]*model.BorrowerOrder, error) {
	return s.db.Orders.ListBorrowerOrders(ctx, f)
}

// IsDuplicate reports whether err marks an idempotent resubmission.
func IsDuplicate(err error) bool {
	return errors.Is(err, model.ErrDuplicateOrder)
}
