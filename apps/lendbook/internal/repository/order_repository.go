package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/model"
)

// OrderRepository persists both the lender book (orders) and the borrower
// book (borrower_orders). Batch bookkeeping is identical on both sides so the
// lifecycle methods take a model.Side.
type OrderRepository struct {
	conn
	logger *zap.Logger
}

const signedOrderColumns = `id, order_hash, lender, loan_token, loan_amount, collateral_token, collateral_amount,
	interest_rate_bips, maturity_timestamp, expiry, nonce, signature, chain_id, execution,
	status, avs_status, current_batch_id, matched_rate, matched_amount, is_fully_matched, created_at, updated_at`

const borrowerOrderColumns = `id, order_hash, borrower, loan_token, principal_amount, min_principal, max_principal,
	collateral_token, collateral_amount, max_interest_rate_bips, maturity_timestamp, expiry, nonce, signature, chain_id, execution,
	status, avs_status, current_batch_id, matched_rate, matched_amount, is_fully_matched, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func sideTable(side model.Side) (table, ownerColumn string, err error) {
	switch side {
	case model.SideLender:
		return "orders", "lender", nil
	case model.SideBorrower:
		return "borrower_orders", "borrower", nil
	}
	return "", "", fmt.Errorf("unknown order side %q", side)
}

func scanSignedOrder(row scanner) (*model.SignedOrder, error) {
	var o model.SignedOrder
	err := row.Scan(&o.ID, &o.OrderHash, &o.Lender, &o.LoanToken, &o.LoanAmount, &o.CollateralToken, &o.CollateralAmount,
		&o.InterestRateBips, &o.MaturityTimestamp, &o.Expiry, &o.Nonce, &o.Signature, &o.ChainID, &o.Execution,
		&o.Status, &o.AVSStatus, &o.CurrentBatchID, &o.MatchedRate, &o.MatchedAmount, &o.IsFullyMatched, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanBorrowerOrder(row scanner) (*model.BorrowerOrder, error) {
	var o model.BorrowerOrder
	err := row.Scan(&o.ID, &o.OrderHash, &o.Borrower, &o.LoanToken, &o.PrincipalAmount, &o.MinPrincipal, &o.MaxPrincipal,
		&o.CollateralToken, &o.CollateralAmount, &o.MaxInterestRateBips, &o.MaturityTimestamp, &o.Expiry, &o.Nonce, &o.Signature, &o.ChainID, &o.Execution,
		&o.Status, &o.AVSStatus, &o.CurrentBatchID, &o.MatchedRate, &o.MatchedAmount, &o.IsFullyMatched, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertSignedOrder stores a new lender order. It returns false when a row
// with the same hash or (lender, nonce) already exists.
func (r *OrderRepository) InsertSignedOrder(ctx context.Context, o *model.SignedOrder) (bool, error) {
	n, err := r.execAffected(ctx, `
		INSERT INTO orders (`+signedOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, o.ID, o.OrderHash, o.Lender, o.LoanToken, o.LoanAmount, o.CollateralToken, o.CollateralAmount,
		o.InterestRateBips, o.MaturityTimestamp, o.Expiry, o.Nonce, o.Signature, o.ChainID, o.Execution,
		o.Status, o.AVSStatus, o.CurrentBatchID, o.MatchedRate, o.MatchedAmount, o.IsFullyMatched, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	r.logger.Info("Inserted order",
		zap.String("order_id", o.ID),
		zap.String("order_hash", o.OrderHash),
		zap.String("lender", o.Lender),
		zap.String("avs_status", string(o.AVSStatus)))
	return true, nil
}

// InsertBorrowerOrder stores a new borrower order. It returns false when a
// row with the same hash or (borrower, nonce) already exists.
func (r *OrderRepository) InsertBorrowerOrder(ctx context.Context, o *model.BorrowerOrder) (bool, error) {
	n, err := r.execAffected(ctx, `
		INSERT INTO borrower_orders (`+borrowerOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, o.ID, o.OrderHash, o.Borrower, o.LoanToken, o.PrincipalAmount, o.MinPrincipal, o.MaxPrincipal,
		o.CollateralToken, o.CollateralAmount, o.MaxInterestRateBips, o.MaturityTimestamp, o.Expiry, o.Nonce, o.Signature, o.ChainID, o.Execution,
		o.Status, o.AVSStatus, o.CurrentBatchID, o.MatchedRate, o.MatchedAmount, o.IsFullyMatched, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert borrower order: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	r.logger.Info("Inserted borrower order",
		zap.String("order_id", o.ID),
		zap.String("order_hash", o.OrderHash),
		zap.String("borrower", o.Borrower),
		zap.String("avs_status", string(o.AVSStatus)))
	return true, nil
}

func (r *OrderRepository) GetSignedOrder(ctx context.Context, id string) (*model.SignedOrder, error) {
	o, err := scanSignedOrder(r.queryRow(ctx, `SELECT `+signedOrderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) GetSignedOrderByHash(ctx context.Context, hash string) (*model.SignedOrder, error) {
	o, err := scanSignedOrder(r.queryRow(ctx, `SELECT `+signedOrderColumns+` FROM orders WHERE order_hash = ?`, hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by hash: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) GetBorrowerOrder(ctx context.Context, id string) (*model.BorrowerOrder, error) {
	o, err := scanBorrowerOrder(r.queryRow(ctx, `SELECT `+borrowerOrderColumns+` FROM borrower_orders WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get borrower order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) GetBorrowerOrderByHash(ctx context.Context, hash string) (*model.BorrowerOrder, error) {
	o, err := scanBorrowerOrder(r.queryRow(ctx, `SELECT `+borrowerOrderColumns+` FROM borrower_orders WHERE order_hash = ?`, hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get borrower order by hash: %w", err)
	}
	return o, nil
}

func filterClause(f model.OrderFilter, ownerColumn string) (string, []any) {
	var conds []string
	var args []any
	if f.Owner != "" {
		conds = append(conds, ownerColumn+" = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.AVSStatus != "" {
		conds = append(conds, "avs_status = ?")
		args = append(args, f.AVSStatus)
	}
	if f.BatchID != "" {
		conds = append(conds, "current_batch_id = ?")
		args = append(args, f.BatchID)
	}

	clause := ""
	if len(conds) > 0 {
		clause = " WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return clause, args
}

func (r *OrderRepository) ListSignedOrders(ctx context.Context, f model.OrderFilter) ([]*model.SignedOrder, error) {
	clause, args := filterClause(f, "lender")
	rows, err := r.query(ctx, `SELECT `+signedOrderColumns+` FROM orders`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*model.SignedOrder{}
	for rows.Next() {
		o, err := scanSignedOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) ListBorrowerOrders(ctx context.Context, f model.OrderFilter) ([]*model.BorrowerOrder, error) {
	clause, args := filterClause(f, "borrower")
	rows, err := r.query(ctx, `SELECT `+borrowerOrderColumns+` FROM borrower_orders`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list borrower orders: %w", err)
	}
	defer rows.Close()

	orders := []*model.BorrowerOrder{}
	for rows.Next() {
		o, err := scanBorrowerOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan borrower order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// NonceUsed reports whether owner already signed an order with this nonce.
func (r *OrderRepository) NonceUsed(ctx context.Context, side model.Side, owner, nonce string) (bool, error) {
	table, ownerColumn, err := sideTable(side)
	if err != nil {
		return false, err
	}
	var count int
	err = r.queryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+ownerColumn+` = ? AND nonce = ?`, owner, nonce).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return count > 0, nil
}

// Cancel marks a pending order cancelled unless a batch currently holds it.
// It returns the number of rows changed so callers can tell a lost race.
func (r *OrderRepository) Cancel(ctx context.Context, side model.Side, id string, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending' AND avs_status NOT IN ('pending_match', 'matched')
	`, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel order: %w", err)
	}
	return n, nil
}

// AssignToBatch moves a single submitted, unassigned order into a batch.
func (r *OrderRepository) AssignToBatch(ctx context.Context, side model.Side, id, batchID string, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET avs_status = 'pending_match', current_batch_id = ?, updated_at = ?
		WHERE id = ? AND avs_status = 'submitted' AND current_batch_id IS NULL
	`, batchID, now, id)
	if err != nil {
		return 0, fmt.Errorf("failed to assign order to batch: %w", err)
	}
	return n, nil
}

const eligiblePredicate = `status = 'pending' AND avs_status = 'submitted' AND current_batch_id IS NULL AND expiry > ?`

// CountEligible counts orders that the next batch transition would claim.
func (r *OrderRepository) CountEligible(ctx context.Context, side model.Side, now time.Time) (int, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	var count int
	err = r.queryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+eligiblePredicate, now.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count eligible orders: %w", err)
	}
	return count, nil
}

// ClaimEligible assigns every eligible order to batchID in one predicate
// update, so an order already claimed elsewhere is never taken twice.
func (r *OrderRepository) ClaimEligible(ctx context.Context, side model.Side, batchID string, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET avs_status = 'pending_match', current_batch_id = ?, updated_at = ?
		WHERE `+eligiblePredicate, batchID, now, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to claim eligible orders: %w", err)
	}
	return n, nil
}

// SetMatch records the matched terms of an order held by batchID.
func (r *OrderRepository) SetMatch(ctx context.Context, side model.Side, id, batchID, matchedAmount string, matchedRate int64, fullyMatched bool, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET avs_status = 'matched', matched_amount = ?, matched_rate = ?, is_fully_matched = ?, updated_at = ?
		WHERE id = ? AND current_batch_id = ? AND avs_status IN ('pending_match', 'matched')
	`, matchedAmount, matchedRate, fullyMatched, now, id, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to set order match: %w", err)
	}
	return n, nil
}

// MarkBatchExecuted finalises the matched orders of a settled batch.
func (r *OrderRepository) MarkBatchExecuted(ctx context.Context, side model.Side, batchID string, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET avs_status = 'executed', status = 'executed', updated_at = ?
		WHERE current_batch_id = ? AND avs_status = 'matched'
	`, now, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark batch orders executed: %w", err)
	}
	return n, nil
}

// ReleaseBatch returns the orders held by batchID to the unbatched pool.
// With onlyUnmatched set, matched orders are left in place.
func (r *OrderRepository) ReleaseBatch(ctx context.Context, side model.Side, batchID string, onlyUnmatched bool, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	held := `'pending_match', 'matched'`
	if onlyUnmatched {
		held = `'pending_match'`
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET avs_status = 'submitted', current_batch_id = NULL,
			matched_amount = NULL, matched_rate = NULL, is_fully_matched = NULL, updated_at = ?
		WHERE current_batch_id = ? AND avs_status IN (`+held+`)
	`, now, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to release batch orders: %w", err)
	}

	r.logger.Info("Released batch orders",
		zap.String("batch_id", batchID),
		zap.String("side", string(side)),
		zap.Int64("count", n))
	return n, nil
}

// MarkExecutedByHash closes a pending order filled directly on-chain.
func (r *OrderRepository) MarkExecutedByHash(ctx context.Context, side model.Side, orderHash string, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET status = 'executed',
			avs_status = CASE WHEN avs_status = 'matched' THEN 'executed' ELSE avs_status END,
			updated_at = ?
		WHERE order_hash = ? AND status = 'pending'
	`, now, orderHash)
	if err != nil {
		return 0, fmt.Errorf("failed to mark order executed: %w", err)
	}
	return n, nil
}

// ExpireOrders marks pending orders past their expiry as expired. Orders
// held by a batch are left for the batch to resolve.
func (r *OrderRepository) ExpireOrders(ctx context.Context, side model.Side, now time.Time) (int64, error) {
	table, _, err := sideTable(side)
	if err != nil {
		return 0, err
	}
	n, err := r.execAffected(ctx, `
		UPDATE `+table+`
		SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND expiry <= ? AND avs_status NOT IN ('pending_match', 'matched')
	`, now, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire orders: %w", err)
	}
	return n, nil
}
