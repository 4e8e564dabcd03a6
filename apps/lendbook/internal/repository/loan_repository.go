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

type LoanRepository struct {
	conn
	logger *zap.Logger
}

const loanColumns = `loan_id, order_id, batch_id, lender, borrower, collateral_token, collateral_amount, loan_token, loan_amount,
	rate_per_second, duration_seconds, start_time, end_time, total_debt, status, creation_tx_hash,
	repayment_tx_hash, repaid_at, liquidation_tx_hash, liquidated_at, created_at, updated_at`

func scanLoan(row scanner) (*model.Loan, error) {
	var l model.Loan
	err := row.Scan(&l.LoanID, &l.OrderID, &l.BatchID, &l.Lender, &l.Borrower, &l.CollateralToken, &l.CollateralAmount, &l.LoanToken, &l.LoanAmount,
		&l.RatePerSecond, &l.DurationSeconds, &l.StartTime, &l.EndTime, &l.TotalDebt, &l.Status, &l.CreationTxHash,
		&l.RepaymentTxHash, &l.RepaidAt, &l.LiquidationTxHash, &l.LiquidatedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// InsertLoan stores a loan created on-chain. Loan ids come from the contract,
// so a second insert of the same id is a redelivery and returns false.
func (r *LoanRepository) InsertLoan(ctx context.Context, l *model.Loan) (bool, error) {
	n, err := r.execAffected(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (loan_id) DO NOTHING
	`, l.LoanID, l.OrderID, l.BatchID, l.Lender, l.Borrower, l.CollateralToken, l.CollateralAmount, l.LoanToken, l.LoanAmount,
		l.RatePerSecond, l.DurationSeconds, l.StartTime, l.EndTime, l.TotalDebt, l.Status, l.CreationTxHash,
		l.RepaymentTxHash, l.RepaidAt, l.LiquidationTxHash, l.LiquidatedAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert loan: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	r.logger.Info("Inserted loan",
		zap.String("loan_id", l.LoanID),
		zap.String("lender", l.Lender),
		zap.String("borrower", l.Borrower),
		zap.String("tx_hash", l.CreationTxHash))
	return true, nil
}

func (r *LoanRepository) GetLoan(ctx context.Context, loanID string) (*model.Loan, error) {
	l, err := scanLoan(r.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE loan_id = ?`, loanID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

func (r *LoanRepository) ListLoans(ctx context.Context, f model.LoanFilter) ([]*model.Loan, error) {
	var conds []string
	var args []any
	if f.Lender != "" {
		conds = append(conds, "lender = ?")
		args = append(args, f.Lender)
	}
	if f.Borrower != "" {
		conds = append(conds, "borrower = ?")
		args = append(args, f.Borrower)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY start_time DESC, loan_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	loans := []*model.Loan{}
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// ListByParticipant returns loans where wallet is lender or borrower.
func (r *LoanRepository) ListByParticipant(ctx context.Context, wallet string) ([]*model.Loan, error) {
	rows, err := r.query(ctx, `
		SELECT `+loanColumns+` FROM loans
		WHERE lender = ? OR borrower = ?
		ORDER BY start_time DESC, loan_id
	`, wallet, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans by participant: %w", err)
	}
	defer rows.Close()

	loans := []*model.Loan{}
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// MarkRepaid closes an active loan as repaid.
func (r *LoanRepository) MarkRepaid(ctx context.Context, loanID, txHash string, at time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE loans
		SET status = 'repaid', repayment_tx_hash = ?, repaid_at = ?, updated_at = ?
		WHERE loan_id = ? AND status = 'active'
	`, txHash, at, at, loanID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark loan repaid: %w", err)
	}
	return n, nil
}

// MarkLiquidated closes an active loan as liquidated.
func (r *LoanRepository) MarkLiquidated(ctx context.Context, loanID, txHash string, at time.Time) (int64, error) {
	n, err := r.execAffected(ctx, `
		UPDATE loans
		SET status = 'liquidated', liquidation_tx_hash = ?, liquidated_at = ?, updated_at = ?
		WHERE loan_id = ? AND status = 'active'
	`, txHash, at, at, loanID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark loan liquidated: %w", err)
	}
	return n, nil
}
