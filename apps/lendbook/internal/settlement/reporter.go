// Package settlement applies externally observed events to the order, batch
// and loan tables. Every event is applied in one transaction and recorded in
// applied_events, so redelivery of the same event id is a no-op.
package settlement

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
	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/metrics"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event was valid but the state already reflects it.
	OutcomeIgnored Outcome = "ignored"
)

type Reporter struct {
	db      *repository.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewReporter(db *repository.Store, m *metrics.Metrics, logger *zap.Logger) *Reporter {
	return &Reporter{
		db:      db,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reporter) SetClock(now func() time.Time) { r.now = now }

// Apply applies msg exactly once. Errors roll the whole event back.
func (r *Reporter) Apply(ctx context.Context, msg events.Message) (Outcome, error) {
	kind := msg.Event.Kind()
	outcome := OutcomeApplied

	err := r.db.InTx(ctx, func(repos *repository.Repositories) error {
		fresh, err := repos.Outbox.RecordApplied(ctx, msg.ID, string(kind), r.now())
		if err != nil {
			return err
		}
		if !fresh {
			outcome = OutcomeDuplicate
			return nil
		}

		switch ev := msg.Event.(type) {
		case *events.BatchCreated:
			outcome, err = r.batchCreated(ctx, repos, msg, ev)
		case *events.BatchMatched:
			outcome, err = r.batchMatched(ctx, repos, ev)
		case *events.BatchExecuted:
			outcome, err = r.batchExecuted(ctx, repos, msg, ev)
		case *events.BatchFailed:
			outcome, err = r.batchFailed(ctx, repos, ev)
		case *events.LoanCreated:
			outcome, err = r.loanCreated(ctx, repos, msg, ev)
		case *events.LoanRepaid:
			outcome, err = r.loanClosed(ctx, repos, ev.LoanID, model.LoanStatusRepaid, ev.TxHash, msg.OccurredAt)
		case *events.LoanLiquidated:
			outcome, err = r.loanClosed(ctx, repos, ev.LoanID, model.LoanStatusLiquidated, ev.TxHash, msg.OccurredAt)
		case *events.OrderFilled:
			outcome, err = r.orderFilled(ctx, repos, ev)
		default:
			err = fmt.Errorf("%w: %s events are not applied here", model.ErrValidation, kind)
		}
		return err
	})
	if err != nil {
		r.metrics.SettlementEvent(string(kind), "rejected")
		r.logger.Warn("Rejected settlement event", zap.String("event_id", msg.ID), zap.String("kind", string(kind)), zap.Error(err))
		return "", err
	}

	r.metrics.SettlementEvent(string(kind), string(outcome))
	r.logger.Info("Processed settlement event", zap.String("event_id", msg.ID), zap.String("kind", string(kind)), zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *Reporter) batchCreated(ctx context.Context, repos *repository.Repositories, msg events.Message, ev *events.BatchCreated) (Outcome, error) {
	existing, err := repos.Batches.Get(ctx, ev.BatchID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return OutcomeIgnored, nil
	}

	created, err := repos.Batches.InsertCollecting(ctx, ev.BatchID, msg.OccurredAt)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: another batch is already collecting", model.ErrInvalidStateTransition)
	}
	return OutcomeApplied, nil
}

func addAmount(current *string, delta *big.Int) *big.Int {
	total := new(big.Int).Set(delta)
	if current != nil {
		if v, ok := model.ParseAmount(*current); ok {
			total.Add(total, v)
		}
	}
	return total
}

func heldBy(state *model.BatchState, batchID string) bool {
	return state.CurrentBatchID != nil && *state.CurrentBatchID == batchID && state.AVSStatus.LockedInBatch()
}

func (r *Reporter) batchMatched(ctx context.Context, repos *repository.Repositories, ev *events.BatchMatched) (Outcome, error) {
	b, err := repos.Batches.GetForUpdate(ctx, ev.BatchID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%w: batch %s", model.ErrNotFound, ev.BatchID)
	}
	if b.Status != model.BatchStatusMatching {
		if b.Status.Reached(model.BatchStatusExecuting) {
			return OutcomeIgnored, nil
		}
		return "", fmt.Errorf("%w: batch %s is %s", model.ErrInvalidStateTransition, b.ID, b.Status)
	}

	now := r.now()
	volume := new(big.Int)
	weightedRate := new(big.Int)

	for i, m := range ev.Matches {
		amount, _ := model.ParseAmount(m.MatchedAmount)

		lender, err := repos.Orders.GetSignedOrder(ctx, m.LenderOrderID)
		if err != nil {
			return "", err
		}
		borrower, err := repos.Orders.GetBorrowerOrder(ctx, m.BorrowerOrderID)
		if err != nil {
			return "", err
		}
		if lender == nil || !heldBy(&lender.BatchState, b.ID) {
			return "", fmt.Errorf("%w: match %d: lender order %s is not held by batch %s", model.ErrInvalidStateTransition, i, m.LenderOrderID, b.ID)
		}
		if borrower == nil || !heldBy(&borrower.BatchState, b.ID) {
			return "", fmt.Errorf("%w: match %d: borrower order %s is not held by batch %s", model.ErrInvalidStateTransition, i, m.BorrowerOrderID, b.ID)
		}
		if m.MatchedRate < lender.InterestRateBips || m.MatchedRate > borrower.MaxInterestRateBips {
			return "", fmt.Errorf("%w: match %d: rate %d outside [%d, %d]", model.ErrValidation, i, m.MatchedRate, lender.InterestRateBips, borrower.MaxInterestRateBips)
		}

		lenderTotal := addAmount(lender.MatchedAmount, amount)
		lenderCap, _ := model.ParseAmount(lender.LoanAmount)
		if lenderTotal.Cmp(lenderCap) > 0 {
			return "", fmt.Errorf("%w: match %d: lender order %s over-matched", model.ErrValidation, i, lender.ID)
		}
		borrowerTotal := addAmount(borrower.MatchedAmount, amount)
		borrowerCap, _ := model.ParseAmount(borrower.MaxPrincipal)
		if borrowerTotal.Cmp(borrowerCap) > 0 {
			return "", fmt.Errorf("%w: match %d: borrower order %s over-matched", model.ErrValidation, i, borrower.ID)
		}

		if n, err := repos.Orders.SetMatch(ctx, model.SideLender, lender.ID, b.ID, lenderTotal.String(), m.MatchedRate, m.LenderFullyMatched, now); err != nil {
			return "", err
		} else if n != 1 {
			return "", fmt.Errorf("%w: match %d: lender order %s changed concurrently", model.ErrInvalidStateTransition, i, lender.ID)
		}
		if n, err := repos.Orders.SetMatch(ctx, model.SideBorrower, borrower.ID, b.ID, borrowerTotal.String(), m.MatchedRate, m.BorrowerFullyMatched, now); err != nil {
			return "", err
		} else if n != 1 {
			return "", fmt.Errorf("%w: match %d: borrower order %s changed concurrently", model.ErrInvalidStateTransition, i, borrower.ID)
		}

		for _, side := range []struct {
			side    model.Side
			orderID string
			full    bool
		}{
			{model.SideLender, lender.ID, m.LenderFullyMatched},
			{model.SideBorrower, borrower.ID, m.BorrowerFullyMatched},
		} {
			if err := repos.Batches.InsertMatch(ctx, &model.BatchOrderMatch{
				ID:              uuid.NewString(),
				BatchID:         b.ID,
				MatchIndex:      i,
				Side:            side.side,
				OrderID:         side.orderID,
				LenderOrderID:   lender.ID,
				BorrowerOrderID: borrower.ID,
				MatchedAmount:   amount.String(),
				MatchedRate:     m.MatchedRate,
				IsFullyMatched:  side.full,
				MatchScore:      m.Score,
				CreatedAt:       now,
			}); err != nil {
				return "", err
			}
		}

		volume.Add(volume, amount)
		weightedRate.Add(weightedRate, new(big.Int).Mul(amount, big.NewInt(m.MatchedRate)))
	}

	avgRate, _ := new(big.Float).Quo(new(big.Float).SetInt(weightedRate), new(big.Float).SetInt(volume)).Float64()
	n, err := repos.Batches.MarkExecuting(ctx, b.ID, len(ev.Matches), volume.String(), avgRate, now)
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("%w: batch %s left matching concurrently", model.ErrInvalidStateTransition, b.ID)
	}
	r.metrics.BatchTransition(string(model.BatchStatusExecuting))
	return OutcomeApplied, nil
}

func (r *Reporter) batchExecuted(ctx context.Context, repos *repository.Repositories, msg events.Message, ev *events.BatchExecuted) (Outcome, error) {
	b, err := repos.Batches.GetForUpdate(ctx, ev.BatchID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%w: batch %s", model.ErrNotFound, ev.BatchID)
	}
	switch b.Status {
	case model.BatchStatusCompleted:
		return OutcomeIgnored, nil
	case model.BatchStatusExecuting:
	default:
		return "", fmt.Errorf("%w: batch %s is %s", model.ErrInvalidStateTransition, b.ID, b.Status)
	}

	now := r.now()
	for _, side := range []model.Side{model.SideLender, model.SideBorrower} {
		if _, err := repos.Orders.MarkBatchExecuted(ctx, side, b.ID, now); err != nil {
			return "", err
		}
	}
	if _, err := batch.ReleaseOrders(ctx, repos, b.ID, true, now); err != nil {
		return "", err
	}

	for _, terms := range ev.Loans {
		loan, err := loanFromTerms(terms, b.ID, ev.TxHash, msg.OccurredAt, now)
		if err != nil {
			return "", err
		}
		if _, err := repos.Loans.InsertLoan(ctx, loan); err != nil {
			return "", err
		}
	}

	n, err := repos.Batches.MarkCompleted(ctx, b.ID, ev.TxHash, now)
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("%w: batch %s left executing concurrently", model.ErrInvalidStateTransition, b.ID)
	}
	r.metrics.BatchTransition(string(model.BatchStatusCompleted))
	return OutcomeApplied, nil
}

// checksum stores addresses in EIP-55 form so participant lookups, which
// checksum their input, match regardless of the casing an event used.
func checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

func loanFromTerms(t events.LoanTerms, batchID, txHash string, occurred, now time.Time) (*model.Loan, error) {
	principal, _ := model.ParseAmount(t.LoanAmount)
	rate, _ := model.ParseAmount(t.RatePerSecond)
	start := occurred
	if t.StartTime > 0 {
		start = time.Unix(t.StartTime, 0).UTC()
	}

	loan := &model.Loan{
		LoanID:           t.LoanID,
		BatchID:          &batchID,
		Lender:           checksum(t.Lender),
		Borrower:         checksum(t.Borrower),
		CollateralToken:  checksum(t.CollateralToken),
		CollateralAmount: t.CollateralAmount,
		LoanToken:        checksum(t.LoanToken),
		LoanAmount:       principal.String(),
		RatePerSecond:    rate.String(),
		DurationSeconds:  t.DurationSeconds,
		StartTime:        start,
		EndTime:          start.Add(time.Duration(t.DurationSeconds) * time.Second),
		TotalDebt:        model.AccruedDebt(principal, rate, t.DurationSeconds).String(),
		Status:           model.LoanStatusActive,
		CreationTxHash:   txHash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.LenderOrderID != "" {
		id := t.LenderOrderID
		loan.OrderID = &id
	}
	return loan, nil
}

func (r *Reporter) batchFailed(ctx context.Context, repos *repository.Repositories, ev *events.BatchFailed) (Outcome, error) {
	b, err := repos.Batches.GetForUpdate(ctx, ev.BatchID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%w: batch %s", model.ErrNotFound, ev.BatchID)
	}
	if b.Status == model.BatchStatusFailed {
		return OutcomeIgnored, nil
	}
	if !b.Status.CanTransitionTo(model.BatchStatusFailed) {
		return "", fmt.Errorf("%w: batch %s is %s", model.ErrInvalidStateTransition, b.ID, b.Status)
	}

	now := r.now()
	n, err := repos.Batches.MarkFailed(ctx, b.ID, ev.Reason, now)
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("%w: batch %s changed concurrently", model.ErrInvalidStateTransition, b.ID)
	}
	released, err := batch.ReleaseOrders(ctx, repos, b.ID, false, now)
	if err != nil {
		return "", err
	}

	r.metrics.BatchTransition(string(model.BatchStatusFailed))
	r.logger.Info("Batch failed, orders released",
		zap.String("batch_id", b.ID),
		zap.String("reason", ev.Reason),
		zap.Int64("released", released))
	return OutcomeApplied, nil
}

func (r *Reporter) loanCreated(ctx context.Context, repos *repository.Repositories, msg events.Message, ev *events.LoanCreated) (Outcome, error) {
	now := r.now()
	start := msg.OccurredAt
	if ev.StartTime > 0 {
		start = time.Unix(ev.StartTime, 0).UTC()
	}

	loan := &model.Loan{
		LoanID:          ev.LoanID,
		Borrower:        checksum(ev.Borrower),
		CollateralToken: assets.NativeETH.Hex(),
		LoanToken:       assets.USDCAddress.Hex(),
		StartTime:       start,
		Status:          model.LoanStatusActive,
		CreationTxHash:  ev.TxHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var principal, rate *big.Int
	duration := ev.DurationSeconds

	order, err := repos.Orders.GetSignedOrderByHash(ctx, ev.OrderHash)
	if err != nil {
		return "", err
	}
	if order != nil {
		id := order.ID
		loan.OrderID = &id
		loan.Lender = order.Lender
		loan.LoanToken = order.LoanToken
		loan.CollateralToken = order.CollateralToken
		loan.CollateralAmount = order.CollateralAmount
		principal, _ = model.ParseAmount(order.LoanAmount)
		rate = model.RatePerSecond(order.InterestRateBips)
		if duration <= 0 {
			duration = order.MaturityTimestamp - start.Unix()
		}
		if _, err := repos.Orders.MarkExecutedByHash(ctx, model.SideLender, ev.OrderHash, now); err != nil {
			return "", err
		}
	} else {
		var ok bool
		if principal, ok = model.ParseAmount(ev.PrincipalAmount); !ok {
			return "", fmt.Errorf("%w: order %s is unknown and the event carries no principal", model.ErrValidation, ev.OrderHash)
		}
		if rate, ok = model.ParseAmount(ev.RatePerSecond); !ok {
			rate = new(big.Int)
		}
		loan.Lender = checksum(ev.Lender)
		loan.CollateralAmount = ev.CollateralAmount
		if loan.CollateralAmount == "" {
			loan.CollateralAmount = "0"
		}
	}
	if duration <= 0 {
		return "", fmt.Errorf("%w: loan %s has no positive duration", model.ErrValidation, ev.LoanID)
	}

	loan.LoanAmount = principal.String()
	loan.RatePerSecond = rate.String()
	loan.DurationSeconds = duration
	loan.EndTime = start.Add(time.Duration(duration) * time.Second)
	loan.TotalDebt = model.AccruedDebt(principal, rate, duration).String()

	inserted, err := repos.Loans.InsertLoan(ctx, loan)
	if err != nil {
		return "", err
	}
	if !inserted {
		return OutcomeIgnored, nil
	}
	return OutcomeApplied, nil
}

func (r *Reporter) loanClosed(ctx context.Context, repos *repository.Repositories, loanID string, target model.LoanStatus, txHash string, at time.Time) (Outcome, error) {
	loan, err := repos.Loans.GetLoan(ctx, loanID)
	if err != nil {
		return "", err
	}
	if loan == nil {
		return "", fmt.Errorf("%w: loan %s", model.ErrNotFound, loanID)
	}

	if loan.Status.IsTerminal() {
		if loan.Status != target {
			r.logger.Warn("Ignoring conflicting event for closed loan",
				zap.String("loan_id", loanID),
				zap.String("status", string(loan.Status)),
				zap.String("event_status", string(target)),
				zap.String("tx_hash", txHash))
		}
		return OutcomeIgnored, nil
	}

	var n int64
	switch target {
	case model.LoanStatusRepaid:
		n, err = repos.Loans.MarkRepaid(ctx, loanID, txHash, at)
	case model.LoanStatusLiquidated:
		n, err = repos.Loans.MarkLiquidated(ctx, loanID, txHash, at)
	default:
		return "", fmt.Errorf("unexpected loan status %s", target)
	}
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("%w: loan %s changed concurrently", model.ErrInvalidStateTransition, loanID)
	}
	return OutcomeApplied, nil
}

func (r *Reporter) orderFilled(ctx context.Context, repos *repository.Repositories, ev *events.OrderFilled) (Outcome, error) {
	now := r.now()
	for _, side := range []model.Side{model.SideLender, model.SideBorrower} {
		n, err := repos.Orders.MarkExecutedByHash(ctx, side, ev.OrderHash, now)
		if err != nil {
			return "", err
		}
		if n > 0 {
			return OutcomeApplied, nil
		}
	}
	return OutcomeIgnored, nil
}

// IsRetryable reports whether a failed Apply may succeed on redelivery.
// Validation and state conflicts are permanent; a loan event that arrives
// before its loan exists is not.
func IsRetryable(err error) bool {
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrInvalidStateTransition) {
		return false
	}
	return true
}
