// Package health projects active loans onto a collateral price and reports
// the ones below the liquidation threshold. It never mutates state.
package health

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/holiman/uint256"
	"lendbook/apps/lendbook/internal/config"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/oracle"
)

var (
	wad       = uint256.NewInt(1_000_000_000_000_000_000)
	weiPerEth = new(big.Float).SetInt(model.WAD)
	// loan tokens are 6-decimal stablecoins
	debtScale = new(big.Float).SetInt64(1_000_000)
)

// LoanLister is satisfied by *repository.LoanRepository.
type LoanLister interface {
	ListLoans(ctx context.Context, f model.LoanFilter) ([]*model.Loan, error)
}

// Position is a loan valued at a given ETH price.
type Position struct {
	Loan               *model.Loan `json:"loan"`
	CurrentDebt        string      `json:"current_debt"`
	CollateralValueUSD float64     `json:"collateral_value_usd"`
	DebtValueUSD       float64     `json:"debt_value_usd"`
	HealthFactor       float64     `json:"health_factor"`
	LiquidationPrice   float64     `json:"liquidation_price"`
}

type Query struct {
	loans  LoanLister
	policy config.HealthPolicy
	prices oracle.PriceSource
	now    func() time.Time
}

func NewQuery(loans LoanLister, policy config.HealthPolicy, prices oracle.PriceSource) *Query {
	return &Query{
		loans:  loans,
		policy: policy,
		prices: prices,
		now:    time.Now,
	}
}

func (q *Query) SetClock(now func() time.Time) { q.now = now }

func (q *Query) Policy() config.HealthPolicy { return q.policy }

// CurrentPrice asks the configured price source.
func (q *Query) CurrentPrice(ctx context.Context) (float64, error) {
	if q.prices == nil {
		return 0, fmt.Errorf("%w: no price source configured", model.ErrUpstreamFailure)
	}
	return q.prices.ETHPriceUSD(ctx)
}

// CurrentDebt returns principal + principal*ratePerSecond*min(elapsed, duration)/1e18
// with the contract's 256-bit truncating arithmetic.
func CurrentDebt(principal, ratePerSecond *uint256.Int, elapsed, duration int64) (*uint256.Int, error) {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > duration {
		elapsed = duration
	}

	interest, overflow := new(uint256.Int).MulOverflow(principal, ratePerSecond)
	if overflow {
		return nil, fmt.Errorf("debt accrual overflows uint256")
	}
	if _, overflow = interest.MulOverflow(interest, uint256.NewInt(uint64(elapsed))); overflow {
		return nil, fmt.Errorf("debt accrual overflows uint256")
	}
	interest.Div(interest, wad)

	debt, overflow := new(uint256.Int).AddOverflow(principal, interest)
	if overflow {
		return nil, fmt.Errorf("debt accrual overflows uint256")
	}
	return debt, nil
}

func loanDebt(loan *model.Loan, now time.Time) (*uint256.Int, error) {
	principal, err := uint256.FromDecimal(loan.LoanAmount)
	if err != nil {
		return nil, fmt.Errorf("loan %s: invalid principal %q: %w", loan.LoanID, loan.LoanAmount, err)
	}
	rate, err := uint256.FromDecimal(loan.RatePerSecond)
	if err != nil {
		return nil, fmt.Errorf("loan %s: invalid rate %q: %w", loan.LoanID, loan.RatePerSecond, err)
	}
	elapsed := int64(now.Sub(loan.StartTime) / time.Second)
	debt, err := CurrentDebt(principal, rate, elapsed, loan.DurationSeconds)
	if err != nil {
		return nil, fmt.Errorf("loan %s: %w", loan.LoanID, err)
	}
	return debt, nil
}

// Debt returns the loan's debt accrued up to now.
func (q *Query) Debt(loan *model.Loan) (string, error) {
	debt, err := loanDebt(loan, q.now())
	if err != nil {
		return "", err
	}
	return debt.Dec(), nil
}

// Assess values one loan at ethPriceUSD.
func Assess(loan *model.Loan, ethPriceUSD, liquidationBonus float64, now time.Time) (*Position, error) {
	collateral, ok := new(big.Int).SetString(loan.CollateralAmount, 10)
	if !ok {
		return nil, fmt.Errorf("loan %s: invalid collateral %q", loan.LoanID, loan.CollateralAmount)
	}
	debt, err := loanDebt(loan, now)
	if err != nil {
		return nil, err
	}

	collateralEth := new(big.Float).Quo(new(big.Float).SetInt(collateral), weiPerEth)
	collateralUSD := new(big.Float).Mul(collateralEth, big.NewFloat(ethPriceUSD))
	debtUSD := new(big.Float).Quo(new(big.Float).SetInt(debt.ToBig()), debtScale)

	p := &Position{
		Loan:        loan,
		CurrentDebt: debt.Dec(),
	}
	p.CollateralValueUSD, _ = collateralUSD.Float64()
	p.DebtValueUSD, _ = debtUSD.Float64()

	if debt.IsZero() {
		p.HealthFactor = math.MaxFloat64
	} else {
		p.HealthFactor, _ = new(big.Float).Quo(collateralUSD, debtUSD).Float64()
	}
	if collateral.Sign() > 0 {
		denom := new(big.Float).Mul(collateralEth, big.NewFloat(1+liquidationBonus))
		p.LiquidationPrice, _ = new(big.Float).Quo(debtUSD, denom).Float64()
	}
	return p, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FindLiquidatable returns active loans whose health factor is below
// threshold, most at risk first. A non-positive threshold uses the
// configured default.
func (q *Query) FindLiquidatable(ctx context.Context, ethPriceUSD, threshold float64) ([]*Position, error) {
	if !finite(ethPriceUSD) || ethPriceUSD <= 0 {
		return nil, fmt.Errorf("%w: eth price must be positive and finite", model.ErrValidation)
	}
	if !finite(threshold) {
		return nil, fmt.Errorf("%w: threshold must be finite", model.ErrValidation)
	}
	if threshold <= 0 {
		threshold = q.policy.Threshold
	}

	loans, err := q.loans.ListLoans(ctx, model.LoanFilter{Status: model.LoanStatusActive})
	if err != nil {
		return nil, err
	}

	now := q.now()
	positions := []*Position{}
	for _, loan := range loans {
		p, err := Assess(loan, ethPriceUSD, q.policy.LiquidationBonus, now)
		if err != nil {
			return nil, err
		}
		if p.HealthFactor < threshold {
			positions = append(positions, p)
		}
	}

	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].HealthFactor < positions[j].HealthFactor
	})
	return positions, nil
}
