package model

import "math/big"

const SecondsPerYear = 365 * 24 * 60 * 60

var (
	// WAD is the 1e18 fixed-point scale used by the contracts.
	WAD     = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	bipsDen = big.NewInt(10_000 * SecondsPerYear)
)

// RatePerSecond converts an annual rate in basis points to the contract's
// per-second WAD rate, truncating like the on-chain integer division.
func RatePerSecond(bips int64) *big.Int {
	r := new(big.Int).Mul(big.NewInt(bips), WAD)
	return r.Quo(r, bipsDen)
}

// AccruedDebt returns principal + principal*rate*elapsed/1e18.
func AccruedDebt(principal, ratePerSecond *big.Int, elapsed int64) *big.Int {
	if elapsed < 0 {
		elapsed = 0
	}
	interest := new(big.Int).Mul(principal, ratePerSecond)
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, WAD)
	return interest.Add(interest, principal)
}

// ParseAmount parses a base-10 base-unit amount.
func ParseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}
