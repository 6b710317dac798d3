package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecayedBalance computes the account's balance after demurrage as of
// the given time, without mutating the account.
//
// The function is monotonic and idempotent in `at`: computing it twice
// with the same inputs yields the same result, and computing it at a
// later time can only yield a smaller or equal value. There is no
// double-decay risk because the stored balance is only rewritten
// together with a fresh LastActivityAt.
func DecayedBalance(a *Account, at time.Time, p DecayPolicy) decimal.Decimal {
	if a.IsLiquidityProvider {
		return a.Balance
	}

	elapsed := at.Sub(a.LastActivityAt)
	if elapsed <= p.GracePeriod {
		return a.Balance
	}

	decayHours := decimal.NewFromFloat((elapsed - p.GracePeriod).Hours())

	rate := p.HourlyRate
	if a.hasBalancedFiatHistory(p) {
		rate = rate.Div(decimal.NewFromInt(2))
	}

	fraction := rate.Mul(decayHours)
	if fraction.GreaterThan(p.MaxDecayFraction) {
		fraction = p.MaxDecayFraction
	}

	// Balances are whole smallest-unit amounts; round the survivor down.
	return a.Balance.Mul(decimal.NewFromInt(1).Sub(fraction)).Floor()
}

// hasBalancedFiatHistory reports whether the account's lifetime
// offramp/onramp ratio indicates balanced, non-speculative usage.
// Accounts that never onramped do not qualify.
func (a *Account) hasBalancedFiatHistory(p DecayPolicy) bool {
	if !a.LifetimeFiatOnramped.IsPositive() {
		return false
	}
	ratio := a.FiatActivityRatio()
	return ratio.GreaterThanOrEqual(p.BalancedRatioMin) && ratio.LessThanOrEqual(p.BalancedRatioMax)
}
