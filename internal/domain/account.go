package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComplianceStatus is the KYC verdict supplied by the external
// compliance provider. The ledger never computes it, only consumes it.
type ComplianceStatus string

const (
	ComplianceUnverified ComplianceStatus = "UNVERIFIED"
	CompliancePending    ComplianceStatus = "PENDING"
	ComplianceVerified   ComplianceStatus = "VERIFIED"
	ComplianceRejected   ComplianceStatus = "REJECTED"
)

// Account represents one token holder on one chain.
// Accounts are created on first mint and never deleted; zero-balance
// accounts persist for audit history.
type Account struct {
	ID                    string
	Balance               decimal.Decimal // smallest indivisible unit
	LastActivityAt        time.Time       // last balance-affecting operation
	LifetimeFiatOnramped  decimal.Decimal // cumulative fiat converted into tokens
	LifetimeFiatOfframped decimal.Decimal // cumulative fiat converted back out
	IsLiquidityProvider   bool            // fully exempt from decay
}

// NewAccount returns a fresh account with zero balance and counters.
func NewAccount(id string, now time.Time) *Account {
	return &Account{
		ID:                    id,
		Balance:               decimal.Zero,
		LastActivityAt:        now,
		LifetimeFiatOnramped:  decimal.Zero,
		LifetimeFiatOfframped: decimal.Zero,
	}
}

// FiatActivityRatio returns lifetime offramp divided by lifetime onramp,
// with the denominator floored at 1 so new accounts divide cleanly.
func (a *Account) FiatActivityRatio() decimal.Decimal {
	denom := a.LifetimeFiatOnramped
	if denom.LessThan(decimal.NewFromInt(1)) {
		denom = decimal.NewFromInt(1)
	}
	return a.LifetimeFiatOfframped.Div(denom)
}
