package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DecayPolicy holds the demurrage parameters applied to idle balances.
type DecayPolicy struct {
	GracePeriod time.Duration // no decay within this window after last activity

	// HourlyRate is the fraction of balance lost per hour past the grace
	// period, e.g. 0.001 for 0.1%/hour.
	HourlyRate decimal.Decimal

	// MaxDecayFraction caps the total fraction a balance can lose to
	// decay. Must stay in (0, 1] so decay can never drive a balance
	// negative.
	MaxDecayFraction decimal.Decimal

	// Accounts whose fiat offramp/onramp ratio falls inside
	// [BalancedRatioMin, BalancedRatioMax] are treated as non-speculative
	// and decay at half rate.
	BalancedRatioMin decimal.Decimal
	BalancedRatioMax decimal.Decimal
}

// DefaultDecayPolicy returns the standard demurrage parameters:
// 24h grace, 0.1%/hour, capped at 50% total loss, half-rate for
// accounts with a balanced fiat history.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		GracePeriod:      24 * time.Hour,
		HourlyRate:       decimal.RequireFromString("0.001"),
		MaxDecayFraction: decimal.RequireFromString("0.5"),
		BalancedRatioMin: decimal.RequireFromString("0.25"),
		BalancedRatioMax: decimal.RequireFromString("1.5"),
	}
}

// Validate checks the policy parameters are internally consistent.
func (p DecayPolicy) Validate() error {
	if p.GracePeriod < 0 {
		return errors.New("grace period cannot be negative")
	}
	if p.HourlyRate.IsNegative() {
		return errors.New("hourly decay rate cannot be negative")
	}
	if p.MaxDecayFraction.LessThanOrEqual(decimal.Zero) || p.MaxDecayFraction.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("max decay fraction must be in (0, 1]")
	}
	if p.BalancedRatioMin.GreaterThan(p.BalancedRatioMax) {
		return errors.New("balanced ratio bounds are inverted")
	}
	return nil
}

// ThrottlePolicy holds the anti-speculation parameters.
type ThrottlePolicy struct {
	// Window is the rolling window over which recent onramp and transfer
	// activity is summed.
	Window time.Duration

	// BackingMultiplier: a transfer larger than this multiple of the
	// account's recent fiat onramp total is rejected outright.
	BackingMultiplier decimal.Decimal

	// VelocityThreshold: recent transfer volume above this value without
	// proportional fiat activity throttles the intent.
	VelocityThreshold decimal.Decimal

	// ProportionalityFactor: velocity is considered backed when recent
	// onramp total times this factor covers it.
	ProportionalityFactor decimal.Decimal

	// PenaltyRate is applied to the transfer amount when a throttled
	// intent is eventually approved.
	PenaltyRate decimal.Decimal

	// WaitLimit bounds how long an intent may sit in Throttled before it
	// is rejected automatically.
	WaitLimit time.Duration
}

// DefaultThrottlePolicy returns the standard anti-speculation parameters.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		Window:                24 * time.Hour,
		BackingMultiplier:     decimal.NewFromInt(2),
		VelocityThreshold:     decimal.NewFromInt(10000),
		ProportionalityFactor: decimal.NewFromInt(1),
		PenaltyRate:           decimal.RequireFromString("0.02"),
		WaitLimit:             48 * time.Hour,
	}
}

// RelayPolicy holds the cross-chain relay parameters.
type RelayPolicy struct {
	QuorumThreshold int           // distinct validator signatures required
	TimeoutWindow   time.Duration // Collecting messages older than this expire
	FeeAccountID    string        // penalty fees are credited here
}

// DefaultRelayPolicy returns the standard relay parameters.
func DefaultRelayPolicy() RelayPolicy {
	return RelayPolicy{
		QuorumThreshold: 2,
		TimeoutWindow:   time.Hour,
		FeeAccountID:    "system:fees",
	}
}

// Validate checks the relay parameters.
func (p RelayPolicy) Validate() error {
	if p.QuorumThreshold < 1 {
		return errors.New("quorum threshold must be at least 1")
	}
	if p.TimeoutWindow <= 0 {
		return errors.New("timeout window must be positive")
	}
	if p.FeeAccountID == "" {
		return errors.New("fee account id cannot be empty")
	}
	return nil
}
