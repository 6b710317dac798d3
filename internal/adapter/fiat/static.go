// Package fiat provides the configuration-backed gateway collaborators
// shipped with the binary: a fixed conversion rate and an allowlist
// compliance provider. Production deployments swap these for real
// KYC and market-data integrations behind the same interfaces.
package fiat

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// FixedRateOracle returns the same conversion rate for every call.
type FixedRateOracle struct {
	rate decimal.Decimal
}

// NewFixedRateOracle creates an oracle pinned to the given rate.
func NewFixedRateOracle(rate decimal.Decimal) *FixedRateOracle {
	return &FixedRateOracle{rate: rate}
}

// TokensPerFiat implements gateway.RateOracle.
func (o *FixedRateOracle) TokensPerFiat(_ context.Context) (decimal.Decimal, error) {
	return o.rate, nil
}

// AllowlistCompliance marks the configured accounts as Verified and
// everyone else as Unverified.
type AllowlistCompliance struct {
	verified map[string]struct{}
}

// NewAllowlistCompliance creates a compliance provider from an account
// allowlist.
func NewAllowlistCompliance(verifiedAccounts []string) *AllowlistCompliance {
	verified := make(map[string]struct{}, len(verifiedAccounts))
	for _, id := range verifiedAccounts {
		verified[id] = struct{}{}
	}
	return &AllowlistCompliance{verified: verified}
}

// StatusFor implements gateway.ComplianceProvider.
func (c *AllowlistCompliance) StatusFor(_ context.Context, accountID string) (domain.ComplianceStatus, error) {
	if _, ok := c.verified[accountID]; ok {
		return domain.ComplianceVerified, nil
	}
	return domain.ComplianceUnverified, nil
}
