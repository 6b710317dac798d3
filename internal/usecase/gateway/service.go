// Package gateway bridges external fiat settlement events into ledger
// mint/burn operations, gated by the account's compliance status.
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// ComplianceProvider supplies each account's KYC status. The gateway
// only consumes the verdict; computing it is an external concern.
type ComplianceProvider interface {
	StatusFor(ctx context.Context, accountID string) (domain.ComplianceStatus, error)
}

// RateOracle supplies the fiat-to-token conversion rate. The gateway
// treats it as an opaque input and is not responsible for accuracy or
// staleness.
type RateOracle interface {
	// TokensPerFiat returns how many smallest token units one fiat unit
	// buys at this moment.
	TokensPerFiat(ctx context.Context) (decimal.Decimal, error)
}

// Ledger is the mint/burn surface the gateway drives.
type Ledger interface {
	Mint(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)
	Burn(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)
	RecordFiatActivity(ctx context.Context, accountID string, onrampDelta, offrampDelta decimal.Decimal) error
}

// Service orchestrates onramp and offramp conversions.
type Service struct {
	ledger     Ledger
	compliance ComplianceProvider
	oracle     RateOracle
	logger     *zap.Logger
}

// NewService creates a gateway service.
func NewService(ledger Ledger, compliance ComplianceProvider, oracle RateOracle, logger *zap.Logger) *Service {
	return &Service{
		ledger:     ledger,
		compliance: compliance,
		oracle:     oracle,
		logger:     logger,
	}
}

// OnrampReceipt reports the result of a processed fiat deposit.
type OnrampReceipt struct {
	AccountID     string
	FiatAmount    decimal.Decimal
	TokensMinted  decimal.Decimal
	TokensPerFiat decimal.Decimal
}

// OfframpReceipt reports the result of a processed token withdrawal.
// FiatAmount is what the external settlement rail must pay out.
type OfframpReceipt struct {
	AccountID     string
	TokensBurned  decimal.Decimal
	FiatAmount    decimal.Decimal
	TokensPerFiat decimal.Decimal
}

// ProcessOnramp converts a validated fiat deposit into minted tokens.
// The ledger is not touched until both the compliance gate and the
// rate lookup have succeeded.
func (s *Service) ProcessOnramp(ctx context.Context, accountID string, fiatAmount decimal.Decimal) (*OnrampReceipt, error) {
	if !fiatAmount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	status, err := s.compliance.StatusFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("compliance lookup failed for %s: %w", accountID, err)
	}
	if status != domain.ComplianceVerified {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrComplianceRequired, accountID, status)
	}

	rate, err := s.oracle.TokensPerFiat(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange rate lookup failed: %w", err)
	}

	tokens := fiatAmount.Mul(rate).Floor()
	if !tokens.IsPositive() {
		return nil, fmt.Errorf("%w: %s fiat converts to zero tokens at rate %s",
			domain.ErrInvalidAmount, fiatAmount, rate)
	}

	if _, err := s.ledger.Mint(ctx, accountID, tokens); err != nil {
		return nil, err
	}
	if err := s.ledger.RecordFiatActivity(ctx, accountID, fiatAmount, decimal.Zero); err != nil {
		return nil, err
	}

	s.logger.Info("onramp processed",
		zap.String("account", accountID),
		zap.String("fiat", fiatAmount.String()),
		zap.String("tokens", tokens.String()),
	)
	return &OnrampReceipt{
		AccountID:     accountID,
		FiatAmount:    fiatAmount,
		TokensMinted:  tokens,
		TokensPerFiat: rate,
	}, nil
}

// ProcessOfframp burns tokens and returns the fiat-equivalent amount
// for external settlement. The rate is fetched before the burn so an
// oracle failure can never leave a partial burn behind;
// ErrInsufficientBalance propagates from the ledger after decay is
// settled.
func (s *Service) ProcessOfframp(ctx context.Context, accountID string, tokenAmount decimal.Decimal) (*OfframpReceipt, error) {
	if !tokenAmount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	rate, err := s.oracle.TokensPerFiat(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange rate lookup failed: %w", err)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("exchange rate oracle returned non-positive rate %s", rate)
	}

	if _, err := s.ledger.Burn(ctx, accountID, tokenAmount); err != nil {
		return nil, err
	}

	fiat := tokenAmount.Div(rate).RoundDown(2)
	if err := s.ledger.RecordFiatActivity(ctx, accountID, decimal.Zero, fiat); err != nil {
		return nil, err
	}

	s.logger.Info("offramp processed",
		zap.String("account", accountID),
		zap.String("tokens", tokenAmount.String()),
		zap.String("fiat", fiat.String()),
	)
	return &OfframpReceipt{
		AccountID:     accountID,
		TokensBurned:  tokenAmount,
		FiatAmount:    fiat,
		TokensPerFiat: rate,
	}, nil
}
