package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/keylock"
)

// Service is the authoritative balance bookkeeper. It owns all Account
// mutation: every other component changes balances only through the
// four primitives below, and reads history only through the query
// methods.
//
// Each mutating operation runs its read -> settle decay -> apply delta
// -> write sequence under a per-account lock, so concurrent operations
// on the same account are linearizable while distinct accounts proceed
// in parallel.
type Service struct {
	accounts    domain.AccountRepository
	activity    domain.ActivityRepository
	settlements domain.SettlementRepository
	policy      domain.DecayPolicy
	locks       *keylock.KeyLock
	logger      *zap.Logger

	// Now is the clock source, overridable in tests.
	Now func() time.Time
}

// NewService creates a ledger service.
func NewService(accounts domain.AccountRepository, activity domain.ActivityRepository, settlements domain.SettlementRepository, policy domain.DecayPolicy, logger *zap.Logger) *Service {
	return &Service{
		accounts:    accounts,
		activity:    activity,
		settlements: settlements,
		policy:      policy,
		locks:       keylock.New(),
		logger:      logger,
		Now:         time.Now,
	}
}

// Mint increases the account's balance, creating the account on first
// mint. No decay is applied: a mint establishes a fresh activity
// baseline.
func (s *Service) Mint(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return s.deposit(ctx, accountID, amount, "mint")
}

// Credit is the inbound-transfer counterpart to Mint: an identical
// contract, distinguished by caller semantics only.
func (s *Service) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return s.deposit(ctx, accountID, amount, "credit")
}

// SettleCredit credits the account at most once per settlement key.
// Replays of an already-settled key return the account unchanged. The
// credit is persisted before the key is marked, so a failure between
// the two surfaces as an error and the caller retries against the
// marked key.
func (s *Service) SettleCredit(ctx context.Context, settlementKey, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	applied, err := s.settlements.Applied(ctx, settlementKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check settlement %s: %w", settlementKey, err)
	}
	if applied {
		acct, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
		}
		s.logger.Info("settlement already applied, skipping credit",
			zap.String("settlement", settlementKey),
			zap.String("account", accountID),
		)
		return acct, nil
	}

	acct, err := s.depositLocked(ctx, accountID, amount, "credit")
	if err != nil {
		return nil, err
	}

	if err := s.settlements.Mark(ctx, settlementKey); err != nil {
		return nil, fmt.Errorf("failed to mark settlement %s: %w", settlementKey, err)
	}
	return acct, nil
}

func (s *Service) deposit(ctx context.Context, accountID string, amount decimal.Decimal, op string) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	return s.depositLocked(ctx, accountID, amount, op)
}

// depositLocked applies the balance increase. The caller holds the
// account lock.
func (s *Service) depositLocked(ctx context.Context, accountID string, amount decimal.Decimal, op string) (*domain.Account, error) {
	now := s.Now()
	acct, err := s.accounts.Get(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		acct = domain.NewAccount(accountID, now)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	acct.Balance = acct.Balance.Add(amount)
	acct.LastActivityAt = now

	if err := s.accounts.Save(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to save account %s: %w", accountID, err)
	}

	s.logger.Info("balance increased",
		zap.String("op", op),
		zap.String("account", accountID),
		zap.String("amount", amount.String()),
		zap.String("balance", acct.Balance.String()),
	)
	return acct, nil
}

// Burn settles pending decay and then decreases the account's balance.
// Fails with ErrInsufficientBalance if the decayed balance cannot
// cover the amount; nothing is persisted in that case.
func (s *Service) Burn(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return s.withdraw(ctx, accountID, amount, "burn", false)
}

// Debit is the outbound-transfer counterpart to Burn: the same
// contract, plus the debit is recorded as transfer activity for the
// rolling-window velocity queries.
func (s *Service) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return s.withdraw(ctx, accountID, amount, "debit", true)
}

func (s *Service) withdraw(ctx context.Context, accountID string, amount decimal.Decimal, op string, recordTransfer bool) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	now := s.Now()
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	// Settle decay before checking funds; the decayed balance is the
	// spendable one.
	effective := domain.DecayedBalance(acct, now, s.policy)
	if effective.LessThan(amount) {
		return nil, fmt.Errorf("%w: account %s has %s after decay, needs %s",
			domain.ErrInsufficientBalance, accountID, effective, amount)
	}

	decayed := acct.Balance.Sub(effective)
	acct.Balance = effective.Sub(amount)
	acct.LastActivityAt = now

	if err := s.accounts.Save(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to save account %s: %w", accountID, err)
	}

	if recordTransfer {
		if err := s.activity.RecordTransfer(ctx, accountID, amount, now); err != nil {
			// The balance write already committed; activity history is
			// advisory input to the throttle, so log and continue.
			s.logger.Warn("failed to record transfer activity",
				zap.String("account", accountID), zap.Error(err))
		}
	}

	s.logger.Info("balance decreased",
		zap.String("op", op),
		zap.String("account", accountID),
		zap.String("amount", amount.String()),
		zap.String("decay_settled", decayed.String()),
		zap.String("balance", acct.Balance.String()),
	)
	return acct, nil
}

// EffectiveBalance returns the account's balance after applying decay
// as of the given time, without mutating stored state.
func (s *Service) EffectiveBalance(ctx context.Context, accountID string, at time.Time) (decimal.Decimal, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.DecayedBalance(acct, at, s.policy), nil
}

// Account returns the stored account record. Read-only surface for the
// throttle and transport layers.
func (s *Service) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.accounts.Get(ctx, accountID)
}

// RecordFiatActivity updates the account's lifetime fiat counters and
// logs an onramp event for the rolling window. Only the fiat gateway
// calls this.
func (s *Service) RecordFiatActivity(ctx context.Context, accountID string, onrampDelta, offrampDelta decimal.Decimal) error {
	if onrampDelta.IsNegative() || offrampDelta.IsNegative() {
		return domain.ErrInvalidAmount
	}

	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	now := s.Now()
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	acct.LifetimeFiatOnramped = acct.LifetimeFiatOnramped.Add(onrampDelta)
	acct.LifetimeFiatOfframped = acct.LifetimeFiatOfframped.Add(offrampDelta)

	if err := s.accounts.Save(ctx, acct); err != nil {
		return fmt.Errorf("failed to save account %s: %w", accountID, err)
	}

	if onrampDelta.IsPositive() {
		if err := s.activity.RecordOnramp(ctx, accountID, onrampDelta, now); err != nil {
			s.logger.Warn("failed to record onramp activity",
				zap.String("account", accountID), zap.Error(err))
		}
	}
	return nil
}

// RecentOnrampTotal sums the account's fiat onramp activity over the
// trailing window.
func (s *Service) RecentOnrampTotal(ctx context.Context, accountID string, window time.Duration) (decimal.Decimal, error) {
	return s.activity.SumOnramps(ctx, accountID, s.Now().Add(-window))
}

// RecentTransferTotal sums the account's outbound transfer volume over
// the trailing window.
func (s *Service) RecentTransferTotal(ctx context.Context, accountID string, window time.Duration) (decimal.Decimal, error) {
	return s.activity.SumTransfers(ctx, accountID, s.Now().Add(-window))
}

// SetLiquidityProvider flips the decay exemption flag on an account.
func (s *Service) SetLiquidityProvider(ctx context.Context, accountID string, exempt bool) error {
	s.locks.Lock(accountID)
	defer s.locks.Unlock(accountID)

	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	acct.IsLiquidityProvider = exempt
	return s.accounts.Save(ctx, acct)
}
