// Package throttle classifies transfer intents as acceptable,
// delayable or rejectable based on each account's fiat and transfer
// activity. It never touches balances; it owns only the
// Pending -> Approved/Throttled/Rejected transitions.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// LedgerQueries is the narrow read-only surface the throttle needs from
// the ledger engine.
type LedgerQueries interface {
	Account(ctx context.Context, accountID string) (*domain.Account, error)
	RecentOnrampTotal(ctx context.Context, accountID string, window time.Duration) (decimal.Decimal, error)
	RecentTransferTotal(ctx context.Context, accountID string, window time.Duration) (decimal.Decimal, error)
}

// Service evaluates transfer intents against the anti-speculation
// policy.
type Service struct {
	ledger  LedgerQueries
	intents domain.IntentRepository
	policy  domain.ThrottlePolicy
	logger  *zap.Logger

	// Now is the clock source, overridable in tests.
	Now func() time.Time
}

// NewService creates a throttle service.
func NewService(ledger LedgerQueries, intents domain.IntentRepository, policy domain.ThrottlePolicy, logger *zap.Logger) *Service {
	return &Service{
		ledger:  ledger,
		intents: intents,
		policy:  policy,
		logger:  logger,
		Now:     time.Now,
	}
}

// Evaluate moves a Pending intent to Approved, Throttled or Rejected.
// Rejections also return the sentinel describing why, so the transport
// layer can tell "complete onramp first" apart from "not enough
// backing". A Throttled outcome is not an error: the intent stays
// alive for re-evaluation.
func (s *Service) Evaluate(ctx context.Context, intent *domain.TransferIntent) (*domain.TransferIntent, error) {
	if intent.State != domain.IntentPending {
		return nil, fmt.Errorf("%w: evaluate requires a pending intent, got %s", domain.ErrInvalidStateTransition, intent.State)
	}

	result, err := s.classify(ctx, intent.SourceAccount, intent.Amount)
	if err != nil {
		return nil, err
	}
	return s.applyVerdict(ctx, intent, result, false)
}

// Reevaluate retries a Throttled intent. Past the wait limit the
// intent is rejected instead of staying pending forever. Approval on
// re-evaluation carries the penalty fee.
func (s *Service) Reevaluate(ctx context.Context, intentID uuid.UUID) (*domain.TransferIntent, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State != domain.IntentThrottled {
		return nil, fmt.Errorf("%w: re-evaluate requires a throttled intent, got %s", domain.ErrInvalidStateTransition, intent.State)
	}

	if intent.ThrottledAt != nil && s.Now().Sub(*intent.ThrottledAt) > s.policy.WaitLimit {
		return s.reject(ctx, intent, "throttle wait limit elapsed", domain.ErrVelocityExceeded)
	}

	result, err := s.classify(ctx, intent.SourceAccount, intent.Amount)
	if err != nil {
		return nil, err
	}
	return s.applyVerdict(ctx, intent, result, true)
}

// ExpireOverdue rejects all Throttled intents whose wait limit has
// elapsed. The relay sweeper calls this on a timer. Returns the number
// of intents rejected.
func (s *Service) ExpireOverdue(ctx context.Context, at time.Time) (int, error) {
	cutoff := at.Add(-s.policy.WaitLimit)
	overdue, err := s.intents.ListThrottledBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, intent := range overdue {
		if _, err := s.reject(ctx, intent, "throttle wait limit elapsed", nil); err != nil {
			s.logger.Warn("failed to expire throttled intent",
				zap.String("intent", intent.ID.String()), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

type verdict int

const (
	verdictApprove verdict = iota
	verdictThrottle
	verdictReject
)

// assessment is a classification outcome: the verdict plus, for
// throttles and rejections, the policy sentinel naming the rule that
// fired.
type assessment struct {
	verdict  verdict
	sentinel error
}

// classify runs the policy checks in order of severity. It reads
// account history only through the ledger's query interface. A non-nil
// error means the checks could not run, not that the intent failed one.
func (s *Service) classify(ctx context.Context, accountID string, amount decimal.Decimal) (assessment, error) {
	acct, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			// An account with no ledger record has necessarily never
			// onramped.
			return assessment{verdictReject, domain.ErrAccountNotValidated}, nil
		}
		return assessment{}, err
	}

	// Accounts must complete a fiat onramp before transferring at all.
	if !acct.LifetimeFiatOnramped.IsPositive() {
		return assessment{verdictReject, domain.ErrAccountNotValidated}, nil
	}

	recentOnramp, err := s.ledger.RecentOnrampTotal(ctx, accountID, s.policy.Window)
	if err != nil {
		return assessment{}, err
	}

	// A transfer far beyond recently deposited fiat has no legitimate
	// backing.
	if amount.GreaterThan(s.policy.BackingMultiplier.Mul(recentOnramp)) {
		return assessment{verdictReject, domain.ErrInsufficientFiatBacking}, nil
	}

	velocity, err := s.ledger.RecentTransferTotal(ctx, accountID, s.policy.Window)
	if err != nil {
		return assessment{}, err
	}

	// High-frequency volume without proportional fiat activity is
	// delayed, not declined.
	if velocity.Add(amount).GreaterThan(s.policy.VelocityThreshold) &&
		velocity.Add(amount).GreaterThan(s.policy.ProportionalityFactor.Mul(recentOnramp)) {
		return assessment{verdictThrottle, domain.ErrVelocityExceeded}, nil
	}

	return assessment{verdict: verdictApprove}, nil
}

func (s *Service) applyVerdict(ctx context.Context, intent *domain.TransferIntent, result assessment, penalize bool) (*domain.TransferIntent, error) {
	switch result.verdict {
	case verdictApprove:
		if err := intent.TransitionTo(domain.IntentApproved); err != nil {
			return nil, err
		}
		if penalize {
			intent.PenaltyFee = intent.Amount.Mul(s.policy.PenaltyRate).Floor()
		}
		if err := s.intents.Update(ctx, intent); err != nil {
			return nil, err
		}
		s.logger.Info("intent approved",
			zap.String("intent", intent.ID.String()),
			zap.String("penalty_fee", intent.PenaltyFee.String()),
		)
		return intent, nil

	case verdictThrottle:
		// Re-evaluating an already-throttled intent that is still too
		// fast leaves it throttled; only Pending needs the transition.
		if intent.State != domain.IntentThrottled {
			if err := intent.TransitionTo(domain.IntentThrottled); err != nil {
				return nil, err
			}
		}
		now := s.Now()
		if intent.ThrottledAt == nil {
			intent.ThrottledAt = &now
		}
		intent.RejectReason = result.sentinel.Error()
		if err := s.intents.Update(ctx, intent); err != nil {
			return nil, err
		}
		s.logger.Info("intent throttled", zap.String("intent", intent.ID.String()))
		return intent, nil

	default:
		return s.reject(ctx, intent, result.sentinel.Error(), result.sentinel)
	}
}

// reject moves the intent to Rejected and records the reason. The
// returned error, when non-nil, is the policy sentinel for the caller.
func (s *Service) reject(ctx context.Context, intent *domain.TransferIntent, reason string, sentinel error) (*domain.TransferIntent, error) {
	if err := intent.TransitionTo(domain.IntentRejected); err != nil {
		return nil, err
	}
	intent.RejectReason = reason
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}
	s.logger.Info("intent rejected",
		zap.String("intent", intent.ID.String()),
		zap.String("reason", reason),
	)
	return intent, sentinel
}
