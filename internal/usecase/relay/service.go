// Package relay moves approved transfers between chains with
// at-most-once delivery. Funds are locked by debiting the source at
// submission time; every successful debit is resolved exactly once,
// either by crediting the destination on validator quorum or by
// refunding the source on expiry.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/keylock"
)

// Ledger is the narrow debit/credit surface the relay drives. The
// relay never mutates balances directly. Delivery and refund credits
// go through SettleCredit so retried settlements never pay twice.
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)
	Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error)
	SettleCredit(ctx context.Context, settlementKey, accountID string, amount decimal.Decimal) (*domain.Account, error)
}

// Service owns the relay message lifecycle.
type Service struct {
	ledger     Ledger
	intents    domain.IntentRepository
	messages   domain.MessageRepository
	validators map[string]domain.Validator
	policy     domain.RelayPolicy
	locks      *keylock.KeyLock
	logger     *zap.Logger

	// Now is the clock source, overridable in tests.
	Now func() time.Time
}

// NewService creates a relay service.
func NewService(
	ledger Ledger,
	intents domain.IntentRepository,
	messages domain.MessageRepository,
	validators []domain.Validator,
	policy domain.RelayPolicy,
	logger *zap.Logger,
) *Service {
	registry := make(map[string]domain.Validator, len(validators))
	for _, v := range validators {
		registry[v.ID] = v
	}
	return &Service{
		ledger:     ledger,
		intents:    intents,
		messages:   messages,
		validators: registry,
		policy:     policy,
		locks:      keylock.New(),
		logger:     logger,
		Now:        time.Now,
	}
}

// Submit locks the funds for an approved intent and opens a relay
// message collecting validations. The source is debited for the
// transfer amount plus any penalty fee; the fee portion goes to the
// system fee account immediately, the transfer amount stays in flight
// until delivery or refund.
//
// If the debit fails (insufficient balance after decay), no message is
// created and ErrSourceDebitFailed is returned.
func (s *Service) Submit(ctx context.Context, intentID uuid.UUID) (*domain.RelayMessage, error) {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.State != domain.IntentApproved {
		return nil, fmt.Errorf("%w: submit requires an approved intent, got %s", domain.ErrInvalidStateTransition, intent.State)
	}

	if _, err := s.ledger.Debit(ctx, intent.SourceAccount, intent.TotalDebit()); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceDebitFailed, err)
	}

	if intent.PenaltyFee.IsPositive() {
		if _, err := s.ledger.Credit(ctx, s.policy.FeeAccountID, intent.PenaltyFee); err != nil {
			// The fee credit cannot be allowed to fail silently after the
			// debit; surface and let the caller retry the submission path.
			return nil, fmt.Errorf("failed to credit penalty fee: %w", err)
		}
	}

	nonce, err := s.messages.NextNonce(ctx, intent.SourceChainID, intent.DestinationChainID, intent.SourceAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	msg := domain.NewRelayMessage(intent.ID, domain.MessagePayload{
		SourceAccount:      intent.SourceAccount,
		DestinationAccount: intent.DestinationAccount,
		SourceChainID:      intent.SourceChainID,
		DestinationChainID: intent.DestinationChainID,
		Amount:             intent.Amount,
		Nonce:              nonce,
	}, s.policy.QuorumThreshold, s.Now())

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist relay message: %w", err)
	}

	if err := intent.TransitionTo(domain.IntentRelayed); err != nil {
		return nil, err
	}
	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.Info("relay message submitted",
		zap.String("message", msg.ID.String()),
		zap.String("intent", intent.ID.String()),
		zap.Uint64("nonce", nonce),
		zap.String("amount", intent.Amount.String()),
	)
	return msg, nil
}

// RecordValidation verifies and records one validator's signature.
// Duplicate submissions and validations against already-terminal
// messages are idempotent no-ops. Reaching quorum delivers the
// message: the destination is credited exactly once and the intent is
// confirmed.
func (s *Service) RecordValidation(ctx context.Context, messageID uuid.UUID, validatorID string, signature []byte) (*domain.RelayMessage, error) {
	s.locks.Lock(messageID.String())
	defer s.locks.Unlock(messageID.String())

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsTerminal() {
		return msg, nil
	}

	validator, ok := s.validators[validatorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownValidator, validatorID)
	}
	if msg.HasValidation(validatorID) {
		return msg, nil
	}
	if !validator.VerifySignature(msg.Payload, signature) {
		return nil, fmt.Errorf("%w: validator %s, message %s", domain.ErrInvalidSignature, validatorID, messageID)
	}

	msg.AddValidation(validatorID, signature)
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist validation: %w", err)
	}

	s.logger.Debug("validation recorded",
		zap.String("message", messageID.String()),
		zap.String("validator", validatorID),
		zap.Int("count", len(msg.Validations)),
		zap.Int("quorum", msg.QuorumThreshold),
	)

	if msg.QuorumReached() {
		if err := s.deliver(ctx, msg); err != nil {
			// Validations are persisted; the sweeper retries delivery.
			return msg, err
		}
	}
	return msg, nil
}

// deliver finalizes the message and credits the destination. Caller
// must hold the message lock.
//
// The terminal state and the CreditPending flag are persisted before
// any balance moves: a failure after that point leaves a Delivered
// message with a pending credit that the sweeper retries, and the
// credit itself is keyed per message so a retry can never pay twice.
func (s *Service) deliver(ctx context.Context, msg *domain.RelayMessage) error {
	msg.State = domain.MessageDelivered
	msg.CreditPending = true
	if err := s.messages.Update(ctx, msg); err != nil {
		msg.State = domain.MessageCollecting
		msg.CreditPending = false
		return fmt.Errorf("failed to finalize delivered message: %w", err)
	}

	if err := s.confirmIntent(ctx, msg.IntentID, domain.IntentConfirmed); err != nil {
		s.logger.Warn("delivered message but failed to confirm intent",
			zap.String("message", msg.ID.String()), zap.Error(err))
	}

	s.logger.Info("relay message delivered",
		zap.String("message", msg.ID.String()),
		zap.String("destination", msg.Payload.DestinationAccount),
		zap.String("amount", msg.Payload.Amount.String()),
	)

	if err := s.settleDelivery(ctx, msg); err != nil {
		// Credit stays pending; the sweeper retries it.
		return err
	}
	return nil
}

// settleDelivery credits the destination of a delivered message and
// clears the pending flag. Caller must hold the message lock.
func (s *Service) settleDelivery(ctx context.Context, msg *domain.RelayMessage) error {
	if !msg.CreditPending {
		return nil
	}
	if _, err := s.ledger.SettleCredit(ctx, deliveryKey(msg), msg.Payload.DestinationAccount, msg.Payload.Amount); err != nil {
		return fmt.Errorf("failed to credit destination: %w", err)
	}
	msg.CreditPending = false
	if err := s.messages.Update(ctx, msg); err != nil {
		msg.CreditPending = true
		return fmt.Errorf("failed to clear credit flag: %w", err)
	}
	return nil
}

// Expire transitions an overdue Collecting message to Expired and
// refunds the locked amount to the source. A message that is already
// terminal, or not yet past its window, is left untouched. The
// RefundPending flag is persisted before the refund credit so a crash
// in between can never lose the funds: the sweeper retries pending
// refunds until they land.
func (s *Service) Expire(ctx context.Context, messageID uuid.UUID, at time.Time) (*domain.RelayMessage, error) {
	s.locks.Lock(messageID.String())
	defer s.locks.Unlock(messageID.String())

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.State != domain.MessageCollecting || !msg.ExpiredBy(at, s.policy.TimeoutWindow) {
		return msg, nil
	}

	msg.State = domain.MessageExpired
	msg.RefundPending = true
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to mark message expired: %w", err)
	}

	if err := s.confirmIntent(ctx, msg.IntentID, domain.IntentFailed); err != nil {
		s.logger.Warn("expired message but failed to fail intent",
			zap.String("message", msg.ID.String()), zap.Error(err))
	}

	if err := s.refund(ctx, msg); err != nil {
		// Refund stays pending; the sweeper will retry. Expiry itself
		// succeeded.
		s.logger.Warn("refund deferred", zap.String("message", msg.ID.String()), zap.Error(err))
	}

	s.logger.Info("relay message expired",
		zap.String("message", msg.ID.String()),
		zap.String("source", msg.Payload.SourceAccount),
	)
	return msg, nil
}

// refund credits the locked transfer amount back to the source and
// clears the pending flag. The credit is keyed per message, so a
// refund that lands but whose flag clear fails is not paid again on
// retry. Caller must hold the message lock.
func (s *Service) refund(ctx context.Context, msg *domain.RelayMessage) error {
	if !msg.RefundPending {
		return nil
	}
	if _, err := s.ledger.SettleCredit(ctx, refundKey(msg), msg.Payload.SourceAccount, msg.Payload.Amount); err != nil {
		return fmt.Errorf("refund credit failed: %w", err)
	}
	msg.RefundPending = false
	if err := s.messages.Update(ctx, msg); err != nil {
		msg.RefundPending = true
		return fmt.Errorf("failed to clear refund flag: %w", err)
	}
	return nil
}

// Settlement keys scope the ledger's idempotency per message and
// direction.
func deliveryKey(msg *domain.RelayMessage) string { return msg.ID.String() + "/deliver" }
func refundKey(msg *domain.RelayMessage) string   { return msg.ID.String() + "/refund" }

// Message returns the stored relay message. Read-only surface for
// polling clients.
func (s *Service) Message(ctx context.Context, messageID uuid.UUID) (*domain.RelayMessage, error) {
	return s.messages.Get(ctx, messageID)
}

// Sweep runs one maintenance pass: delivers Collecting messages whose
// quorum was reached but whose delivery previously failed, expires
// overdue messages, and retries pending credits and refunds. The
// background sweeper calls this on a timer; tests call it directly.
func (s *Service) Sweep(ctx context.Context, at time.Time) {
	collecting, err := s.messages.ListCollecting(ctx)
	if err != nil {
		s.logger.Warn("sweep: failed to list collecting messages", zap.Error(err))
	} else {
		for _, msg := range collecting {
			if msg.QuorumReached() {
				s.locks.Lock(msg.ID.String())
				if current, err := s.messages.Get(ctx, msg.ID); err == nil && current.State == domain.MessageCollecting {
					if err := s.deliver(ctx, current); err != nil {
						s.logger.Warn("sweep: delivery retry failed",
							zap.String("message", msg.ID.String()), zap.Error(err))
					}
				}
				s.locks.Unlock(msg.ID.String())
				continue
			}
			if msg.ExpiredBy(at, s.policy.TimeoutWindow) {
				if _, err := s.Expire(ctx, msg.ID, at); err != nil {
					s.logger.Warn("sweep: expiry failed",
						zap.String("message", msg.ID.String()), zap.Error(err))
				}
			}
		}
	}

	credits, err := s.messages.ListCreditPending(ctx)
	if err != nil {
		s.logger.Warn("sweep: failed to list pending credits", zap.Error(err))
	} else {
		for _, msg := range credits {
			s.locks.Lock(msg.ID.String())
			if current, err := s.messages.Get(ctx, msg.ID); err == nil {
				if err := s.settleDelivery(ctx, current); err != nil {
					s.logger.Warn("sweep: credit retry failed",
						zap.String("message", msg.ID.String()), zap.Error(err))
				}
			}
			s.locks.Unlock(msg.ID.String())
		}
	}

	pending, err := s.messages.ListRefundPending(ctx)
	if err != nil {
		s.logger.Warn("sweep: failed to list pending refunds", zap.Error(err))
		return
	}
	for _, msg := range pending {
		s.locks.Lock(msg.ID.String())
		if current, err := s.messages.Get(ctx, msg.ID); err == nil {
			if err := s.refund(ctx, current); err != nil {
				s.logger.Warn("sweep: refund retry failed",
					zap.String("message", msg.ID.String()), zap.Error(err))
			}
		}
		s.locks.Unlock(msg.ID.String())
	}
}

// confirmIntent moves the message's intent to its terminal state.
func (s *Service) confirmIntent(ctx context.Context, intentID uuid.UUID, target domain.IntentState) error {
	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.IsTerminal() {
		return nil
	}
	if err := intent.TransitionTo(target); err != nil {
		return err
	}
	if target == domain.IntentFailed {
		intent.RejectReason = "relay timeout: validator quorum not reached"
	}
	return s.intents.Update(ctx, intent)
}
