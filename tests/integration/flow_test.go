// Package integration exercises the full service stack end to end:
// gateway onramps, throttle verdicts, relay submission, validator
// quorum, expiry refunds and the value-conservation property that ties
// them together. Everything runs on the in-memory repositories so the
// suite needs no external services.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/adapter/fiat"
	"github.com/caesarlabs/caesar-core/internal/adapter/repository/memory"
	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/usecase/gateway"
	"github.com/caesarlabs/caesar-core/internal/usecase/ledger"
	"github.com/caesarlabs/caesar-core/internal/usecase/relay"
	"github.com/caesarlabs/caesar-core/internal/usecase/throttle"
)

type signer struct {
	validator domain.Validator
	priv      ed25519.PrivateKey
}

func (s signer) sign(payload domain.MessagePayload) []byte {
	return ed25519.Sign(s.priv, payload.CanonicalBytes())
}

// stack wires the real services over the in-memory repositories with a
// controllable clock.
type stack struct {
	ledger   *ledger.Service
	gateway  *gateway.Service
	throttle *throttle.Service
	relay    *relay.Service

	accounts *memory.AccountRepository
	intents  *memory.IntentRepository
	messages *memory.MessageRepository

	signers []signer
	clock   time.Time
}

func newStack(t *testing.T) *stack {
	t.Helper()

	accounts := memory.NewAccountRepository()
	activity := memory.NewActivityRepository()
	intents := memory.NewIntentRepository()
	messages := memory.NewMessageRepository()

	signers := make([]signer, 0, 3)
	registry := make([]domain.Validator, 0, 3)
	for _, id := range []string{"val-1", "val-2", "val-3"} {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		v := domain.Validator{ID: id, PublicKey: pub}
		signers = append(signers, signer{validator: v, priv: priv})
		registry = append(registry, v)
	}

	logger := zap.NewNop()
	ledgerSvc := ledger.NewService(accounts, activity, memory.NewSettlementRepository(), domain.DefaultDecayPolicy(), logger)

	// A wide throttle window so scenarios that advance the clock past
	// the decay grace period still see their onramp history.
	throttlePolicy := domain.DefaultThrottlePolicy()
	throttlePolicy.Window = 72 * time.Hour
	throttleSvc := throttle.NewService(ledgerSvc, intents, throttlePolicy, logger)

	gatewaySvc := gateway.NewService(
		ledgerSvc,
		fiat.NewAllowlistCompliance([]string{"alice", "bob", "carol"}),
		fiat.NewFixedRateOracle(decimal.NewFromInt(1)),
		logger,
	)
	relaySvc := relay.NewService(ledgerSvc, intents, messages, registry, domain.DefaultRelayPolicy(), logger)

	s := &stack{
		ledger:   ledgerSvc,
		gateway:  gatewaySvc,
		throttle: throttleSvc,
		relay:    relaySvc,
		accounts: accounts,
		intents:  intents,
		messages: messages,
		signers:  signers,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return s.clock }
	ledgerSvc.Now = now
	throttleSvc.Now = now
	relaySvc.Now = now
	return s
}

func (s *stack) advance(d time.Duration) {
	s.clock = s.clock.Add(d)
}

// submitTransfer creates a Pending intent, runs the throttle and, on
// approval, submits it to the relay. Mirrors the transport layer's
// transfer flow.
func (s *stack) submitTransfer(t *testing.T, source, dest string, amount int64) (*domain.TransferIntent, *domain.RelayMessage, error) {
	t.Helper()
	ctx := context.Background()

	intent, err := domain.NewTransferIntent(source, dest, "caesar-main", "caesar-side", decimal.NewFromInt(amount), s.clock)
	require.NoError(t, err)
	require.NoError(t, s.intents.Create(ctx, intent))

	intent, verdictErr := s.throttle.Evaluate(ctx, intent)
	if verdictErr != nil || intent.State != domain.IntentApproved {
		return intent, nil, verdictErr
	}

	msg, err := s.relay.Submit(ctx, intent.ID)
	if err != nil {
		return intent, nil, err
	}

	// Submit moved the intent to Relayed; return the stored record.
	intent, err = s.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	return intent, msg, nil
}

// reachQuorum records validations from distinct validators until the
// message delivers.
func (s *stack) reachQuorum(t *testing.T, msg *domain.RelayMessage) *domain.RelayMessage {
	t.Helper()
	ctx := context.Background()

	for _, sg := range s.signers[:2] {
		var err error
		msg, err = s.relay.RecordValidation(ctx, msg.ID, sg.validator.ID, sg.sign(msg.Payload))
		require.NoError(t, err)
	}
	require.Equal(t, domain.MessageDelivered, msg.State)
	return msg
}

func (s *stack) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	acct, err := s.accounts.Get(context.Background(), account)
	if err != nil {
		return decimal.Zero
	}
	return acct.Balance
}

// assertConservation checks that all minted value is accounted for:
// stored balances plus the in-flight amounts of messages still
// collecting or awaiting a credit or refund.
func (s *stack) assertConservation(t *testing.T, minted, burned int64) {
	t.Helper()
	ctx := context.Background()

	total := decimal.Zero
	accounts, err := s.accounts.List(ctx)
	require.NoError(t, err)
	for _, acct := range accounts {
		total = total.Add(acct.Balance)
	}

	collecting, err := s.messages.ListCollecting(ctx)
	require.NoError(t, err)
	for _, msg := range collecting {
		total = total.Add(msg.Payload.Amount)
	}
	credits, err := s.messages.ListCreditPending(ctx)
	require.NoError(t, err)
	for _, msg := range credits {
		total = total.Add(msg.Payload.Amount)
	}
	refunds, err := s.messages.ListRefundPending(ctx)
	require.NoError(t, err)
	for _, msg := range refunds {
		total = total.Add(msg.Payload.Amount)
	}

	expected := decimal.NewFromInt(minted - burned)
	assert.Truef(t, total.Equal(expected), "conservation violated: have %s, want %s", total, expected)
}

func TestTransferFlow_OnrampToQuorumDelivery(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	receipt, err := s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.True(t, receipt.TokensMinted.Equal(decimal.NewFromInt(1000)))

	intent, msg, err := s.submitTransfer(t, "alice", "bob", 300)
	require.NoError(t, err)
	require.Equal(t, domain.IntentRelayed, intent.State)

	assert.True(t, s.balance(t, "alice").Equal(decimal.NewFromInt(700)))
	assert.True(t, s.balance(t, "bob").IsZero())
	s.assertConservation(t, 1000, 0)

	s.reachQuorum(t, msg)

	assert.True(t, s.balance(t, "bob").Equal(decimal.NewFromInt(300)))
	stored, err := s.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentConfirmed, stored.State)
	s.assertConservation(t, 1000, 0)
}

func TestTransferFlow_DecaySettledBeforeDebit(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	// 24h grace plus 24h of decay at 0.1%/hour leaves 976.
	s.advance(48 * time.Hour)

	effective, err := s.ledger.EffectiveBalance(ctx, "alice", s.clock)
	require.NoError(t, err)
	require.True(t, effective.Equal(decimal.NewFromInt(976)))

	_, _, err = s.submitTransfer(t, "alice", "bob", 980)
	assert.ErrorIs(t, err, domain.ErrSourceDebitFailed)

	intent, msg, err := s.submitTransfer(t, "alice", "bob", 976)
	require.NoError(t, err)
	require.Equal(t, domain.IntentRelayed, intent.State)
	s.reachQuorum(t, msg)

	assert.True(t, s.balance(t, "alice").IsZero())
	assert.True(t, s.balance(t, "bob").Equal(decimal.NewFromInt(976)))
	// The 24 decayed tokens left circulation for good.
	s.assertConservation(t, 1000-24, 0)
}

func TestTransferFlow_UnbackedAccountRejected(t *testing.T) {
	s := newStack(t)

	intent, _, err := s.submitTransfer(t, "alice", "bob", 100)
	assert.ErrorIs(t, err, domain.ErrAccountNotValidated)
	assert.Equal(t, domain.IntentRejected, intent.State)

	// Nothing minted, nothing moved.
	assert.True(t, s.balance(t, "alice").IsZero())
	s.assertConservation(t, 0, 0)
}

func TestTransferFlow_ThrottledThenApprovedWithPenalty(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(6000))
	require.NoError(t, err)

	// 10500 crosses the velocity threshold and exceeds the onramp
	// history, but stays within the 2x backing bound.
	intent, _, err := s.submitTransfer(t, "alice", "bob", 10500)
	require.NoError(t, err)
	require.Equal(t, domain.IntentThrottled, intent.State)

	// More fiat backing arrives; re-evaluation approves with the fee.
	_, err = s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(4800))
	require.NoError(t, err)

	intent, err = s.throttle.Reevaluate(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.IntentApproved, intent.State)
	require.True(t, intent.PenaltyFee.Equal(decimal.NewFromInt(210)), "2%% of 10500")

	msg, err := s.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// 10800 minted: 90 left, 210 to the fee account, 10500 in flight.
	assert.True(t, s.balance(t, "alice").Equal(decimal.NewFromInt(90)))
	assert.True(t, s.balance(t, "system:fees").Equal(decimal.NewFromInt(210)))
	s.assertConservation(t, 10800, 0)

	s.reachQuorum(t, msg)
	assert.True(t, s.balance(t, "bob").Equal(decimal.NewFromInt(10500)))
	s.assertConservation(t, 10800, 0)
}

func TestTransferFlow_ExpiryRefundsInFlightAmount(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	intent, msg, err := s.submitTransfer(t, "alice", "bob", 400)
	require.NoError(t, err)
	require.True(t, s.balance(t, "alice").Equal(decimal.NewFromInt(600)))

	// Quorum never arrives; the sweep expires the message and refunds.
	s.advance(2 * time.Hour)
	s.relay.Sweep(ctx, s.clock)

	expired, err := s.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageExpired, expired.State)
	assert.False(t, expired.RefundPending)

	stored, err := s.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFailed, stored.State)

	assert.True(t, s.balance(t, "alice").Equal(decimal.NewFromInt(1000)))
	assert.True(t, s.balance(t, "bob").IsZero())
	s.assertConservation(t, 1000, 0)
}

func TestTransferFlow_OfframpBurnsAfterDecay(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.gateway.ProcessOnramp(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	s.advance(48 * time.Hour)

	// Offramping the full pre-decay balance must fail: decay settles
	// first and only 976 remains.
	_, err = s.gateway.ProcessOfframp(ctx, "alice", decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	receipt, err := s.gateway.ProcessOfframp(ctx, "alice", decimal.NewFromInt(976))
	require.NoError(t, err)
	assert.True(t, receipt.FiatAmount.Equal(decimal.NewFromInt(976)))

	assert.True(t, s.balance(t, "alice").IsZero())
	s.assertConservation(t, 1000-24, 976)
}
