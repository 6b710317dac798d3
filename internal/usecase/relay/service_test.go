package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/adapter/repository/memory"
	"github.com/caesarlabs/caesar-core/internal/domain"
	"github.com/caesarlabs/caesar-core/internal/usecase/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testValidator struct {
	validator domain.Validator
	priv      ed25519.PrivateKey
}

func newTestValidator(t *testing.T, id string) testValidator {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testValidator{
		validator: domain.Validator{ID: id, PublicKey: pub},
		priv:      priv,
	}
}

func (v testValidator) sign(payload domain.MessagePayload) []byte {
	return ed25519.Sign(v.priv, payload.CanonicalBytes())
}

type testFixture struct {
	ledger   *ledger.Service
	accounts *memory.AccountRepository
	intents  *memory.IntentRepository
	messages *memory.MessageRepository
	relay    *Service
	vals     []testValidator
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	accounts := memory.NewAccountRepository()
	activity := memory.NewActivityRepository()
	intents := memory.NewIntentRepository()
	messages := memory.NewMessageRepository()

	ledgerSvc := ledger.NewService(accounts, activity, memory.NewSettlementRepository(), domain.DefaultDecayPolicy(), zap.NewNop())

	vals := []testValidator{
		newTestValidator(t, "val-1"),
		newTestValidator(t, "val-2"),
		newTestValidator(t, "val-3"),
	}
	registry := make([]domain.Validator, 0, len(vals))
	for _, v := range vals {
		registry = append(registry, v.validator)
	}

	relaySvc := NewService(ledgerSvc, intents, messages, registry, domain.DefaultRelayPolicy(), zap.NewNop())

	return &testFixture{
		ledger:   ledgerSvc,
		accounts: accounts,
		intents:  intents,
		messages: messages,
		relay:    relaySvc,
		vals:     vals,
	}
}

// approvedIntent funds the source account and stores an Approved
// intent ready for submission.
func (f *testFixture) approvedIntent(t *testing.T, source string, amount int64) *domain.TransferIntent {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.Mint(ctx, source, decimal.NewFromInt(1000))
	require.NoError(t, err)

	intent, err := domain.NewTransferIntent(source, "bob", "chain-1", "chain-2", decimal.NewFromInt(amount), time.Now())
	require.NoError(t, err)
	intent.State = domain.IntentApproved
	require.NoError(t, f.intents.Create(ctx, intent))
	return intent
}

func balance(t *testing.T, f *testFixture, account string) decimal.Decimal {
	t.Helper()
	acct, err := f.accounts.Get(context.Background(), account)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return acct.Balance
}

func TestSubmit_DebitsSourceAndOpensMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(700)))
	assert.Equal(t, domain.MessageCollecting, msg.State)
	assert.Equal(t, uint64(1), msg.Payload.Nonce)

	stored, err := f.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentRelayed, stored.State)
}

func TestSubmit_NoncesIncreasePerRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.approvedIntent(t, "alice", 100)
	second := f.approvedIntent(t, "alice", 100)

	msg1, err := f.relay.Submit(ctx, first.ID)
	require.NoError(t, err)
	msg2, err := f.relay.Submit(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), msg1.Payload.Nonce)
	assert.Equal(t, uint64(2), msg2.Payload.Nonce)
}

func TestSubmit_RequiresApprovedIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	intent, err := domain.NewTransferIntent("alice", "bob", "chain-1", "chain-2", decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.intents.Create(ctx, intent))

	_, err = f.relay.Submit(ctx, intent.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestSubmit_DebitFailureCreatesNoMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	// Drain the account below the transfer amount first.
	_, err := f.ledger.Burn(ctx, "alice", decimal.NewFromInt(900))
	require.NoError(t, err)

	_, err = f.relay.Submit(ctx, intent.ID)
	assert.ErrorIs(t, err, domain.ErrSourceDebitFailed)

	collecting, err := f.messages.ListCollecting(ctx)
	require.NoError(t, err)
	assert.Empty(t, collecting)

	// Intent is untouched and may be resubmitted after a deposit.
	stored, err := f.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentApproved, stored.State)
}

func TestSubmit_PenaltyFeeGoesToFeeAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)
	intent.PenaltyFee = decimal.NewFromInt(6)
	require.NoError(t, f.intents.Update(ctx, intent))

	_, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(694)))
	assert.True(t, balance(t, f, "system:fees").Equal(decimal.NewFromInt(6)))
}

func TestRecordValidation_QuorumDeliversOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// First validation: below quorum, nothing credited yet.
	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-1", f.vals[0].sign(msg.Payload))
	require.NoError(t, err)
	assert.True(t, balance(t, f, "bob").IsZero())

	// Second validation reaches the quorum of 2: delivery.
	got, err := f.relay.RecordValidation(ctx, msg.ID, "val-2", f.vals[1].sign(msg.Payload))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDelivered, got.State)
	assert.True(t, balance(t, f, "bob").Equal(decimal.NewFromInt(300)))

	// Extra validations after delivery are no-ops; no double credit.
	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-3", f.vals[2].sign(msg.Payload))
	require.NoError(t, err)
	assert.True(t, balance(t, f, "bob").Equal(decimal.NewFromInt(300)))

	stored, err := f.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentConfirmed, stored.State)
}

func TestRecordValidation_DuplicateValidatorDoesNotCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	sig := f.vals[0].sign(msg.Payload)
	for i := 0; i < 5; i++ {
		got, err := f.relay.RecordValidation(ctx, msg.ID, "val-1", sig)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageCollecting, got.State, "one validator resubmitting must never reach quorum")
	}
	assert.True(t, balance(t, f, "bob").IsZero())
}

func TestRecordValidation_RejectsUnknownValidator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	intruder := newTestValidator(t, "intruder")
	_, err = f.relay.RecordValidation(ctx, msg.ID, "intruder", intruder.sign(msg.Payload))
	assert.ErrorIs(t, err, domain.ErrUnknownValidator)
}

func TestRecordValidation_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// A signature over different payload bytes must not be accepted.
	tampered := msg.Payload
	tampered.Amount = decimal.NewFromInt(999)
	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-1", f.vals[0].sign(tampered))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestExpire_RefundsSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 500)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(500)))

	// Before the window elapses, Expire is a no-op.
	got, err := f.relay.Expire(ctx, msg.ID, msg.SubmittedAt.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCollecting, got.State)

	// Past the window: expired and refunded, net effect zero.
	got, err = f.relay.Expire(ctx, msg.ID, msg.SubmittedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageExpired, got.State)
	assert.False(t, got.RefundPending)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))

	stored, err := f.intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentFailed, stored.State)

	// Expiring again changes nothing.
	_, err = f.relay.Expire(ctx, msg.ID, msg.SubmittedAt.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))
}

// failingCreditLedger wraps a real ledger but fails the first N
// settlement credits, to exercise the retry paths.
type failingCreditLedger struct {
	inner    Ledger
	mu       sync.Mutex
	failures int
}

func (l *failingCreditLedger) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.inner.Debit(ctx, accountID, amount)
}

func (l *failingCreditLedger) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return l.inner.Credit(ctx, accountID, amount)
}

func (l *failingCreditLedger) SettleCredit(ctx context.Context, settlementKey, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("storage temporarily unavailable")
	}
	return l.inner.SettleCredit(ctx, settlementKey, accountID, amount)
}

func TestExpire_RefundRetriedBySweepUntilSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 500)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// Swap in a ledger whose next credit fails.
	flaky := &failingCreditLedger{inner: f.ledger, failures: 1}
	f.relay.ledger = flaky

	got, err := f.relay.Expire(ctx, msg.ID, msg.SubmittedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageExpired, got.State)
	assert.True(t, got.RefundPending, "failed refund must stay pending")
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(500)))

	// The sweep retries the refund; this time the credit lands.
	f.relay.Sweep(ctx, msg.SubmittedAt.Add(3*time.Hour))

	stored, err := f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.RefundPending)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))
}

// flakyMessageStore wraps the real store but fails the first N updates
// matched by the predicate, to exercise recovery when a write lands
// mid-delivery.
type flakyMessageStore struct {
	domain.MessageRepository
	mu       sync.Mutex
	failWhen func(*domain.RelayMessage) bool
	failures int
}

func (s *flakyMessageStore) Update(ctx context.Context, msg *domain.RelayMessage) error {
	s.mu.Lock()
	if s.failures > 0 && s.failWhen(msg) {
		s.failures--
		s.mu.Unlock()
		return errors.New("storage temporarily unavailable")
	}
	s.mu.Unlock()
	return s.MessageRepository.Update(ctx, msg)
}

func TestRecordValidation_DeliveryRetriedBySweepCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// The write that finalizes the delivered message fails once.
	f.relay.messages = &flakyMessageStore{
		MessageRepository: f.messages,
		failWhen:          func(m *domain.RelayMessage) bool { return m.State == domain.MessageDelivered },
		failures:          1,
	}

	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-1", f.vals[0].sign(msg.Payload))
	require.NoError(t, err)
	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-2", f.vals[1].sign(msg.Payload))
	require.Error(t, err)

	// No funds move before the delivered state is durable.
	assert.True(t, balance(t, f, "bob").IsZero())
	stored, err := f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCollecting, stored.State)

	// The sweep redelivers; a second sweep must not pay again.
	f.relay.Sweep(ctx, msg.SubmittedAt.Add(10*time.Minute))
	f.relay.Sweep(ctx, msg.SubmittedAt.Add(20*time.Minute))

	stored, err = f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageDelivered, stored.State)
	assert.False(t, stored.CreditPending)
	assert.True(t, balance(t, f, "bob").Equal(decimal.NewFromInt(300)), "destination must be credited exactly once")
}

func TestDelivery_PendingCreditIsNotPaidTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 300)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// The credit lands but the write clearing the pending flag fails.
	f.relay.messages = &flakyMessageStore{
		MessageRepository: f.messages,
		failWhen: func(m *domain.RelayMessage) bool {
			return m.State == domain.MessageDelivered && !m.CreditPending
		},
		failures: 1,
	}

	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-1", f.vals[0].sign(msg.Payload))
	require.NoError(t, err)
	_, err = f.relay.RecordValidation(ctx, msg.ID, "val-2", f.vals[1].sign(msg.Payload))
	require.Error(t, err)
	assert.True(t, balance(t, f, "bob").Equal(decimal.NewFromInt(300)))

	stored, err := f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.CreditPending)

	// The sweep clears the flag without crediting again.
	f.relay.Sweep(ctx, msg.SubmittedAt.Add(10*time.Minute))

	stored, err = f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.CreditPending)
	assert.True(t, balance(t, f, "bob").Equal(decimal.NewFromInt(300)))
}

func TestExpire_PendingRefundIsNotPaidTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 500)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	// The refund lands but the write clearing the pending flag fails.
	f.relay.messages = &flakyMessageStore{
		MessageRepository: f.messages,
		failWhen: func(m *domain.RelayMessage) bool {
			return m.State == domain.MessageExpired && !m.RefundPending
		},
		failures: 1,
	}

	got, err := f.relay.Expire(ctx, msg.ID, msg.SubmittedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageExpired, got.State)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))

	stored, err := f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.RefundPending)

	// The sweep clears the flag without refunding again.
	f.relay.Sweep(ctx, msg.SubmittedAt.Add(3*time.Hour))

	stored, err = f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.RefundPending)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))
}

func TestSweep_ExpiresOverdueMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.approvedIntent(t, "alice", 200)

	msg, err := f.relay.Submit(ctx, intent.ID)
	require.NoError(t, err)

	f.relay.Sweep(ctx, msg.SubmittedAt.Add(2*time.Hour))

	stored, err := f.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageExpired, stored.State)
	assert.True(t, balance(t, f, "alice").Equal(decimal.NewFromInt(1000)))
}

type noopThrottle struct{}

func (noopThrottle) ExpireOverdue(ctx context.Context, at time.Time) (int, error) { return 0, nil }

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.relay, noopThrottle{}, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Run(ctx)

	time.Sleep(35 * time.Millisecond)
	cancel()
	sweeper.Wait() // goleak verifies the goroutine is gone
}
