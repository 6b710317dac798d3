package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caesarlabs/caesar-core/internal/adapter/repository/memory"
	"github.com/caesarlabs/caesar-core/internal/domain"
)

func newTestService() (*Service, *memory.AccountRepository) {
	accounts := memory.NewAccountRepository()
	activity := memory.NewActivityRepository()
	return NewService(accounts, activity, memory.NewSettlementRepository(), domain.DefaultDecayPolicy(), zap.NewNop()), accounts
}

func TestMint_CreatesAccountAndIncreasesBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	acct, err := svc.Mint(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)))

	acct, err = svc.Mint(ctx, "alice", decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1500)))
}

func TestMint_RejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Mint(ctx, "alice", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = svc.Mint(ctx, "alice", decimal.NewFromInt(-10))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBurn_FailsOnUnknownAccount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Burn(ctx, "ghost", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestBurn_SettlesDecayFirst(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	// Freeze the clock 48h after the account's last activity.
	base := time.Now()
	svc.Now = func() time.Time { return base }

	acct := domain.NewAccount("alice", base.Add(-48*time.Hour))
	acct.Balance = decimal.NewFromInt(1000)
	require.NoError(t, accounts.Save(ctx, acct))

	// 24 decay hours at 0.1%/h leaves 976 spendable: burning 980 fails.
	_, err := svc.Burn(ctx, "alice", decimal.NewFromInt(980))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Nothing was persisted by the failed burn.
	stored, err := accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(1000)))

	// Burning 976 succeeds and leaves exactly zero.
	after, err := svc.Burn(ctx, "alice", decimal.NewFromInt(976))
	require.NoError(t, err)
	assert.True(t, after.Balance.IsZero())
}

func TestEffectiveBalance_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	base := time.Now()
	acct := domain.NewAccount("alice", base.Add(-48*time.Hour))
	acct.Balance = decimal.NewFromInt(1000)
	require.NoError(t, accounts.Save(ctx, acct))

	got, err := svc.EffectiveBalance(ctx, "alice", base)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(976)))

	stored, err := accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, stored.LastActivityAt.Equal(base.Add(-48*time.Hour)))
}

func TestDebit_RecordsTransferActivity(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountRepository()
	activity := memory.NewActivityRepository()
	svc := NewService(accounts, activity, memory.NewSettlementRepository(), domain.DefaultDecayPolicy(), zap.NewNop())

	_, err := svc.Mint(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "alice", decimal.NewFromInt(300))
	require.NoError(t, err)

	total, err := svc.RecentTransferTotal(ctx, "alice", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(300)))

	// Burn is not a transfer; it must not inflate velocity.
	_, err = svc.Burn(ctx, "alice", decimal.NewFromInt(100))
	require.NoError(t, err)

	total, err = svc.RecentTransferTotal(ctx, "alice", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(300)))
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	_, err := svc.Mint(ctx, "alice", decimal.NewFromInt(1000))
	require.NoError(t, err)

	// 40 concurrent debits of 100 against a balance of 1000: exactly
	// ten may succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, "alice", decimal.NewFromInt(100)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)

	acct, err := accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.False(t, acct.Balance.IsNegative())
}

func TestRecordFiatActivity_UpdatesLifetimeCounters(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	_, err := svc.Mint(ctx, "alice", decimal.NewFromInt(10))
	require.NoError(t, err)

	require.NoError(t, svc.RecordFiatActivity(ctx, "alice", decimal.NewFromInt(500), decimal.Zero))
	require.NoError(t, svc.RecordFiatActivity(ctx, "alice", decimal.Zero, decimal.NewFromInt(200)))

	acct, err := accounts.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.LifetimeFiatOnramped.Equal(decimal.NewFromInt(500)))
	assert.True(t, acct.LifetimeFiatOfframped.Equal(decimal.NewFromInt(200)))

	onramp, err := svc.RecentOnrampTotal(ctx, "alice", time.Hour)
	require.NoError(t, err)
	assert.True(t, onramp.Equal(decimal.NewFromInt(500)))
}

func TestSettleCredit_IdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	acct, err := svc.SettleCredit(ctx, "msg-1/deliver", "bob", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(300)))

	// Replaying the same key leaves the balance untouched.
	acct, err = svc.SettleCredit(ctx, "msg-1/deliver", "bob", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(300)))

	stored, err := accounts.Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(300)))

	// A distinct key credits again.
	acct, err = svc.SettleCredit(ctx, "msg-2/deliver", "bob", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(400)))
}

func TestSetLiquidityProvider_ExemptsFromDecay(t *testing.T) {
	ctx := context.Background()
	svc, accounts := newTestService()

	base := time.Now()
	acct := domain.NewAccount("lp", base.Add(-500*time.Hour))
	acct.Balance = decimal.NewFromInt(1000)
	require.NoError(t, accounts.Save(ctx, acct))

	require.NoError(t, svc.SetLiquidityProvider(ctx, "lp", true))

	got, err := svc.EffectiveBalance(ctx, "lp", base)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1000)))
}
