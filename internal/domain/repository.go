package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepository defines the interface for account persistence
// operations. All balance mutation flows through the ledger service,
// which serializes access per account before calling Save.
type AccountRepository interface {
	// Get retrieves an account by its ID.
	// Returns ErrAccountNotFound if it does not exist.
	Get(ctx context.Context, id string) (*Account, error)

	// Save upserts the account record.
	Save(ctx context.Context, account *Account) error

	// List retrieves all accounts, ordered by ID.
	List(ctx context.Context) ([]*Account, error)
}

// ActivityRepository records timestamped balance-affecting events so
// the throttle can sum activity over a rolling window.
type ActivityRepository interface {
	// RecordOnramp records a fiat onramp event for the account.
	RecordOnramp(ctx context.Context, accountID string, fiatAmount decimal.Decimal, at time.Time) error

	// RecordTransfer records an outbound transfer debit for the account.
	RecordTransfer(ctx context.Context, accountID string, amount decimal.Decimal, at time.Time) error

	// SumOnramps returns the total fiat onramped by the account since
	// the given time.
	SumOnramps(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)

	// SumTransfers returns the total transfer volume debited from the
	// account since the given time.
	SumTransfers(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}

// IntentRepository defines the interface for transfer intent
// persistence operations.
type IntentRepository interface {
	// Create persists a new intent.
	Create(ctx context.Context, intent *TransferIntent) error

	// Get retrieves an intent by ID.
	// Returns ErrIntentNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*TransferIntent, error)

	// Update persists changes to an existing intent.
	Update(ctx context.Context, intent *TransferIntent) error

	// ListThrottledBefore returns intents sitting in the Throttled state
	// whose ThrottledAt is at or before the cutoff.
	ListThrottledBefore(ctx context.Context, cutoff time.Time) ([]*TransferIntent, error)
}

// MessageRepository defines the interface for relay message
// persistence operations.
type MessageRepository interface {
	// Create persists a new message.
	Create(ctx context.Context, msg *RelayMessage) error

	// Get retrieves a message by ID.
	// Returns ErrMessageNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*RelayMessage, error)

	// Update persists changes to an existing message.
	Update(ctx context.Context, msg *RelayMessage) error

	// NextNonce atomically allocates the next nonce for the
	// (source chain, destination chain, source account) scope.
	NextNonce(ctx context.Context, sourceChain, destChain, sourceAccount string) (uint64, error)

	// ListCollecting returns all messages still collecting validations.
	ListCollecting(ctx context.Context) ([]*RelayMessage, error)

	// ListCreditPending returns delivered messages whose destination
	// credit has not yet succeeded.
	ListCreditPending(ctx context.Context) ([]*RelayMessage, error)

	// ListRefundPending returns expired messages whose refund credit has
	// not yet succeeded.
	ListRefundPending(ctx context.Context) ([]*RelayMessage, error)
}

// SettlementRepository records which settlement keys have already been
// applied, making the relay's credits idempotent across retries. The
// ledger checks a key before crediting and marks it after the credit
// persists.
type SettlementRepository interface {
	// Applied reports whether the key has already been settled.
	Applied(ctx context.Context, key string) (bool, error)

	// Mark records the key as settled.
	Mark(ctx context.Context, key string) error
}
