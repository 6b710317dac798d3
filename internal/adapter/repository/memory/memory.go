// Package memory provides in-memory implementations of the domain
// repositories. They back the integration tests and the server's
// --in-memory development mode; the postgres package is the durable
// production counterpart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// AccountRepository is a map-backed domain.AccountRepository.
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]domain.Account
}

// NewAccountRepository creates an empty account store.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[string]domain.Account)}
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(_ context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	out := acct
	return &out, nil
}

// Save upserts the account record.
func (r *AccountRepository) Save(_ context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = *account
	return nil
}

// List returns all accounts ordered by ID.
func (r *AccountRepository) List(_ context.Context) ([]*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		c := acct
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type activityEvent struct {
	accountID string
	amount    decimal.Decimal
	at        time.Time
}

// ActivityRepository is a slice-backed domain.ActivityRepository.
type ActivityRepository struct {
	mu        sync.RWMutex
	onramps   []activityEvent
	transfers []activityEvent
}

// NewActivityRepository creates an empty activity log.
func NewActivityRepository() *ActivityRepository {
	return &ActivityRepository{}
}

// RecordOnramp appends a fiat onramp event.
func (r *ActivityRepository) RecordOnramp(_ context.Context, accountID string, fiatAmount decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onramps = append(r.onramps, activityEvent{accountID, fiatAmount, at})
	return nil
}

// RecordTransfer appends an outbound transfer event.
func (r *ActivityRepository) RecordTransfer(_ context.Context, accountID string, amount decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, activityEvent{accountID, amount, at})
	return nil
}

// SumOnramps totals onramp events for the account since the cutoff.
func (r *ActivityRepository) SumOnramps(_ context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sumEvents(r.onramps, accountID, since), nil
}

// SumTransfers totals transfer events for the account since the cutoff.
func (r *ActivityRepository) SumTransfers(_ context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sumEvents(r.transfers, accountID, since), nil
}

func sumEvents(events []activityEvent, accountID string, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		if e.accountID == accountID && !e.at.Before(since) {
			total = total.Add(e.amount)
		}
	}
	return total
}

// IntentRepository is a map-backed domain.IntentRepository.
type IntentRepository struct {
	mu      sync.RWMutex
	intents map[uuid.UUID]domain.TransferIntent
}

// NewIntentRepository creates an empty intent store.
func NewIntentRepository() *IntentRepository {
	return &IntentRepository{intents: make(map[uuid.UUID]domain.TransferIntent)}
}

// Create persists a new intent.
func (r *IntentRepository) Create(_ context.Context, intent *domain.TransferIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[intent.ID] = *intent
	return nil
}

// Get retrieves an intent by ID.
func (r *IntentRepository) Get(_ context.Context, id uuid.UUID) (*domain.TransferIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	intent, ok := r.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
	}
	out := intent
	return &out, nil
}

// Update persists changes to an existing intent.
func (r *IntentRepository) Update(_ context.Context, intent *domain.TransferIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[intent.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, intent.ID)
	}
	r.intents[intent.ID] = *intent
	return nil
}

// ListThrottledBefore returns throttled intents older than the cutoff.
func (r *IntentRepository) ListThrottledBefore(_ context.Context, cutoff time.Time) ([]*domain.TransferIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.TransferIntent
	for _, intent := range r.intents {
		if intent.State == domain.IntentThrottled && intent.ThrottledAt != nil && !intent.ThrottledAt.After(cutoff) {
			c := intent
			out = append(out, &c)
		}
	}
	return out, nil
}

// MessageRepository is a map-backed domain.MessageRepository.
type MessageRepository struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]domain.RelayMessage
	nonces   map[string]uint64
}

// NewMessageRepository creates an empty message store.
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make(map[uuid.UUID]domain.RelayMessage),
		nonces:   make(map[string]uint64),
	}
}

// Create persists a new message.
func (r *MessageRepository) Create(_ context.Context, msg *domain.RelayMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(_ context.Context, id uuid.UUID) (*domain.RelayMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
	}
	out := cloneMessage(&msg)
	return &out, nil
}

// Update persists changes to an existing message.
func (r *MessageRepository) Update(_ context.Context, msg *domain.RelayMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[msg.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, msg.ID)
	}
	r.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// NextNonce atomically allocates the next nonce for the route scope.
func (r *MessageRepository) NextNonce(_ context.Context, sourceChain, destChain, sourceAccount string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sourceChain + "|" + destChain + "|" + sourceAccount
	r.nonces[key]++
	return r.nonces[key], nil
}

// ListCollecting returns all messages still collecting validations.
func (r *MessageRepository) ListCollecting(_ context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(func(m *domain.RelayMessage) bool { return m.State == domain.MessageCollecting })
}

// ListCreditPending returns delivered messages with an outstanding
// destination credit.
func (r *MessageRepository) ListCreditPending(_ context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(func(m *domain.RelayMessage) bool { return m.CreditPending })
}

// ListRefundPending returns expired messages with an outstanding refund.
func (r *MessageRepository) ListRefundPending(_ context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(func(m *domain.RelayMessage) bool { return m.RefundPending })
}

func (r *MessageRepository) listWhere(keep func(*domain.RelayMessage) bool) ([]*domain.RelayMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.RelayMessage
	for _, msg := range r.messages {
		if keep(&msg) {
			c := cloneMessage(&msg)
			out = append(out, &c)
		}
	}
	return out, nil
}

// SettlementRepository is a map-backed domain.SettlementRepository.
type SettlementRepository struct {
	mu      sync.Mutex
	applied map[string]struct{}
}

// NewSettlementRepository creates an empty settlement key store.
func NewSettlementRepository() *SettlementRepository {
	return &SettlementRepository{applied: make(map[string]struct{})}
}

// Applied reports whether the key has been settled.
func (r *SettlementRepository) Applied(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[key]
	return ok, nil
}

// Mark records the key as settled.
func (r *SettlementRepository) Mark(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[key] = struct{}{}
	return nil
}

// cloneMessage deep-copies the validations map so callers cannot
// mutate stored state through the returned pointer.
func cloneMessage(msg *domain.RelayMessage) domain.RelayMessage {
	out := *msg
	out.Validations = make(map[string][]byte, len(msg.Validations))
	for k, v := range msg.Validations {
		sig := make([]byte, len(v))
		copy(sig, v)
		out.Validations[k] = sig
	}
	return out
}
