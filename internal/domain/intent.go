package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IntentState tracks a transfer intent through its lifecycle.
type IntentState string

const (
	IntentPending   IntentState = "PENDING"
	IntentThrottled IntentState = "THROTTLED"
	IntentApproved  IntentState = "APPROVED"
	IntentRelayed   IntentState = "RELAYED"
	IntentConfirmed IntentState = "CONFIRMED"
	IntentRejected  IntentState = "REJECTED"
	IntentFailed    IntentState = "FAILED"
)

// intentTransitions enumerates the legal state machine edges.
// Confirmed, Rejected and Failed are terminal: an intent in one of
// those states is an append-only audit record.
var intentTransitions = map[IntentState][]IntentState{
	IntentPending:   {IntentApproved, IntentThrottled, IntentRejected},
	IntentThrottled: {IntentApproved, IntentRejected},
	IntentApproved:  {IntentRelayed},
	IntentRelayed:   {IntentConfirmed, IntentFailed},
}

// TransferIntent is a requested movement of value between two accounts,
// possibly across chains.
type TransferIntent struct {
	ID                 uuid.UUID
	SourceAccount      string
	DestinationAccount string
	Amount             decimal.Decimal
	SourceChainID      string
	DestinationChainID string
	RequestedAt        time.Time
	State              IntentState

	// PenaltyFee is set when a throttled intent is approved on
	// re-evaluation; zero otherwise.
	PenaltyFee decimal.Decimal

	// ThrottledAt is set when the intent enters the Throttled state and
	// drives the wait-limit expiry.
	ThrottledAt *time.Time

	// RejectReason records why a terminal Rejected/Failed state was
	// reached, for the audit trail.
	RejectReason string
}

// NewTransferIntent builds a Pending intent.
func NewTransferIntent(source, destination, sourceChain, destChain string, amount decimal.Decimal, now time.Time) (*TransferIntent, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if source == "" || destination == "" {
		return nil, fmt.Errorf("%w: source and destination accounts are required", ErrInvalidStateTransition)
	}
	return &TransferIntent{
		ID:                 uuid.New(),
		SourceAccount:      source,
		DestinationAccount: destination,
		Amount:             amount,
		SourceChainID:      sourceChain,
		DestinationChainID: destChain,
		RequestedAt:        now,
		State:              IntentPending,
		PenaltyFee:         decimal.Zero,
	}, nil
}

// IsTerminal reports whether the intent can no longer change state.
func (t *TransferIntent) IsTerminal() bool {
	switch t.State {
	case IntentConfirmed, IntentRejected, IntentFailed:
		return true
	}
	return false
}

// TransitionTo moves the intent to the target state, enforcing the
// state machine. Terminal states are immutable.
func (t *TransferIntent) TransitionTo(target IntentState) error {
	for _, allowed := range intentTransitions[t.State] {
		if allowed == target {
			t.State = target
			return nil
		}
	}
	return fmt.Errorf("%w: intent %s cannot move %s -> %s", ErrInvalidStateTransition, t.ID, t.State, target)
}

// TotalDebit is the amount the source account is debited at relay
// submission: the transfer amount plus any penalty fee.
func (t *TransferIntent) TotalDebit() decimal.Decimal {
	return t.Amount.Add(t.PenaltyFee)
}
