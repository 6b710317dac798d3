package domain

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageState tracks a relay message through its lifecycle.
// Delivered and Expired are terminal.
type MessageState string

const (
	MessageCollecting MessageState = "COLLECTING"
	MessageDelivered  MessageState = "DELIVERED"
	MessageExpired    MessageState = "EXPIRED"
)

// MessagePayload is the value carried across chains. Its canonical
// encoding is what validators sign.
type MessagePayload struct {
	SourceAccount      string
	DestinationAccount string
	SourceChainID      string
	DestinationChainID string
	Amount             decimal.Decimal
	Nonce              uint64
}

// CanonicalBytes returns the deterministic byte encoding of the payload
// used for signature verification. Field order is fixed; amounts use
// their exact decimal string form.
func (p MessagePayload) CanonicalBytes() []byte {
	s := fmt.Sprintf("v1|%s|%s|%s|%s|%s|%d",
		p.SourceChainID,
		p.DestinationChainID,
		p.SourceAccount,
		p.DestinationAccount,
		p.Amount.String(),
		p.Nonce,
	)
	return []byte(s)
}

// RelayMessage is the cross-chain envelope for an approved transfer
// intent. Funds are locked (debited) when the message is created and
// released exactly once: credited to the destination on delivery, or
// refunded to the source on expiry.
type RelayMessage struct {
	ID              uuid.UUID
	IntentID        uuid.UUID
	Payload         MessagePayload
	Validations     map[string][]byte // validator id -> signature
	QuorumThreshold int
	State           MessageState
	SubmittedAt     time.Time

	// CreditPending is set durably when a delivered message's
	// destination credit has not yet succeeded. The flag is written
	// before the credit is attempted so a crash between the two leaves
	// a retryable record rather than a lost or duplicated credit.
	CreditPending bool

	// RefundPending is set durably when an expired message's refund
	// credit has not yet succeeded. Refunds are retried until they land.
	RefundPending bool
}

// NewRelayMessage builds a Collecting message for an intent.
func NewRelayMessage(intentID uuid.UUID, payload MessagePayload, quorum int, now time.Time) *RelayMessage {
	return &RelayMessage{
		ID:              uuid.New(),
		IntentID:        intentID,
		Payload:         payload,
		Validations:     make(map[string][]byte),
		QuorumThreshold: quorum,
		State:           MessageCollecting,
		SubmittedAt:     now,
	}
}

// IsTerminal reports whether the message can no longer change state.
func (m *RelayMessage) IsTerminal() bool {
	return m.State == MessageDelivered || m.State == MessageExpired
}

// HasValidation reports whether the validator already signed this
// message. Duplicate submissions must never double-count.
func (m *RelayMessage) HasValidation(validatorID string) bool {
	_, ok := m.Validations[validatorID]
	return ok
}

// AddValidation records a validator's signature. The caller is
// responsible for having verified it.
func (m *RelayMessage) AddValidation(validatorID string, signature []byte) {
	if m.Validations == nil {
		m.Validations = make(map[string][]byte)
	}
	m.Validations[validatorID] = signature
}

// QuorumReached reports whether enough distinct validators have signed.
func (m *RelayMessage) QuorumReached() bool {
	return len(m.Validations) >= m.QuorumThreshold
}

// ExpiredBy reports whether the message's timeout window has elapsed.
func (m *RelayMessage) ExpiredBy(at time.Time, window time.Duration) bool {
	return at.Sub(m.SubmittedAt) > window
}

// Validator is one member of the external validation network. The relay
// only verifies signatures against registered keys; it does not select
// or manage the validator set.
type Validator struct {
	ID        string
	PublicKey ed25519.PublicKey
}

// VerifySignature checks the signature over the payload's canonical
// bytes.
func (v Validator) VerifySignature(payload MessagePayload, signature []byte) bool {
	if len(v.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(v.PublicKey, payload.CanonicalBytes(), signature)
}
