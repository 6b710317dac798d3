package domain

import "errors"

// Validation errors: the request itself is malformed or not allowed.
// These are never retried automatically.
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAccountNotValidated = errors.New("account has no fiat onramp history")
	ErrComplianceRequired  = errors.New("account has not completed compliance verification")
)

// Resource errors: the account cannot back the request right now.
// The caller must take corrective action before retrying.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInsufficientFiatBacking = errors.New("transfer amount exceeds recent fiat onramp activity")
)

// ErrVelocityExceeded is a policy signal, not a hard failure: the intent
// stays alive in the Throttled state and may be re-evaluated later.
var ErrVelocityExceeded = errors.New("transfer velocity exceeds threshold")

// Coordination failures in the cross-chain relay path.
var (
	ErrSourceDebitFailed      = errors.New("source account debit failed")
	ErrUnknownValidator       = errors.New("validator is not registered")
	ErrInvalidSignature       = errors.New("signature does not verify against message payload")
	ErrInvalidStateTransition = errors.New("operation not allowed in current state")
)

// Not-found errors for the repository layer.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrIntentNotFound  = errors.New("transfer intent not found")
	ErrMessageNotFound = errors.New("relay message not found")
)
