// Package protoerr enumerates the stable failure reasons reported by the protocol ledgers.
//
// Every rejection is a precondition failure detected before any state is mutated. Reasons
// are grouped into five kinds so that callers (API, tooling) can map them without knowing
// every individual reason.
package protoerr

import (
	"errors"
)

// Kind classifies a protocol failure.
type Kind uint8

const (
	KindAuthorization Kind = iota + 1
	KindState
	KindBounds
	KindAttestation
	KindConsistency
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindBounds:
		return "bounds"
	case KindAttestation:
		return "attestation"
	case KindConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// Error is a categorical protocol failure with a stable reason code.
type Error struct {
	Kind   Kind
	Reason string
}

// New declares a reason. Reasons are compared by identity, so declare each one once.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func (e *Error) Error() string {
	return e.Reason
}

// KindOf returns the kind of the first protocol error in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// ReasonOf returns the reason code of the first protocol error in err's chain, or "".
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// Authorization: the caller has no standing for the action.
var (
	ErrNotOwner      = New(KindAuthorization, "NotOwner")
	ErrNotArbitrator = New(KindAuthorization, "NotArbitrator")
	ErrNotDapp       = New(KindAuthorization, "NotDapp")
	ErrNotReceiver   = New(KindAuthorization, "NotReceiver")
)

// State: the action is invalid for the current status.
var (
	ErrArbiterAlreadyRegistered = New(KindState, "ArbiterAlreadyRegistered")
	ErrArbiterNotActive         = New(KindState, "ArbiterNotActive")
	ErrInvalidArbiterStatus     = New(KindState, "InvalidArbiterStatus")
	ErrArbiterFrozen            = New(KindState, "ArbiterFrozen")
	ErrStakeLocked              = New(KindState, "StakeLocked")
	ErrNoStake                  = New(KindState, "NoStake")
	ErrConfigNotModifiable      = New(KindState, "ConfigNotModifiable")
	ErrInvalidTransactionState  = New(KindState, "InvalidTransactionState")
	ErrArbitrationRequested     = New(KindState, "ArbitrationAlreadyRequested")
	ErrArbitrationExpired       = New(KindState, "ArbitrationTimeoutExceeded")
	ErrDeadlinePassed           = New(KindState, "DeadlinePassed")
	ErrNotTimedOut              = New(KindState, "NotTimedOut")
	ErrAlreadyClaimed           = New(KindState, "AlreadyClaimed")
	ErrAlreadyWithdrawn         = New(KindState, "AlreadyWithdrawn")
	ErrSignatureNotSubmitted    = New(KindState, "SignatureNotSubmitted")
	ErrTransactionStillActive   = New(KindState, "TransactionStillActive")
)

// Bounds: a numeric input lies outside the policy range.
var (
	ErrInsufficientStake   = New(KindBounds, "InsufficientStake")
	ErrInvalidFeeRate      = New(KindBounds, "InvalidFeeRate")
	ErrInvalidDeadline     = New(KindBounds, "InvalidDeadline")
	ErrInvalidDuration     = New(KindBounds, "InvalidDuration")
	ErrInsufficientFee     = New(KindBounds, "InsufficientFee")
	ErrExcessiveFee        = New(KindBounds, "ExcessiveFee")
	ErrParameterOutOfRange = New(KindBounds, "ParameterOutOfRange")
)

// Attestation: an external verification result disagrees with on-record data.
var (
	ErrNoUTXOs            = New(KindAttestation, "NoUTXOs")
	ErrPublicKeyMismatch  = New(KindAttestation, "PublicKeyMismatch")
	ErrSignatureMismatch  = New(KindAttestation, "SignatureMismatch")
	ErrAlreadyVerified    = New(KindAttestation, "AlreadyVerified")
	ErrNotVerified        = New(KindAttestation, "NotVerified")
	ErrAttestationMissing = New(KindAttestation, "AttestationUnavailable")
	ErrSighashMismatch    = New(KindAttestation, "SighashMismatch")
)

// Consistency: malformed identities, lookups of unknown entities, mismatched batches.
var (
	ErrZeroAddress         = New(KindConsistency, "ZeroAddress")
	ErrInvalidIdentity     = New(KindConsistency, "InvalidIdentity")
	ErrLengthMismatch      = New(KindConsistency, "LengthMismatch")
	ErrUnknownParameter    = New(KindConsistency, "UnknownParameter")
	ErrArbiterNotFound     = New(KindConsistency, "ArbiterNotFound")
	ErrTransactionNotFound = New(KindConsistency, "TransactionNotFound")
	ErrClaimNotFound       = New(KindConsistency, "ClaimNotFound")
	ErrMalformedSignature  = New(KindConsistency, "MalformedSignature")
	ErrEmptyPayload        = New(KindConsistency, "EmptyPayload")
	ErrInvalidPayload      = New(KindConsistency, "InvalidPayload")
	ErrInvalidInputIndex   = New(KindConsistency, "InvalidInputIndex")
	ErrInvalidCollateral   = New(KindConsistency, "InvalidCollateral")
	ErrUnknownClaimType    = New(KindConsistency, "UnknownClaimType")
)

// IsNotFound reports whether err is a lookup failure for an unknown entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrArbiterNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrClaimNotFound)
}
