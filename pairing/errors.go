package pairing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryTimeout means no peer was found before the discovery deadline.
	ErrDiscoveryTimeout = errors.New("pairing: no peer found before deadline")
	// ErrDuplicateParty means both devices presented the same ceremony party key.
	ErrDuplicateParty = errors.New("pairing: both devices present the same party key")
	// ErrAmountMismatch means the devices are not co-signing the same transaction.
	ErrAmountMismatch = errors.New("pairing: devices are not signing the same transaction")
	// ErrAmbiguousRole means both devices share the same last address octet.
	ErrAmbiguousRole = errors.New("pairing: cannot elect a master, address octets are equal")
	// ErrAborted means the attempt was abandoned before it finished.
	ErrAborted = errors.New("pairing: attempt aborted")
	// ErrInvalidRequest means the attempt parameters were rejected before discovery.
	ErrInvalidRequest = errors.New("pairing: invalid request")
	// ErrAttemptUsed is returned by Run on an attempt that already ran.
	ErrAttemptUsed = errors.New("pairing: attempt already ran")
)

// ExchangeError is a publish or fetch failure during the rendezvous.
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("pairing: %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// CeremonyError carries a failure from the external ceremony. Its message is
// the ceremony's own.
type CeremonyError struct {
	Err error
}

func (e *CeremonyError) Error() string {
	return e.Err.Error()
}

func (e *CeremonyError) Unwrap() error {
	return e.Err
}

// RelayError is a relay start or stop failure.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("pairing: relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// FailureKind classifies an attempt failure.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureDiscoveryTimeout
	FailureExchange
	FailureDuplicateParty
	FailureAmountMismatch
	FailureAmbiguousRole
	FailureInvalidRequest
	FailureCeremony
	FailureRelay
	FailureAborted
	FailureUnknown
)

var failureNames = map[FailureKind]string{
	FailureNone:             "",
	FailureDiscoveryTimeout: "discovery_timeout",
	FailureExchange:         "exchange",
	FailureDuplicateParty:   "duplicate_party",
	FailureAmountMismatch:   "amount_mismatch",
	FailureAmbiguousRole:    "ambiguous_role",
	FailureInvalidRequest:   "invalid_request",
	FailureCeremony:         "ceremony",
	FailureRelay:            "relay",
	FailureAborted:          "aborted",
	FailureUnknown:          "unknown",
}

func (k FailureKind) String() string {
	return failureNames[k]
}

// Retryable reports whether a fresh attempt with the same inputs may succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureDiscoveryTimeout, FailureExchange, FailureAborted, FailureRelay:
		return true
	default:
		return false
	}
}

// KindOf classifies err.
func KindOf(err error) FailureKind {
	var (
		exchange *ExchangeError
		ceremony *CeremonyError
		relay    *RelayError
	)
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return FailureAborted
	case errors.Is(err, ErrDiscoveryTimeout):
		return FailureDiscoveryTimeout
	case errors.Is(err, ErrDuplicateParty):
		return FailureDuplicateParty
	case errors.Is(err, ErrAmountMismatch):
		return FailureAmountMismatch
	case errors.Is(err, ErrAmbiguousRole):
		return FailureAmbiguousRole
	case errors.Is(err, ErrInvalidRequest):
		return FailureInvalidRequest
	case errors.As(err, &ceremony):
		return FailureCeremony
	case errors.As(err, &exchange):
		return FailureExchange
	case errors.As(err, &relay):
		return FailureRelay
	default:
		return FailureUnknown
	}
}

// UserMessage maps err to the text shown to the user.
func UserMessage(err error) string {
	switch KindOf(err) {
	case FailureNone:
		return ""
	case FailureDiscoveryTimeout, FailureExchange, FailureRelay:
		return "pairing failed, try again"
	case FailureAmbiguousRole:
		return "both devices have the same address ending, connect them so their addresses differ"
	case FailureDuplicateParty:
		return `please use two different keyshares, one per device`
	case FailureAmountMismatch:
		return `make sure you are sending the same bitcoin amount from both devices`
	case FailureAborted:
		return "pairing cancelled"
	case FailureCeremony:
		var ceremony *CeremonyError
		errors.As(err, &ceremony)
		return ceremony.Error()
	default:
		return err.Error()
	}
}
