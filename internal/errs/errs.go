// Package errs defines the Titan core error taxonomy (spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from the
// specification. Kinds never change after the error is constructed.
type Kind string

const (
	// Fatal startup
	KindStreamSpecDrift Kind = "StreamSpecDrift"
	KindPolicyMismatch  Kind = "PolicyMismatch"
	KindMissingSecret   Kind = "MissingSecret"

	// Security
	KindSignatureMismatch Kind = "SignatureMismatch"
	KindReplayDetected    Kind = "ReplayDetected"
	KindStale             Kind = "Stale"
	KindUnauthorized      Kind = "Unauthorized"

	// Shape
	KindInvalidFrame    Kind = "InvalidFrame"
	KindMalformedIntent Kind = "MalformedIntent"
	KindDuplicate       Kind = "Duplicate"

	// Gate rejection
	KindSystemDisarmed      Kind = "SystemDisarmed"
	KindSystemHalted        Kind = "SystemHalted"
	KindVenueForbidden      Kind = "VenueForbidden"
	KindSymbolForbidden     Kind = "SymbolForbidden"
	KindBudgetExceeded      Kind = "BudgetExceeded"
	KindTruthDegraded       Kind = "TruthDegraded"
	KindRateLimited         Kind = "RateLimited"
	KindLiquidityInsuff     Kind = "LiquidityInsufficient"
	KindVenueDegraded       Kind = "VenueDegraded"
	KindRiskCapExceeded     Kind = "RiskCapExceeded"

	// Transport
	KindNotConnected       Kind = "NotConnected"
	KindBackpressure       Kind = "Backpressure"
	KindTimeout            Kind = "Timeout"
	KindMaxReconnectReached Kind = "MaxReconnectReached"

	// Venue
	KindRetryable Kind = "Retryable"
	KindTerminal  Kind = "Terminal"
	KindAmbiguous Kind = "Ambiguous"

	// Reconciliation
	KindDrift            Kind = "Drift"
	KindShadowMismatch   Kind = "ShadowMismatch"
	KindFillWithoutIntent Kind = "FillWithoutIntent"

	// Generic / not otherwise classified
	KindExpired Kind = "Expired"
)

// TitanError is the single error type used across the core. It always
// carries a Kind so callers can branch on taxonomy rather than string
// matching.
type TitanError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *TitanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TitanError) Unwrap() error { return e.Cause }

// New constructs a TitanError with no underlying cause.
func New(kind Kind, message string) *TitanError {
	return &TitanError{Kind: kind, Message: message}
}

// Wrap constructs a TitanError around an existing error.
func Wrap(kind Kind, message string, cause error) *TitanError {
	return &TitanError{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a TitanError of the given kind.
func Is(err error, kind Kind) bool {
	var te *TitanError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a TitanError.
func KindOf(err error) Kind {
	var te *TitanError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
