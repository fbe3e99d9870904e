// Package fault defines the error taxonomy returned by the fulfillment core.
// Every failure that leaves the core is a *Error carrying a Kind and a
// Reason so callers can render specific guidance instead of a generic
// failure. Provider stack traces and transport details never leak into
// Message.
package fault

import (
	"errors"
	"fmt"
)

// Kind groups failures by the component that produced them.
type Kind string

const (
	KindKeyInvalid      Kind = "key_invalid"
	KindServiceInvalid  Kind = "service_invalid"
	KindProviderInvalid Kind = "provider_invalid"
	KindProviderFailure Kind = "provider_failure"
	KindQuotaExhausted  Kind = "quota_exhausted"
	KindOrderInvalid    Kind = "order_invalid"
	KindInvalidRequest  Kind = "invalid_request"
)

// Reason narrows a Kind.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotFound            Reason = "not_found"
	ReasonCategoryMismatch    Reason = "category_mismatch"
	ReasonExhausted           Reason = "exhausted"
	ReasonExpired             Reason = "expired"
	ReasonInactive            Reason = "inactive"
	ReasonNetwork             Reason = "network"
	ReasonTimeout             Reason = "timeout"
	ReasonAuthRejected        Reason = "auth_rejected"
	ReasonRejected            Reason = "rejected"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonMalformedResponse   Reason = "malformed_response"
	ReasonStateNotAllowed     Reason = "state_not_allowed"
	ReasonQuantityOutOfRange  Reason = "quantity_out_of_range"
	ReasonInvalidTarget       Reason = "invalid_target"
)

// Error is the structured failure surfaced to callers as {kind, reason, message}.
type Error struct {
	Kind    Kind   `json:"kind"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.Reason == ReasonNone {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on Kind and Reason so sentinels work with errors.Is even when
// the message differs. A sentinel without a reason matches every reason of
// its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == ReasonNone || t.Reason == e.Reason
}

// New creates an error.
func New(kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap creates an error that keeps cause reachable through errors.Unwrap.
func Wrap(kind Kind, reason Reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, cause: cause}
}

// Provider builds a provider failure. For ReasonRejected the message is the
// provider's reason verbatim.
func Provider(reason Reason, message string, cause error) *Error {
	return Wrap(KindProviderFailure, reason, message, cause)
}

// InvalidRequest builds an input validation failure.
func InvalidRequest(reason Reason, message string) *Error {
	return New(KindInvalidRequest, reason, message)
}

var (
	ErrKeyInvalid          = New(KindKeyInvalid, ReasonNone, "key is invalid")
	ErrKeyNotFound         = New(KindKeyInvalid, ReasonNotFound, "key not found")
	ErrKeyCategoryMismatch = New(KindKeyInvalid, ReasonCategoryMismatch, "key is not valid for this service category")
	ErrKeyExhausted        = New(KindKeyInvalid, ReasonExhausted, "key has no remaining uses")
	ErrKeyExpired          = New(KindKeyInvalid, ReasonExpired, "key has expired")

	ErrServiceNotFound = New(KindServiceInvalid, ReasonNotFound, "service not found")
	ErrServiceInactive = New(KindServiceInvalid, ReasonInactive, "service is not available")

	ErrProviderNotFound = New(KindProviderInvalid, ReasonNotFound, "provider account not found")

	ErrProviderFailure   = New(KindProviderFailure, ReasonNone, "provider request failed")
	ErrProviderNetwork   = New(KindProviderFailure, ReasonNetwork, "provider unreachable")
	ErrProviderTimeout   = New(KindProviderFailure, ReasonTimeout, "provider timed out")
	ErrProviderAuth      = New(KindProviderFailure, ReasonAuthRejected, "provider rejected credentials")
	ErrProviderRejected  = New(KindProviderFailure, ReasonRejected, "provider rejected the request")
	ErrProviderNoBalance = New(KindProviderFailure, ReasonInsufficientBalance, "provider balance is insufficient")
	ErrProviderMalformed = New(KindProviderFailure, ReasonMalformedResponse, "provider returned a malformed response")

	ErrQuotaExhausted = New(KindQuotaExhausted, ReasonNone, "originating key has no remaining quota")

	ErrOrderNotFound        = New(KindOrderInvalid, ReasonNotFound, "order not found")
	ErrOrderStateNotAllowed = New(KindOrderInvalid, ReasonStateNotAllowed, "order state does not allow this action")
)

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err or "" when err is not a fault.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether an operator may safely resend after err.
// Only transport level provider failures qualify.
func Retryable(err error) bool {
	fe, ok := As(err)
	if !ok || fe.Kind != KindProviderFailure {
		return false
	}
	return fe.Reason == ReasonNetwork || fe.Reason == ReasonTimeout
}
