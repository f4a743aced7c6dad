package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the transport boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindAuthorization
	KindNotFound
	KindConflict
	KindVerification
	KindGatewayUnavailable
	KindGatewayRejected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindVerification:
		return "verification"
	case KindGatewayUnavailable:
		return "gateway_unavailable"
	case KindGatewayRejected:
		return "gateway_rejected"
	default:
		return "internal"
	}
}

// Stable error codes returned to API callers.
const (
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeNoteUnavailable        = "NOTE_UNAVAILABLE"
	CodeSelfPurchase           = "SELF_PURCHASE"
	CodeAlreadyPurchased       = "ALREADY_PURCHASED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeNotFound               = "NOT_FOUND"
	CodeVerificationFailed     = "VERIFICATION_FAILED"
	CodeAlreadyProcessed       = "ALREADY_PROCESSED"
	CodeConflict               = "CONFLICT"
	CodeRequestInProgress      = "REQUEST_IN_PROGRESS"
	CodeIdempotencyKeyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeDisputeExists          = "DISPUTE_EXISTS"
	CodeInvalidState           = "INVALID_STATE"
	CodePaymentDisabled        = "PAYMENT_SERVICE_DISABLED"
	CodeGatewayUnavailable     = "GATEWAY_UNAVAILABLE"
	CodeRefundRejected         = "REFUND_REJECTED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error is a business-rule failure carrying a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error {
	return NewError(KindValidation, code, message)
}

func Forbidden(message string) *Error {
	return NewError(KindAuthorization, CodeForbidden, message)
}

func NotFound(message string) *Error {
	return NewError(KindNotFound, CodeNotFound, message)
}

func Conflict(code, message string) *Error {
	return NewError(KindConflict, code, message)
}

// KindOf returns the Kind of err, or KindInternal if err is not a *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or CodeInternal.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
