package validator

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxNotesPerOrder  = 50
	maxReasonLength   = 2000
	maxIdempotencyKey = 255
)

var (
	ErrEmptyUserID          = errors.New("user ID is empty")
	ErrNoNotes              = errors.New("at least one note ID is required")
	ErrTooManyNotes         = errors.New("too many notes in one order")
	ErrInvalidNoteID        = errors.New("note ID is not a valid UUID")
	ErrDuplicateNoteID      = errors.New("note ID listed more than once")
	ErrInvalidTransactionID = errors.New("transaction ID is not a valid UUID")
	ErrInvalidDisputeID     = errors.New("dispute ID is not a valid UUID")
	ErrEmptyReason          = errors.New("reason is empty")
	ErrReasonTooLong        = errors.New("reason is too long")
	ErrEmptyOrderID         = errors.New("gateway order ID is empty")
	ErrEmptyPaymentID       = errors.New("gateway payment ID is empty")
	ErrEmptySignature       = errors.New("gateway signature is empty")
	ErrEmptyIdempotencyKey  = errors.New("idempotency key is empty")
	ErrIdempotencyKeyLength = errors.New("idempotency key is too long")
	ErrInvalidVersion       = errors.New("current version must be positive")
)

func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return nil
}

func ValidateNoteIDs(noteIDs []string) error {
	if len(noteIDs) == 0 {
		return ErrNoNotes
	}
	if len(noteIDs) > maxNotesPerOrder {
		return ErrTooManyNotes
	}
	seen := make(map[string]struct{}, len(noteIDs))
	for _, id := range noteIDs {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return ErrInvalidNoteID
		}
		key := parsed.String()
		if _, dup := seen[key]; dup {
			return ErrDuplicateNoteID
		}
		seen[key] = struct{}{}
	}
	return nil
}

func ValidateTransactionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidTransactionID
	}
	return nil
}

func ValidateDisputeID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidDisputeID
	}
	return nil
}

func ValidateReason(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrEmptyReason
	}
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return ErrReasonTooLong
	}
	return nil
}

func ValidateVerification(orderID, paymentID, signature string) error {
	if strings.TrimSpace(orderID) == "" {
		return ErrEmptyOrderID
	}
	if strings.TrimSpace(paymentID) == "" {
		return ErrEmptyPaymentID
	}
	if strings.TrimSpace(signature) == "" {
		return ErrEmptySignature
	}
	return nil
}

func ValidateIdempotencyKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyIdempotencyKey
	}
	if len(key) > maxIdempotencyKey {
		return ErrIdempotencyKeyLength
	}
	return nil
}

func ValidateVersion(version int64) error {
	if version < 1 {
		return ErrInvalidVersion
	}
	return nil
}
