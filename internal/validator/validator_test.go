package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	noteA = "6f1c1f6e-8d1a-4a77-9a5e-0b7c1c1d2e3f"
	noteB = "0d4b8b8e-3f0c-4f5a-a1c2-9b8a7c6d5e4f"
)

func TestValidateNoteIDs(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want error
	}{
		{"valid", []string{noteA, noteB}, nil},
		{"empty", nil, ErrNoNotes},
		{"not a uuid", []string{"note-1"}, ErrInvalidNoteID},
		{"duplicate", []string{noteA, noteB, noteA}, ErrDuplicateNoteID},
		{"duplicate differing case", []string{noteA, strings.ToUpper(noteA)}, ErrDuplicateNoteID},
		{"too many", make([]string, maxNotesPerOrder+1), ErrTooManyNotes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidateNoteIDs(tc.ids))
		})
	}
}

func TestValidateReason(t *testing.T) {
	assert.NoError(t, ValidateReason("file is corrupted"))
	assert.Equal(t, ErrEmptyReason, ValidateReason("   "))
	assert.Equal(t, ErrReasonTooLong, ValidateReason(strings.Repeat("x", maxReasonLength+1)))
}

func TestValidateVerification(t *testing.T) {
	assert.NoError(t, ValidateVerification("order_1", "pay_1", "sig"))
	assert.Equal(t, ErrEmptyOrderID, ValidateVerification("", "pay_1", "sig"))
	assert.Equal(t, ErrEmptyPaymentID, ValidateVerification("order_1", " ", "sig"))
	assert.Equal(t, ErrEmptySignature, ValidateVerification("order_1", "pay_1", ""))
}

func TestValidateIdempotencyKey(t *testing.T) {
	assert.NoError(t, ValidateIdempotencyKey("resolve-42"))
	assert.Equal(t, ErrEmptyIdempotencyKey, ValidateIdempotencyKey(""))
	assert.Equal(t, ErrIdempotencyKeyLength, ValidateIdempotencyKey(strings.Repeat("k", maxIdempotencyKey+1)))
}

func TestValidateIDsAndVersion(t *testing.T) {
	assert.NoError(t, ValidateTransactionID(noteA))
	assert.Equal(t, ErrInvalidTransactionID, ValidateTransactionID("tx-1"))
	assert.Equal(t, ErrInvalidDisputeID, ValidateDisputeID(""))
	assert.NoError(t, ValidateVersion(3))
	assert.Equal(t, ErrInvalidVersion, ValidateVersion(0))
	assert.Equal(t, ErrEmptyUserID, ValidateUserID(" "))
}
