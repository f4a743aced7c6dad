package domain

import (
	"encoding/json"
	"time"
)

type ReservationStatus string

const (
	ReservationCreated   ReservationStatus = "CREATED"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationFailed    ReservationStatus = "FAILED"
)

// Reservation is the idempotency record of one logical checkout.
type Reservation struct {
	ClientKey   string
	PaymentID   string
	UserID      string
	PayloadHash string
	Status      ReservationStatus
	Response    json.RawMessage
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
