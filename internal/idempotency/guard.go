// Package idempotency deduplicates checkout requests. A reservation row is
// the concurrency boundary: of several requests with the same key exactly one
// is reserved and runs the side effects, the rest read its result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrKeyReused is returned when a key is presented again with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
	// ErrReservationMissing means a reservation vanished between insert and read.
	ErrReservationMissing = errors.New("reservation missing")
)

// Repository persists reservations. CreateReservation reports false when the
// key is already taken; RetakeReservation succeeds only for FAILED or expired
// rows.
type Repository interface {
	CreateReservation(ctx context.Context, r *domain.Reservation) (bool, error)
	GetReservation(ctx context.Context, clientKey string) (*domain.Reservation, error)
	RetakeReservation(ctx context.Context, r *domain.Reservation, now time.Time) (bool, error)
	CompleteReservation(ctx context.Context, clientKey string, response []byte) error
	FailReservation(ctx context.Context, clientKey string) error
}

type Result struct {
	Reserved  bool
	PaymentID string
	// Existing is set when Reserved is false.
	Existing *domain.Reservation
}

// InProgress reports whether the existing reservation is still being executed
// by another request.
func (r Result) InProgress() bool {
	return !r.Reserved && r.Existing != nil && r.Existing.Status == domain.ReservationCreated
}

type Guard struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(repo Repository, ttl time.Duration, opts ...Option) *Guard {
	g := &Guard{repo: repo, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DeriveKey builds a key for callers that did not send one: the same user
// buying the same set of notes maps to the same key regardless of order.
func DeriveKey(userID string, noteIDs []string) string {
	ids := append([]string(nil), noteIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(userID + "|" + strings.Join(ids, ",")))
	return "derived:" + hex.EncodeToString(sum[:])
}

// Hash fingerprints a request payload.
func Hash(payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// scope keeps keys from different users apart.
func scope(userID, clientKey string) string {
	return userID + ":" + clientKey
}

// Reserve claims clientKey for userID. When the key is free (or its previous
// holder failed or expired) the result is Reserved with a fresh payment id.
// Otherwise the existing reservation is returned unmodified.
func (g *Guard) Reserve(ctx context.Context, userID, clientKey string, payload interface{}) (Result, error) {
	hash, err := Hash(payload)
	if err != nil {
		return Result{}, err
	}
	now := g.now()
	r := &domain.Reservation{
		ClientKey:   scope(userID, clientKey),
		PaymentID:   uuid.NewString(),
		UserID:      userID,
		PayloadHash: hash,
		ExpiresAt:   now.Add(g.ttl),
	}

	created, err := g.repo.CreateReservation(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if created {
		return Result{Reserved: true, PaymentID: r.PaymentID}, nil
	}

	existing, err := g.repo.GetReservation(ctx, r.ClientKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrReservationMissing, err)
	}

	if existing.Status == domain.ReservationFailed || !existing.ExpiresAt.After(now) {
		retaken, err := g.repo.RetakeReservation(ctx, r, now)
		if err != nil {
			return Result{}, err
		}
		if retaken {
			log.WithFields(log.Fields{
				"idempotency_key": clientKey,
				"previous_status": existing.Status,
			}).Info("Re-reserved idempotency key")
			return Result{Reserved: true, PaymentID: r.PaymentID}, nil
		}
		// someone else retook it first
		if existing, err = g.repo.GetReservation(ctx, r.ClientKey); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrReservationMissing, err)
		}
	}

	if existing.PayloadHash != hash {
		return Result{}, ErrKeyReused
	}
	return Result{Reserved: false, PaymentID: existing.PaymentID, Existing: existing}, nil
}

// Complete stores the response served for the reservation.
func (g *Guard) Complete(ctx context.Context, userID, clientKey string, response interface{}) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode reservation response: %w", err)
	}
	return g.repo.CompleteReservation(ctx, scope(userID, clientKey), data)
}

// MarkFailed releases the reservation so that a retry with the same key runs
// again instead of replaying a result that never existed.
func (g *Guard) MarkFailed(ctx context.Context, userID, clientKey string) error {
	return g.repo.FailReservation(ctx, scope(userID, clientKey))
}
