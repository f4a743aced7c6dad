package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"
)

const reservationColumns = `client_key, payment_id, user_id, payload_hash, status, response, expires_at, created_at, updated_at`

func scanReservation(s rowScanner) (*domain.Reservation, error) {
	var (
		r        domain.Reservation
		status   string
		response []byte
	)
	if err := s.Scan(&r.ClientKey, &r.PaymentID, &r.UserID, &r.PayloadHash, &status, &response,
		&r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = domain.ReservationStatus(status)
	r.Response = response
	return &r, nil
}

// CreateReservation inserts a CREATED reservation. It reports false, without
// error, when a row for the key already exists.
func (p *Postgres) CreateReservation(ctx context.Context, r *domain.Reservation) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `
        INSERT INTO payment_reservations (client_key, payment_id, user_id, payload_hash, status, expires_at)
        VALUES ($1, $2, $3, $4, 'CREATED', $5)
        ON CONFLICT (client_key) DO NOTHING
        RETURNING created_at, updated_at;
    `
	err := p.db.QueryRowContext(ctx, query, r.ClientKey, r.PaymentID, r.UserID, r.PayloadHash, r.ExpiresAt).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create reservation: %w", err)
	}
	r.Status = domain.ReservationCreated
	return true, nil
}

func (p *Postgres) GetReservation(ctx context.Context, clientKey string) (*domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r, err := scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM payment_reservations WHERE client_key = $1`, clientKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// RetakeReservation resets a FAILED or expired reservation to CREATED under a
// new payment id. Only one of several concurrent callers can win.
func (p *Postgres) RetakeReservation(ctx context.Context, r *domain.Reservation, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `
        UPDATE payment_reservations
        SET payment_id = $2, user_id = $3, payload_hash = $4, status = 'CREATED', response = NULL,
            expires_at = $5, updated_at = NOW()
        WHERE client_key = $1 AND (status = 'FAILED' OR expires_at <= $6);
    `
	res, err := p.db.ExecContext(ctx, query, r.ClientKey, r.PaymentID, r.UserID, r.PayloadHash, r.ExpiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to retake reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		r.Status = domain.ReservationCreated
	}
	return n == 1, nil
}

func (p *Postgres) CompleteReservation(ctx context.Context, clientKey string, response []byte) error {
	return p.setReservationStatus(ctx, clientKey, domain.ReservationCompleted, response)
}

func (p *Postgres) FailReservation(ctx context.Context, clientKey string) error {
	return p.setReservationStatus(ctx, clientKey, domain.ReservationFailed, nil)
}

func (p *Postgres) setReservationStatus(ctx context.Context, clientKey string, status domain.ReservationStatus, response []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `
        UPDATE payment_reservations
        SET status = $2, response = $3, updated_at = NOW()
        WHERE client_key = $1 AND status = 'CREATED';
    `
	res, err := p.db.ExecContext(ctx, query, clientKey, string(status), response)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
