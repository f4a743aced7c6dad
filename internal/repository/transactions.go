package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"
)

const transactionColumns = `
    id, buyer_id, seller_id, note_id, gross_amount, commission_amount, seller_earning, status,
    gateway_order_id, gateway_payment_id, gateway_signature, escrow_release_at, escrow_released_at,
    invoice_id, invoice_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s rowScanner) (domain.Transaction, error) {
	var (
		t                                     domain.Transaction
		status                                string
		paymentID, signature, invoiceID, hash sql.NullString
		releaseAt, releasedAt                 sql.NullTime
	)
	err := s.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.NoteID, &t.GrossAmount, &t.CommissionAmount,
		&t.SellerEarning, &status, &t.GatewayOrderID, &paymentID, &signature, &releaseAt, &releasedAt,
		&invoiceID, &hash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Status = domain.TransactionStatus(status)
	t.GatewayPaymentID = paymentID.String
	t.GatewaySignature = signature.String
	t.InvoiceID = invoiceID.String
	t.InvoiceHash = hash.String
	t.EscrowReleaseAt = timePtr(releaseAt)
	t.EscrowReleasedAt = timePtr(releasedAt)
	return t, nil
}

func (r queries) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]domain.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r queries) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	const query = `
        INSERT INTO transactions (id, buyer_id, seller_id, note_id, gross_amount, commission_amount,
            seller_earning, status, gateway_order_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at, updated_at;
    `
	err := r.q.QueryRowContext(ctx, query, t.ID, t.BuyerID, t.SellerID, t.NoteID, t.GrossAmount,
		t.CommissionAmount, t.SellerEarning, string(t.Status), t.GatewayOrderID).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (r queries) getTransaction(ctx context.Context, id string, lock bool) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

func (r queries) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.getTransaction(ctx, id, false)
}

func (r queries) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.getTransaction(ctx, id, true)
}

// LockTransactionsByOrder row-locks every transaction of a gateway order in
// id order so concurrent settlements of the same order queue up.
func (r queries) LockTransactionsByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
        FROM transactions
        WHERE gateway_order_id = $1
        ORDER BY id
        FOR UPDATE;`
	return r.queryTransactions(ctx, query, orderID)
}

func (r queries) MarkTransactionsSucceeded(ctx context.Context, orderID, paymentID, signature string, escrowReleaseAt time.Time) (int64, error) {
	const query = `
        UPDATE transactions
        SET status = 'SUCCESS', gateway_payment_id = $2, gateway_signature = $3,
            escrow_release_at = $4, updated_at = NOW()
        WHERE gateway_order_id = $1 AND status IN ('PENDING', 'FAILED');
    `
	res, err := r.q.ExecContext(ctx, query, orderID, paymentID, nullString(signature), escrowReleaseAt)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transactions succeeded: %w", err)
	}
	return res.RowsAffected()
}

func (r queries) MarkTransactionsFailed(ctx context.Context, orderID, paymentID, signature string) (int64, error) {
	const query = `
        UPDATE transactions
        SET status = 'FAILED', gateway_payment_id = $2, gateway_signature = $3, updated_at = NOW()
        WHERE gateway_order_id = $1 AND status IN ('PENDING', 'FAILED');
    `
	res, err := r.q.ExecContext(ctx, query, orderID, nullString(paymentID), nullString(signature))
	if err != nil {
		return 0, fmt.Errorf("failed to mark transactions failed: %w", err)
	}
	return res.RowsAffected()
}

func (r queries) MarkTransactionRefunded(ctx context.Context, id string) (bool, error) {
	const query = `
        UPDATE transactions
        SET status = 'REFUNDED', updated_at = NOW()
        WHERE id = $1 AND status = 'SUCCESS';
    `
	res, err := r.q.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction refunded: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LockMaturedEscrow claims settled transactions whose hold has elapsed.
// Rows locked by another sweeper are skipped.
func (r queries) LockMaturedEscrow(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
        FROM transactions
        WHERE status = 'SUCCESS' AND escrow_released_at IS NULL AND escrow_release_at <= $1
        ORDER BY escrow_release_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED;`
	return r.queryTransactions(ctx, query, now, limit)
}

func (r queries) MarkEscrowReleased(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE transactions SET escrow_released_at = $2, updated_at = NOW() WHERE id = $1;`
	if _, err := r.q.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to mark escrow released: %w", err)
	}
	return nil
}
