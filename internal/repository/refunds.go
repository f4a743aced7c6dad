package repository

import (
	"context"
	"fmt"

	"settlement-service/internal/domain"
)

func (r queries) InsertRefundRecord(ctx context.Context, rec *domain.RefundRecord) error {
	const query = `
        INSERT INTO refund_record (id, transaction_id, dispute_id, amount, gateway_ref, idempotency_key)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at;
    `
	err := r.q.QueryRowContext(ctx, query, rec.ID, rec.TransactionID, nullString(rec.DisputeID), rec.Amount,
		rec.GatewayRef, rec.IdempotencyKey).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("refund for transaction %s: %w", rec.TransactionID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert refund record: %w", err)
	}
	return nil
}
