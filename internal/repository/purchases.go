package repository

import (
	"context"
	"fmt"

	"settlement-service/internal/domain"
)

func (r queries) InsertPurchase(ctx context.Context, p *domain.Purchase) error {
	const query = `
        INSERT INTO purchases (id, transaction_id, buyer_id, note_id, watermark_id, is_active)
        VALUES ($1, $2, $3, $4, $5, TRUE)
        RETURNING created_at;
    `
	err := r.q.QueryRowContext(ctx, query, p.ID, p.TransactionID, p.BuyerID, p.NoteID, p.WatermarkID).Scan(&p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("purchase for transaction %s: %w", p.TransactionID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	p.IsActive = true
	return nil
}

func (r queries) DeactivatePurchase(ctx context.Context, transactionID string) error {
	const query = `UPDATE purchases SET is_active = FALSE WHERE transaction_id = $1;`
	if _, err := r.q.ExecContext(ctx, query, transactionID); err != nil {
		return fmt.Errorf("failed to deactivate purchase: %w", err)
	}
	return nil
}
