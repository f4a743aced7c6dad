package repository

import (
	"context"
	"fmt"

	"settlement-service/internal/domain"

	"github.com/lib/pq"
)

func (r queries) GetNotes(ctx context.Context, ids []string) ([]domain.Note, error) {
	const query = `
        SELECT id, seller_id, title, price, is_available, purchase_count
        FROM notes
        WHERE id = ANY($1::uuid[]);
    `
	rows, err := r.q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.SellerID, &n.Title, &n.Price, &n.IsAvailable, &n.PurchaseCount); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r queries) ActivePurchasedNoteIDs(ctx context.Context, buyerID string, noteIDs []string) ([]string, error) {
	const query = `
        SELECT note_id
        FROM purchases
        WHERE buyer_id = $1 AND note_id = ANY($2::uuid[]) AND is_active;
    `
	rows, err := r.q.QueryContext(ctx, query, buyerID, pq.Array(noteIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r queries) IncrementNotePurchaseCount(ctx context.Context, noteID string) error {
	const query = `UPDATE notes SET purchase_count = purchase_count + 1 WHERE id = $1;`
	res, err := r.q.ExecContext(ctx, query, noteID)
	if err != nil {
		return fmt.Errorf("failed to increment purchase count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to increment purchase count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("note %s: %w", noteID, ErrNotFound)
	}
	return nil
}
