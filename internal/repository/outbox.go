package repository

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/lib/pq"
)

func (r queries) EnqueueNotification(ctx context.Context, n *domain.Notification) error {
	const query = `
        INSERT INTO notifications (id, kind, recipient_id, payload)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at;
    `
	err := r.q.QueryRowContext(ctx, query, n.ID, string(n.Kind), n.RecipientID, []byte(n.Payload)).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// FetchUnpublished returns the oldest notifications not yet published.
func (p *Postgres) FetchUnpublished(ctx context.Context, limit int) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `
        SELECT id, kind, recipient_id, payload, created_at
        FROM notifications
        WHERE published_at IS NULL
        ORDER BY created_at
        LIMIT $1;
    `
	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n       domain.Notification
			kind    string
			payload []byte
		)
		if err := rows.Scan(&n.ID, &kind, &n.RecipientID, &payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Kind = domain.NotificationKind(kind)
		n.Payload = payload
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const query = `UPDATE notifications SET published_at = $2 WHERE id = ANY($1::uuid[]);`
	if _, err := p.db.ExecContext(ctx, query, pq.Array(ids), at); err != nil {
		return fmt.Errorf("failed to mark notifications published: %w", err)
	}
	return nil
}
