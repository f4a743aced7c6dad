package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/domain"
)

func (r queries) InsertDispute(ctx context.Context, d *domain.Dispute) error {
	const query = `
        INSERT INTO disputes (id, transaction_id, reporter_id, reason, status, version)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at, updated_at;
    `
	err := r.q.QueryRowContext(ctx, query, d.ID, d.TransactionID, d.ReporterID, d.Reason, string(d.Status), d.Version).
		Scan(&d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("open dispute for transaction %s: %w", d.TransactionID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (r queries) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	const query = `
        SELECT id, transaction_id, reporter_id, reason, status, resolution, resolved_by, version, created_at, updated_at
        FROM disputes
        WHERE id = $1;
    `
	var (
		d                      domain.Dispute
		status                 string
		resolution, resolvedBy sql.NullString
	)
	err := r.q.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.TransactionID, &d.ReporterID, &d.Reason, &status,
		&resolution, &resolvedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	d.Status = domain.DisputeStatus(status)
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	return &d, nil
}

// UpdateDisputeStatus applies u only if the stored version still equals
// u.ExpectedVersion and the dispute is not terminal. It reports false when
// another writer got there first.
func (r queries) UpdateDisputeStatus(ctx context.Context, u DisputeUpdate) (bool, error) {
	const query = `
        UPDATE disputes
        SET status = $3, resolution = $4, resolved_by = $5, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND version = $2 AND status IN ('OPEN', 'IN_PROGRESS');
    `
	res, err := r.q.ExecContext(ctx, query, u.ID, u.ExpectedVersion, string(u.Status), nullString(u.Resolution), nullString(u.ResolvedBy))
	if err != nil {
		return false, fmt.Errorf("failed to update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
