package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/domain"
)

// AppendAudit inserts an immutable audit row. A second SUCCESS row for the
// same idempotency key and action is rejected with ErrDuplicate.
func (r queries) AppendAudit(ctx context.Context, e *domain.AuditLogEntry) error {
	const query = `
        INSERT INTO audit (id, actor_id, action, target_type, target_id, payload, result, gateway_ref, idempotency_key)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING created_at;
    `
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.q.QueryRowContext(ctx, query, e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, payload,
		string(e.Result), nullString(e.GatewayRef), e.IdempotencyKey).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("audit %s/%s: %w", e.IdempotencyKey, e.Action, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r queries) FindAuditSuccess(ctx context.Context, idempotencyKey, action string) (*domain.AuditLogEntry, error) {
	const query = `
        SELECT id, actor_id, action, target_type, target_id, payload, result, gateway_ref, idempotency_key, created_at
        FROM audit
        WHERE idempotency_key = $1 AND action = $2 AND result = 'SUCCESS';
    `
	var (
		e          domain.AuditLogEntry
		payload    []byte
		result     string
		gatewayRef sql.NullString
	)
	err := r.q.QueryRowContext(ctx, query, idempotencyKey, action).Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType,
		&e.TargetID, &payload, &result, &gatewayRef, &e.IdempotencyKey, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find audit entry: %w", err)
	}
	e.Payload = payload
	e.Result = domain.AuditResult(result)
	e.GatewayRef = gatewayRef.String
	return &e, nil
}
