package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

const txTimeout = 10 * time.Second

// Tx is the set of operations available inside (and outside) a unit of work.
type Tx interface {
	GetNotes(ctx context.Context, ids []string) ([]domain.Note, error)
	ActivePurchasedNoteIDs(ctx context.Context, buyerID string, noteIDs []string) ([]string, error)
	IncrementNotePurchaseCount(ctx context.Context, noteID string) error

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	LockTransactionsByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error)
	MarkTransactionsSucceeded(ctx context.Context, orderID, paymentID, signature string, escrowReleaseAt time.Time) (int64, error)
	MarkTransactionsFailed(ctx context.Context, orderID, paymentID, signature string) (int64, error)
	MarkTransactionRefunded(ctx context.Context, id string) (bool, error)
	LockMaturedEscrow(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error)
	MarkEscrowReleased(ctx context.Context, id string, at time.Time) error

	InsertPurchase(ctx context.Context, p *domain.Purchase) error
	DeactivatePurchase(ctx context.Context, transactionID string) error

	GetWallet(ctx context.Context, sellerID string) (*domain.SellerWallet, error)
	CreditPending(ctx context.Context, sellerID string, amount int64) (before, after domain.SellerWallet, err error)
	ReleasePending(ctx context.Context, sellerID string, amount int64) (before, after domain.SellerWallet, err error)
	DebitForRefund(ctx context.Context, sellerID string, amount int64, fromPending bool) (before, after domain.SellerWallet, err error)
	InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error

	InsertDispute(ctx context.Context, d *domain.Dispute) error
	GetDispute(ctx context.Context, id string) (*domain.Dispute, error)
	UpdateDisputeStatus(ctx context.Context, u DisputeUpdate) (bool, error)

	InsertRefundRecord(ctx context.Context, r *domain.RefundRecord) error

	AppendAudit(ctx context.Context, e *domain.AuditLogEntry) error
	FindAuditSuccess(ctx context.Context, idempotencyKey, action string) (*domain.AuditLogEntry, error)

	EnqueueNotification(ctx context.Context, n *domain.Notification) error
}

// Store runs Tx operations either directly or inside a database transaction.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// DisputeUpdate is a conditional write: it applies only when the stored
// version equals ExpectedVersion.
type DisputeUpdate struct {
	ID              string
	ExpectedVersion int64
	Status          domain.DisputeStatus
	Resolution      string
	ResolvedBy      string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type queries struct {
	q querier
}

type Postgres struct {
	queries
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{queries: queries{q: db}, db: db}
}

// InTx runs fn in a READ COMMITTED transaction. Callers serialize on rows
// with SELECT ... FOR UPDATE and conditional updates. Any error from fn rolls
// the whole unit back.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("Failed to roll back transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// IsRetryable reports whether err is a transient database failure that the
// caller may retry with the same idempotency key.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrRetryable)
}

// ErrRetryable can be wrapped by callers and fakes to mark a transient failure.
var ErrRetryable = errors.New("transient storage failure")

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
