package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-service/internal/domain"
)

const walletColumns = `seller_id, pending_balance, available_balance, total_earned, total_withdrawn, updated_at`

func scanWallet(s rowScanner) (domain.SellerWallet, error) {
	var w domain.SellerWallet
	err := s.Scan(&w.SellerID, &w.PendingBalance, &w.AvailableBalance, &w.TotalEarned, &w.TotalWithdrawn, &w.UpdatedAt)
	return w, err
}

func (r queries) GetWallet(ctx context.Context, sellerID string) (*domain.SellerWallet, error) {
	w, err := scanWallet(r.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM seller_wallets WHERE seller_id = $1`, sellerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// lockWallet makes sure the wallet row exists and locks it.
func (r queries) lockWallet(ctx context.Context, sellerID string) (domain.SellerWallet, error) {
	const ensure = `INSERT INTO seller_wallets (seller_id) VALUES ($1) ON CONFLICT (seller_id) DO NOTHING;`
	if _, err := r.q.ExecContext(ctx, ensure, sellerID); err != nil {
		return domain.SellerWallet{}, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	w, err := scanWallet(r.q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM seller_wallets WHERE seller_id = $1 FOR UPDATE`, sellerID))
	if err != nil {
		return domain.SellerWallet{}, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return w, nil
}

func (r queries) updateWallet(ctx context.Context, w domain.SellerWallet) (domain.SellerWallet, error) {
	const query = `
        UPDATE seller_wallets
        SET pending_balance = $2, available_balance = $3, total_earned = $4, total_withdrawn = $5, updated_at = NOW()
        WHERE seller_id = $1
        RETURNING ` + walletColumns + `;`
	out, err := scanWallet(r.q.QueryRowContext(ctx, query, w.SellerID, w.PendingBalance, w.AvailableBalance, w.TotalEarned, w.TotalWithdrawn))
	if err != nil {
		return domain.SellerWallet{}, fmt.Errorf("failed to update wallet: %w", err)
	}
	return out, nil
}

// CreditPending upserts the wallet and adds amount to pending and total earned.
func (r queries) CreditPending(ctx context.Context, sellerID string, amount int64) (domain.SellerWallet, domain.SellerWallet, error) {
	before, err := r.lockWallet(ctx, sellerID)
	if err != nil {
		return domain.SellerWallet{}, domain.SellerWallet{}, err
	}
	next := before
	next.PendingBalance += amount
	next.TotalEarned += amount
	after, err := r.updateWallet(ctx, next)
	return before, after, err
}

// ReleasePending moves amount from pending to available.
func (r queries) ReleasePending(ctx context.Context, sellerID string, amount int64) (domain.SellerWallet, domain.SellerWallet, error) {
	before, err := r.lockWallet(ctx, sellerID)
	if err != nil {
		return domain.SellerWallet{}, domain.SellerWallet{}, err
	}
	next := before
	next.PendingBalance -= amount
	next.AvailableBalance += amount
	after, err := r.updateWallet(ctx, next)
	return before, after, err
}

// DebitForRefund takes a refunded seller earning back out of the wallet.
func (r queries) DebitForRefund(ctx context.Context, sellerID string, amount int64, fromPending bool) (domain.SellerWallet, domain.SellerWallet, error) {
	before, err := r.lockWallet(ctx, sellerID)
	if err != nil {
		return domain.SellerWallet{}, domain.SellerWallet{}, err
	}
	next := before
	if fromPending {
		next.PendingBalance -= amount
	} else {
		next.AvailableBalance -= amount
	}
	next.TotalEarned -= amount
	after, err := r.updateWallet(ctx, next)
	return before, after, err
}

func (r queries) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	const query = `
        INSERT INTO ledger_entry (id, seller_id, transaction_id, entry_type, amount, balance_before, balance_after)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at;
    `
	err := r.q.QueryRowContext(ctx, query, e.ID, e.SellerID, nullString(e.TransactionID), string(e.Type),
		e.Amount, e.BalanceBefore, e.BalanceAfter).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}
