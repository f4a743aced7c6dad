package service

import (
	"context"
	"errors"
	"time"

	"settlement-service/internal/domain"
	"settlement-service/internal/repository"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const escrowBatchSize = 100

type walletService struct {
	store repository.Store
	now   func() time.Time
}

func NewWalletService(store repository.Store) *walletService {
	return &walletService{store: store, now: time.Now}
}

// Wallet returns the balances of sellerID. Only the seller and admins may
// read them.
func (s *walletService) Wallet(ctx context.Context, actor Actor, sellerID string) (*domain.SellerWallet, error) {
	if !actor.Admin && actor.ID != sellerID {
		return nil, domain.Forbidden("you can only view your own wallet")
	}
	w, err := s.store.GetWallet(ctx, sellerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NotFound("wallet not found")
	}
	return w, err
}

// ReleaseMatured moves the earnings of settled transactions whose escrow
// period has passed from pending to available. It returns how many
// transactions were released.
func (s *walletService) ReleaseMatured(ctx context.Context) (int, error) {
	now := s.now()
	released := 0
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		released = 0
		txs, err := tx.LockMaturedEscrow(ctx, now, escrowBatchSize)
		if err != nil {
			return err
		}
		for _, t := range txs {
			before, after, err := tx.ReleasePending(ctx, t.SellerID, t.SellerEarning)
			if err != nil {
				return err
			}
			if err := tx.InsertLedgerEntry(ctx, &domain.LedgerEntry{
				ID:            uuid.NewString(),
				SellerID:      t.SellerID,
				TransactionID: t.ID,
				Type:          domain.LedgerEscrowRelease,
				Amount:        t.SellerEarning,
				BalanceBefore: before.AvailableBalance,
				BalanceAfter:  after.AvailableBalance,
			}); err != nil {
				return err
			}
			if err := tx.MarkEscrowReleased(ctx, t.ID, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// RunEscrowRelease calls ReleaseMatured every interval until ctx is done.
func (s *walletService) RunEscrowRelease(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Escrow release worker stopping due to context cancellation")
			return
		case <-ticker.C:
			n, err := s.ReleaseMatured(ctx)
			if err != nil {
				log.WithError(err).Error("Failed to release matured escrow")
				continue
			}
			if n > 0 {
				log.WithField("released", n).Info("Released matured escrow")
			}
		}
	}
}
