package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/domain"
	"settlement-service/internal/repository"
	"settlement-service/internal/validator"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SignatureVerifier checks a checkout signature locally.
type SignatureVerifier interface {
	VerifySignature(orderID, paymentID, signature string) bool
}

type settlementService struct {
	store      repository.Store
	verifier   SignatureVerifier
	escrowHold time.Duration
	now        func() time.Time
}

// NewSettlementService returns the settlement service. A nil verifier means
// the payment service is disabled.
func NewSettlementService(store repository.Store, verifier SignatureVerifier, escrowHold time.Duration) *settlementService {
	return &settlementService{store: store, verifier: verifier, escrowHold: escrowHold, now: time.Now}
}

// Verify settles the gateway order orderID on behalf of its buyer. Every
// step runs in one database transaction; a signature mismatch commits the
// FAILED marking and nothing else.
func (s *settlementService) Verify(ctx context.Context, actor Actor, orderID, paymentID, signature string) (SettlementResult, error) {
	if err := validator.ValidateVerification(orderID, paymentID, signature); err != nil {
		return SettlementResult{}, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}
	if s.verifier == nil {
		return SettlementResult{}, domain.NewError(domain.KindGatewayUnavailable, domain.CodePaymentDisabled, "payment service is not configured")
	}

	var result SettlementResult
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		result = SettlementResult{}
		txs, err := tx.LockTransactionsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			result.Outcome = OutcomeSettlementNotFound
			return nil
		}
		result.TransactionIDs = transactionIDs(txs)
		for _, t := range txs {
			if t.BuyerID != actor.ID {
				result.Outcome = OutcomeUnauthorized
				return nil
			}
		}
		if outcome, done := classify(txs); done {
			result.Outcome = outcome
			return nil
		}

		if !s.verifier.VerifySignature(orderID, paymentID, signature) {
			if _, err := tx.MarkTransactionsFailed(ctx, orderID, paymentID, signature); err != nil {
				return err
			}
			result.Outcome = OutcomeVerificationFailed
			return nil
		}

		purchaseIDs, err := s.settle(ctx, tx, orderID, txs, paymentID, signature)
		if err != nil {
			return err
		}
		result.Outcome = OutcomeSettled
		result.PurchaseIDs = purchaseIDs
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}

	log.WithFields(log.Fields{
		"order_id":   orderID,
		"payment_id": paymentID,
		"user_id":    actor.ID,
		"outcome":    result.Outcome,
	}).Info("Processed payment verification")
	return result, nil
}

// ConfirmCaptured settles orderID from a signed gateway webhook. The webhook
// signature has already been checked so no buyer or checkout signature
// check applies.
func (s *settlementService) ConfirmCaptured(ctx context.Context, orderID, paymentID string) (SettlementResult, error) {
	var result SettlementResult
	fields := log.Fields{"order_id": orderID, "payment_id": paymentID, "event": "payment.captured", "actor_id": SystemActor.ID}
	err := retryTransient(ctx, fields, func() error {
		return s.store.InTx(ctx, func(tx repository.Tx) error {
			result = SettlementResult{}
			txs, err := tx.LockTransactionsByOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				result.Outcome = OutcomeSettlementNotFound
				return nil
			}
			result.TransactionIDs = transactionIDs(txs)
			if outcome, done := classify(txs); done {
				result.Outcome = outcome
				return nil
			}
			purchaseIDs, err := s.settle(ctx, tx, orderID, txs, paymentID, "")
			if err != nil {
				return err
			}
			result.Outcome = OutcomeSettled
			result.PurchaseIDs = purchaseIDs
			return nil
		})
	})
	if err != nil {
		return SettlementResult{}, err
	}
	log.WithFields(fields).WithField("outcome", result.Outcome).Info("Processed captured payment")
	return result, nil
}

// MarkFailed records a gateway payment failure for an unsettled order.
func (s *settlementService) MarkFailed(ctx context.Context, orderID, paymentID string) (SettlementResult, error) {
	var result SettlementResult
	fields := log.Fields{"order_id": orderID, "payment_id": paymentID, "event": "payment.failed", "actor_id": SystemActor.ID}
	err := retryTransient(ctx, fields, func() error {
		return s.store.InTx(ctx, func(tx repository.Tx) error {
			result = SettlementResult{}
			txs, err := tx.LockTransactionsByOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				result.Outcome = OutcomeSettlementNotFound
				return nil
			}
			result.TransactionIDs = transactionIDs(txs)
			if outcome, done := classify(txs); done {
				result.Outcome = outcome
				return nil
			}
			if _, err := tx.MarkTransactionsFailed(ctx, orderID, paymentID, ""); err != nil {
				return err
			}
			result.Outcome = OutcomeVerificationFailed
			return nil
		})
	})
	if err != nil {
		return SettlementResult{}, err
	}
	log.WithFields(fields).WithField("outcome", result.Outcome).Info("Processed failed payment")
	return result, nil
}

// classify decides whether a locked transaction set is already final. An
// all-SUCCESS set is an idempotent no-op; any other mix that is not
// PENDING/FAILED cannot be settled.
func classify(txs []domain.Transaction) (SettlementOutcome, bool) {
	succeeded := 0
	for _, t := range txs {
		if t.Status == domain.TransactionSuccess {
			succeeded++
			continue
		}
		if !t.Status.CanTransition(domain.TransactionSuccess) {
			return OutcomeAlreadyProcessed, true
		}
	}
	if succeeded == len(txs) {
		return OutcomeAlreadySettled, true
	}
	if succeeded > 0 {
		return OutcomeAlreadyProcessed, true
	}
	return 0, false
}

var errSettlementRaced = errors.New("transaction set changed during settlement")

// settle performs the fan-out of a successful payment. Any error rolls the
// whole unit back.
func (s *settlementService) settle(ctx context.Context, tx repository.Tx, orderID string, txs []domain.Transaction, paymentID, signature string) ([]string, error) {
	releaseAt := s.now().Add(s.escrowHold)
	n, err := tx.MarkTransactionsSucceeded(ctx, orderID, paymentID, signature, releaseAt)
	if err != nil {
		return nil, err
	}
	if n != int64(len(txs)) {
		return nil, fmt.Errorf("%w: marked %d of %d", errSettlementRaced, n, len(txs))
	}

	purchaseIDs := make([]string, 0, len(txs))
	for _, t := range txs {
		p := domain.Purchase{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			BuyerID:       t.BuyerID,
			NoteID:        t.NoteID,
			WatermarkID:   newWatermarkID(),
		}
		if err := tx.InsertPurchase(ctx, &p); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, domain.Wrap(domain.KindConflict, domain.CodeAlreadyPurchased, "note is already purchased", err)
			}
			return nil, err
		}
		if err := tx.IncrementNotePurchaseCount(ctx, t.NoteID); err != nil {
			return nil, fmt.Errorf("failed to count purchase of note %s: %w", t.NoteID, err)
		}

		before, after, err := tx.CreditPending(ctx, t.SellerID, t.SellerEarning)
		if err != nil {
			return nil, err
		}
		if err := tx.InsertLedgerEntry(ctx, &domain.LedgerEntry{
			ID:            uuid.NewString(),
			SellerID:      t.SellerID,
			TransactionID: t.ID,
			Type:          domain.LedgerSaleCredit,
			Amount:        t.SellerEarning,
			BalanceBefore: before.PendingBalance,
			BalanceAfter:  after.PendingBalance,
		}); err != nil {
			return nil, err
		}

		if err := enqueue(ctx, tx, domain.NotifyBuyerPurchase, t.BuyerID, domain.PurchaseInfo{
			TransactionID: t.ID,
			PurchaseID:    p.ID,
			UserID:        t.BuyerID,
			NoteID:        t.NoteID,
			Amount:        t.GrossAmount,
			WatermarkID:   p.WatermarkID,
		}); err != nil {
			return nil, err
		}
		if err := enqueue(ctx, tx, domain.NotifySellerSale, t.SellerID, domain.SaleInfo{
			TransactionID: t.ID,
			SellerID:      t.SellerID,
			NoteID:        t.NoteID,
			GrossAmount:   t.GrossAmount,
			SellerEarning: t.SellerEarning,
		}); err != nil {
			return nil, err
		}
		purchaseIDs = append(purchaseIDs, p.ID)
	}
	return purchaseIDs, nil
}

func enqueue(ctx context.Context, tx repository.Tx, kind domain.NotificationKind, recipient string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return tx.EnqueueNotification(ctx, &domain.Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		RecipientID: recipient,
		Payload:     data,
	})
}

func newWatermarkID() string {
	return "wm_" + uuid.NewString()
}

func transactionIDs(txs []domain.Transaction) []string {
	ids := make([]string, len(txs))
	for i, t := range txs {
		ids[i] = t.ID
	}
	return ids
}
