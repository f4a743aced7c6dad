package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"settlement-service/internal/domain"
	"settlement-service/internal/gateway"
	"settlement-service/internal/idempotency"
	"settlement-service/internal/money"
	"settlement-service/internal/repository"
	"settlement-service/internal/validator"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ReservationGuard deduplicates checkout requests.
type ReservationGuard interface {
	Reserve(ctx context.Context, userID, clientKey string, payload interface{}) (idempotency.Result, error)
	Complete(ctx context.Context, userID, clientKey string, response interface{}) error
	MarkFailed(ctx context.Context, userID, clientKey string) error
}

// OrderCreator creates payment intents at the gateway.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amountMinor int64, receiptID, userID string) (gateway.Order, error)
}

type CreateOrderRequest struct {
	NoteIDs []string `json:"noteIds"`
}

type CreateOrderResult struct {
	OrderID        string   `json:"orderId"`
	TransactionIDs []string `json:"transactionIds"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	// Replayed is transport metadata; the stored body is returned unchanged.
	Replayed bool `json:"-"`
}

type checkoutService struct {
	store    repository.Store
	guard    ReservationGuard
	gateway  OrderCreator
	rate     decimal.Decimal
	currency string
}

// NewCheckoutService returns a checkout service. A nil gateway means the
// payment service is disabled and every order is refused.
func NewCheckoutService(store repository.Store, guard ReservationGuard, gw OrderCreator, rate decimal.Decimal, currency string) *checkoutService {
	return &checkoutService{store: store, guard: guard, gateway: gw, rate: rate, currency: currency}
}

// CreateOrder reserves a payment intent for the notes in req exactly once per
// idempotency key. Without a key one is derived from the buyer and the notes.
func (s *checkoutService) CreateOrder(ctx context.Context, actor Actor, idempotencyKey string, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := validator.ValidateUserID(actor.ID); err != nil {
		return CreateOrderResult{}, domain.NewError(domain.KindUnauthenticated, domain.CodeUnauthorized, err.Error())
	}
	if err := validator.ValidateNoteIDs(req.NoteIDs); err != nil {
		return CreateOrderResult{}, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}
	if s.gateway == nil {
		return CreateOrderResult{}, domain.NewError(domain.KindGatewayUnavailable, domain.CodePaymentDisabled, "payment service is not configured")
	}

	noteIDs := normalizeIDs(req.NoteIDs)
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = idempotency.DeriveKey(actor.ID, noteIDs)
	} else if err := validator.ValidateIdempotencyKey(key); err != nil {
		return CreateOrderResult{}, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}

	logCtx := log.WithFields(log.Fields{"user_id": actor.ID, "idempotency_key": key})

	res, err := s.guard.Reserve(ctx, actor.ID, key, CreateOrderRequest{NoteIDs: noteIDs})
	if errors.Is(err, idempotency.ErrKeyReused) {
		return CreateOrderResult{}, domain.Conflict(domain.CodeIdempotencyKeyReused, "idempotency key was used for a different order")
	}
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to reserve checkout: %w", err)
	}
	if !res.Reserved {
		if res.InProgress() {
			return CreateOrderResult{}, domain.Conflict(domain.CodeRequestInProgress, "an identical request is still being processed")
		}
		var prior CreateOrderResult
		if err := json.Unmarshal(res.Existing.Response, &prior); err != nil {
			return CreateOrderResult{}, fmt.Errorf("failed to decode stored checkout result: %w", err)
		}
		prior.Replayed = true
		logCtx.WithField("order_id", prior.OrderID).Info("Replayed checkout")
		return prior, nil
	}

	result, err := s.createOrder(ctx, actor, res.PaymentID, noteIDs)
	if err != nil {
		if markErr := s.guard.MarkFailed(ctx, actor.ID, key); markErr != nil {
			logCtx.WithError(markErr).Error("Failed to mark reservation failed")
		}
		return CreateOrderResult{}, err
	}
	if err := s.guard.Complete(ctx, actor.ID, key, result); err != nil {
		// the order exists; the reservation stays CREATED until it expires
		logCtx.WithError(err).Error("Failed to complete reservation")
	}
	logCtx.WithFields(log.Fields{
		"order_id":     result.OrderID,
		"amount":       money.Format(result.Amount),
		"transactions": len(result.TransactionIDs),
	}).Info("Created gateway order")
	return result, nil
}

func (s *checkoutService) createOrder(ctx context.Context, actor Actor, receiptID string, noteIDs []string) (CreateOrderResult, error) {
	notes, err := s.store.GetNotes(ctx, noteIDs)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if len(notes) != len(noteIDs) {
		return CreateOrderResult{}, domain.Validation(domain.CodeNoteUnavailable, "one or more notes do not exist")
	}
	for _, n := range notes {
		if !n.IsAvailable {
			return CreateOrderResult{}, domain.Validation(domain.CodeNoteUnavailable, fmt.Sprintf("note %s is not available", n.ID))
		}
		if n.SellerID == actor.ID {
			return CreateOrderResult{}, domain.Validation(domain.CodeSelfPurchase, "you cannot purchase your own note")
		}
	}
	owned, err := s.store.ActivePurchasedNoteIDs(ctx, actor.ID, noteIDs)
	if err != nil {
		return CreateOrderResult{}, err
	}
	if len(owned) > 0 {
		return CreateOrderResult{}, domain.Validation(domain.CodeAlreadyPurchased, fmt.Sprintf("note %s is already purchased", owned[0]))
	}

	txs := make([]domain.Transaction, 0, len(notes))
	var total int64
	for _, n := range notes {
		commission, earning, err := money.Split(n.Price, s.rate)
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("failed to split note %s price: %w", n.ID, err)
		}
		total += n.Price
		txs = append(txs, domain.Transaction{
			ID:               uuid.NewString(),
			BuyerID:          actor.ID,
			SellerID:         n.SellerID,
			NoteID:           n.ID,
			GrossAmount:      n.Price,
			CommissionAmount: commission,
			SellerEarning:    earning,
			Status:           domain.TransactionPending,
		})
	}

	order, err := s.gateway.CreateOrder(ctx, total, receiptID, actor.ID)
	if err != nil {
		return CreateOrderResult{}, domain.Wrap(domain.KindGatewayUnavailable, domain.CodeGatewayUnavailable, "payment gateway is unavailable", err)
	}

	ids := make([]string, len(txs))
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		for i := range txs {
			txs[i].GatewayOrderID = order.ID
			if err := tx.InsertTransaction(ctx, &txs[i]); err != nil {
				return err
			}
			ids[i] = txs[i].ID
		}
		return nil
	})
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to record pending transactions: %w", err)
	}

	currency := order.Currency
	if currency == "" {
		currency = s.currency
	}
	return CreateOrderResult{OrderID: order.ID, TransactionIDs: ids, Amount: total, Currency: currency}, nil
}

// normalizeIDs lowercases and sorts ids so equivalent requests hash equally.
func normalizeIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strings.ToLower(strings.TrimSpace(id))
	}
	sort.Strings(out)
	return out
}
