package gateway

import (
	"context"

	"settlement-service/internal/breaker"
)

// Protected routes every network call of a Client through a circuit breaker.
// Signature verification is local and bypasses the breaker.
type Protected struct {
	client  Client
	breaker *breaker.Breaker
}

func NewProtected(client Client, b *breaker.Breaker) *Protected {
	return &Protected{client: client, breaker: b}
}

func (p *Protected) CreateOrder(ctx context.Context, amountMinor int64, receiptID, userID string) (Order, error) {
	return breaker.Do(ctx, p.breaker, "create_order", func(ctx context.Context) (Order, error) {
		return p.client.CreateOrder(ctx, amountMinor, receiptID, userID)
	})
}

func (p *Protected) VerifySignature(orderID, paymentID, signature string) bool {
	return p.client.VerifySignature(orderID, paymentID, signature)
}

func (p *Protected) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return breaker.Do(ctx, p.breaker, "refund", func(ctx context.Context) (RefundResult, error) {
		return p.client.Refund(ctx, req)
	})
}

func (p *Protected) Breaker() *breaker.Breaker { return p.breaker }
