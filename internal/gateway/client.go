// Package gateway talks to the external payment provider.
package gateway

import "context"

type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type RefundRequest struct {
	TransactionID  string
	PaymentID      string
	Amount         int64
	IdempotencyKey string
}

type RefundResult struct {
	Success    bool
	GatewayRef string
	Error      string
}

// Client is the payment provider contract. VerifySignature is local and
// never touches the network.
type Client interface {
	CreateOrder(ctx context.Context, amountMinor int64, receiptID, userID string) (Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
