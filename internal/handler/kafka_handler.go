package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settlement-service/internal/gateway"
	"settlement-service/internal/service"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrMalformedWebhook        = errors.New("malformed webhook event")
)

// PaymentEventService applies gateway payment events.
type PaymentEventService interface {
	ConfirmCaptured(ctx context.Context, orderID, paymentID string) (service.SettlementResult, error)
	MarkFailed(ctx context.Context, orderID, paymentID string) (service.SettlementResult, error)
}

// callbackMessage is a raw gateway webhook as relayed onto Kafka by the edge.
type callbackMessage struct {
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature"`
}

type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type gatewayEventHandler struct {
	payments      PaymentEventService
	webhookSecret string
}

func NewGatewayEventHandler(payments PaymentEventService, webhookSecret string) *gatewayEventHandler {
	return &gatewayEventHandler{payments: payments, webhookSecret: webhookSecret}
}

func (h *gatewayEventHandler) HandleMessage(ctx context.Context, message []byte) error {
	var msg callbackMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	body := []byte(msg.Body)
	// the relay may forward the body as a JSON string
	var raw string
	if len(body) > 0 && body[0] == '"' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		body = []byte(raw)
	}

	if !gateway.VerifyPayload(h.webhookSecret, body, msg.Signature) {
		return ErrInvalidWebhookSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	entity := event.Payload.Payment.Entity
	logCtx := log.WithFields(log.Fields{
		"event":      event.Event,
		"order_id":   entity.OrderID,
		"payment_id": entity.ID,
	})

	switch event.Event {
	case "payment.captured":
		if entity.OrderID == "" || entity.ID == "" {
			return ErrMalformedWebhook
		}
		res, err := h.payments.ConfirmCaptured(ctx, entity.OrderID, entity.ID)
		if err != nil {
			return fmt.Errorf("failed to confirm captured payment: %w", err)
		}
		logCtx.WithField("outcome", res.Outcome).Info("Applied gateway event")
	case "payment.failed":
		if entity.OrderID == "" {
			return ErrMalformedWebhook
		}
		res, err := h.payments.MarkFailed(ctx, entity.OrderID, entity.ID)
		if err != nil {
			return fmt.Errorf("failed to record failed payment: %w", err)
		}
		logCtx.WithField("outcome", res.Outcome).Info("Applied gateway event")
	default:
		logCtx.Debug("Ignoring gateway event")
	}
	return nil
}
