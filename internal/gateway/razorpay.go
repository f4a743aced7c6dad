package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Currency  string
}

// RazorpayClient is a Client backed by the Razorpay REST API. Credentials are
// fixed at construction.
type RazorpayClient struct {
	cfg  RazorpayConfig
	http *http.Client
}

func NewRazorpayClient(cfg RazorpayConfig, httpClient *http.Client) *RazorpayClient {
	if httpClient == nil {
		// the breaker owns the per-call deadline; this is a backstop
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RazorpayClient{cfg: cfg, http: httpClient}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d %s: %s", e.StatusCode, e.Code, e.Description)
}

// IsHealthyResponse reports whether err says nothing bad about the gateway's
// health: no error, or a 4xx answer to a request the gateway refused.
func IsHealthyResponse(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

func (c *RazorpayClient) CreateOrder(ctx context.Context, amountMinor int64, receiptID, userID string) (Order, error) {
	var order Order
	req := orderRequest{
		Amount:   amountMinor,
		Currency: c.cfg.Currency,
		Receipt:  receiptID,
		Notes:    map[string]string{"user_id": userID},
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", "", req, &order); err != nil {
		return Order{}, fmt.Errorf("failed to create gateway order: %w", err)
	}
	return order, nil
}

func (c *RazorpayClient) VerifySignature(orderID, paymentID, signature string) bool {
	return Verify(c.cfg.KeySecret, orderID, paymentID, signature)
}

type refundRequest struct {
	Amount  int64             `json:"amount"`
	Receipt string            `json:"receipt,omitempty"`
	Notes   map[string]string `json:"notes,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Refund issues a refund for a captured payment. A 4xx answer is a rejection
// reported in the result; transport failures and 5xx answers are errors.
func (c *RazorpayClient) Refund(ctx context.Context, r RefundRequest) (RefundResult, error) {
	body := refundRequest{
		Amount:  r.Amount,
		Receipt: r.IdempotencyKey,
		Notes:   map[string]string{"transaction_id": r.TransactionID},
	}
	var resp refundResponse
	path := "/v1/payments/" + url.PathEscape(r.PaymentID) + "/refund"
	err := c.do(ctx, http.MethodPost, path, r.IdempotencyKey, body, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			log.WithFields(log.Fields{
				"transaction_id": r.TransactionID,
				"code":           se.Code,
			}).Warn("Gateway rejected refund")
			return RefundResult{Success: false, Error: se.Description}, nil
		}
		return RefundResult{}, fmt.Errorf("failed to issue refund: %w", err)
	}
	if resp.Status == "failed" {
		return RefundResult{Success: false, GatewayRef: resp.ID, Error: "refund failed at gateway"}, nil
	}
	return RefundResult{Success: true, GatewayRef: resp.ID}, nil
}

func (c *RazorpayClient) do(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			se.Code = eb.Error.Code
			se.Description = eb.Error.Description
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
