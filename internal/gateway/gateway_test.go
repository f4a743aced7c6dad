package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"settlement-service/internal/alert"
	"settlement-service/internal/breaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptsOwnSignature(t *testing.T) {
	sig := Sign("secret", "order_1", "pay_1")
	assert.True(t, Verify("secret", "order_1", "pay_1", sig))
	assert.False(t, Verify("other", "order_1", "pay_1", sig))
	assert.False(t, Verify("secret", "order_1", "pay_2", sig))
	assert.False(t, Verify("secret", "order_1", "pay_1", ""))
	assert.False(t, Verify("", "order_1", "pay_1", sig))
}

func TestVerifyRejectsEverySingleByteMutation(t *testing.T) {
	sig := []byte(Sign("secret", "order_1", "pay_1"))
	for i := range sig {
		mutated := make([]byte, len(sig))
		copy(mutated, sig)
		mutated[i] ^= 0x01
		assert.False(t, Verify("secret", "order_1", "pay_1", string(mutated)), "byte %d", i)
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *RazorpayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRazorpayClient(RazorpayConfig{
		KeyID:     "rzp_test",
		KeySecret: "secret",
		BaseURL:   srv.URL + "/",
	}, srv.Client())
}

func TestCreateOrder(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test", user)
		assert.Equal(t, "secret", pass)

		var body orderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(150000), body.Amount)
		assert.Equal(t, "INR", body.Currency)
		assert.Equal(t, "rcpt_1", body.Receipt)
		assert.Equal(t, "buyer-1", body.Notes["user_id"])

		_ = json.NewEncoder(w).Encode(Order{ID: "order_X", Amount: body.Amount, Currency: "INR", Status: "created"})
	})

	order, err := client.CreateOrder(context.Background(), 150000, "rcpt_1", "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, "order_X", order.ID)
	assert.Equal(t, "created", order.Status)
}

func TestRefundOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    RefundResult
		wantErr bool
	}{
		{"processed", http.StatusOK, `{"id":"rfnd_1","status":"processed"}`, RefundResult{Success: true, GatewayRef: "rfnd_1"}, false},
		{"failed status", http.StatusOK, `{"id":"rfnd_2","status":"failed"}`, RefundResult{Success: false, GatewayRef: "rfnd_2", Error: "refund failed at gateway"}, false},
		{"rejected", http.StatusBadRequest, `{"error":{"code":"BAD_REQUEST_ERROR","description":"fully refunded already"}}`, RefundResult{Success: false, Error: "fully refunded already"}, false},
		{"server error", http.StatusBadGateway, `{}`, RefundResult{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payments/pay_1/refund", r.URL.Path)
				assert.Equal(t, "refund:d1:v3", r.Header.Get("Idempotency-Key"))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			got, err := client.Refund(context.Background(), RefundRequest{
				TransactionID:  "tx-1",
				PaymentID:      "pay_1",
				Amount:         1000,
				IdempotencyKey: "refund:d1:v3",
			})
			if tc.wantErr {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadGateway, se.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRazorpayVerifySignatureUsesKeySecret(t *testing.T) {
	client := NewRazorpayClient(RazorpayConfig{KeyID: "k", KeySecret: "secret"}, nil)
	assert.True(t, client.VerifySignature("o", "p", Sign("secret", "o", "p")))
}

func TestProtectedOpensAfterGatewayFailures(t *testing.T) {
	var hits atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	b := breaker.New(breaker.Config{
		MinRequests:  5,
		CallTimeout:  time.Second,
		ResetTimeout: time.Minute,
	}, alert.LogAlerter{})
	p := NewProtected(client, b)

	for i := 0; i < 5; i++ {
		_, err := p.CreateOrder(context.Background(), 100, "r", "u")
		require.Error(t, err)
		assert.False(t, errors.Is(err, breaker.ErrUnavailable))
	}

	_, err := p.CreateOrder(context.Background(), 100, "r", "u")
	assert.ErrorIs(t, err, breaker.ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load(), "open breaker must not reach the gateway")

	// verification is local and unaffected by breaker state
	assert.True(t, p.VerifySignature("o", "p", Sign("secret", "o", "p")))
}

func TestProtectedTimesOutSlowGateway(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	b := breaker.New(breaker.Config{CallTimeout: 50 * time.Millisecond}, alert.LogAlerter{})
	p := NewProtected(client, b)

	start := time.Now()
	_, err := p.Refund(context.Background(), RefundRequest{PaymentID: "pay_1", Amount: 1})
	assert.ErrorIs(t, err, breaker.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProtectedIgnoresRejectedOrders(t *testing.T) {
	var hits atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount exceeds maximum"}}`))
	})
	b := breaker.New(breaker.Config{MinRequests: 5, CallTimeout: time.Second, ResetTimeout: time.Minute},
		alert.LogAlerter{}, breaker.WithSuccessClassifier(IsHealthyResponse))
	p := NewProtected(client, b)

	for i := 0; i < 8; i++ {
		_, err := p.CreateOrder(context.Background(), 100, "r", "u")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	}
	assert.Equal(t, int32(8), hits.Load())
	assert.Equal(t, breaker.StateClosed, p.Breaker().State())
	assert.Equal(t, int64(0), b.Snapshot().Failures)
}

func TestIsHealthyResponse(t *testing.T) {
	assert.True(t, IsHealthyResponse(nil))
	assert.True(t, IsHealthyResponse(fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusConflict})))
	assert.False(t, IsHealthyResponse(&StatusError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsHealthyResponse(errors.New("connection reset")))
	assert.False(t, IsHealthyResponse(breaker.ErrTimeout))
}
