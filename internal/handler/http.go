package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"settlement-service/internal/breaker"
	"settlement-service/internal/domain"
	"settlement-service/internal/service"

	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type CheckoutService interface {
	CreateOrder(ctx context.Context, actor service.Actor, idempotencyKey string, req service.CreateOrderRequest) (service.CreateOrderResult, error)
}

type SettlementService interface {
	Verify(ctx context.Context, actor service.Actor, orderID, paymentID, signature string) (service.SettlementResult, error)
}

type DisputeService interface {
	Create(ctx context.Context, actor service.Actor, transactionID, reason string) (*domain.Dispute, error)
	Get(ctx context.Context, actor service.Actor, id string) (*domain.Dispute, error)
	Start(ctx context.Context, actor service.Actor, id, key string, req service.StartRequest) (service.ResolutionResult, error)
	Resolve(ctx context.Context, actor service.Actor, id, key string, req service.ResolveRequest) (service.ResolutionResult, error)
	Reject(ctx context.Context, actor service.Actor, id, key string, req service.RejectRequest) (service.ResolutionResult, error)
}

type WalletService interface {
	Wallet(ctx context.Context, actor service.Actor, sellerID string) (*domain.SellerWallet, error)
}

// BreakerStatus exposes the gateway breaker on the health endpoint.
type BreakerStatus interface {
	State() breaker.State
	Snapshot() breaker.Snapshot
}

type httpHandler struct {
	checkout   CheckoutService
	settlement SettlementService
	disputes   DisputeService
	wallets    WalletService
	breaker    BreakerStatus
}

// NewHTTPHandler wires the API routes. status may be nil when the gateway is
// disabled.
func NewHTTPHandler(checkout CheckoutService, settlement SettlementService, disputes DisputeService, wallets WalletService, status BreakerStatus) http.Handler {
	h := &httpHandler{checkout: checkout, settlement: settlement, disputes: disputes, wallets: wallets, breaker: status}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return logRequests(mux)
}

func (h *httpHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments/create-order", h.createOrder)
	mux.HandleFunc("POST /payments/verify", h.verify)
	mux.HandleFunc("POST /disputes", h.createDispute)
	mux.HandleFunc("GET /disputes/{id}", h.getDispute)
	mux.HandleFunc("PUT /disputes/{id}/start", h.startDispute)
	mux.HandleFunc("PUT /disputes/{id}/resolve", h.resolveDispute)
	mux.HandleFunc("PUT /disputes/{id}/reject", h.rejectDispute)
	mux.HandleFunc("GET /wallets/{sellerId}", h.getWallet)
	mux.HandleFunc("GET /healthz", h.health)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Dispute is the current state returned with a version conflict.
	Dispute *domain.Dispute `json:"dispute,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps err to a status code. Unexpected errors are logged
// in full and answered with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		log.WithError(err).WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Error("Request failed")
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation, domain.KindVerification:
		status = http.StatusBadRequest
	case domain.KindUnauthenticated:
		status = http.StatusUnauthorized
	case domain.KindAuthorization:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindGatewayRejected:
		status = http.StatusBadGateway
	case domain.KindGatewayUnavailable:
		status = http.StatusServiceUnavailable
	}
	if de.Err != nil {
		log.WithError(de.Err).WithFields(log.Fields{"code": de.Code, "path": r.URL.Path}).Warn("Request failed")
	}
	writeError(w, status, de.Code, de.Message)
}

func actorFrom(r *http.Request) (service.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		return service.Actor{}, false
	}
	return service.Actor{ID: id, Admin: strings.EqualFold(r.Header.Get("X-User-Role"), "admin")}, true
}

// authenticate returns the caller or answers 401.
func authenticate(w http.ResponseWriter, r *http.Request) (service.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "authentication required")
	}
	return actor, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *httpHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	var req service.CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.checkout.CreateOrder(r.Context(), actor, r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set(replayedHeader, "true")
	}
	writeJSON(w, http.StatusOK, res)
}

type verifyRequest struct {
	OrderID   string `json:"razorpayOrderId"`
	PaymentID string `json:"razorpayPaymentId"`
	Signature string `json:"razorpaySignature"`
}

type verifyResponse struct {
	Status           string   `json:"status"`
	AlreadyProcessed bool     `json:"alreadyProcessed"`
	TransactionIDs   []string `json:"transactionIds"`
	PurchaseIDs      []string `json:"purchaseIds,omitempty"`
}

func (h *httpHandler) verify(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.settlement.Verify(r.Context(), actor, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	switch res.Outcome {
	case service.OutcomeSettled, service.OutcomeAlreadySettled:
		writeJSON(w, http.StatusOK, verifyResponse{
			Status:           string(domain.TransactionSuccess),
			AlreadyProcessed: res.Outcome == service.OutcomeAlreadySettled,
			TransactionIDs:   res.TransactionIDs,
			PurchaseIDs:      res.PurchaseIDs,
		})
	case service.OutcomeVerificationFailed:
		writeError(w, http.StatusBadRequest, domain.CodeVerificationFailed, "payment signature verification failed")
	case service.OutcomeAlreadyProcessed:
		writeError(w, http.StatusBadRequest, domain.CodeAlreadyProcessed, "payment has already been processed")
	case service.OutcomeUnauthorized:
		writeError(w, http.StatusForbidden, domain.CodeForbidden, "not the buyer of this order")
	case service.OutcomeSettlementNotFound:
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "order not found")
	default:
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
	}
}

type createDisputeRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

func (h *httpHandler) createDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	var req createDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.disputes.Create(r.Context(), actor, req.TransactionID, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *httpHandler) getDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	d, err := h.disputes.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *httpHandler) startDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, actor service.Actor, id, key string) (service.ResolutionResult, error) {
		var req service.StartRequest
		if !decodeBody(w, r, &req) {
			return service.ResolutionResult{}, errBodyWritten
		}
		return h.disputes.Start(ctx, actor, id, key, req)
	})
}

func (h *httpHandler) resolveDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, actor service.Actor, id, key string) (service.ResolutionResult, error) {
		var req service.ResolveRequest
		if !decodeBody(w, r, &req) {
			return service.ResolutionResult{}, errBodyWritten
		}
		return h.disputes.Resolve(ctx, actor, id, key, req)
	})
}

func (h *httpHandler) rejectDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, actor service.Actor, id, key string) (service.ResolutionResult, error) {
		var req service.RejectRequest
		if !decodeBody(w, r, &req) {
			return service.ResolutionResult{}, errBodyWritten
		}
		return h.disputes.Reject(ctx, actor, id, key, req)
	})
}

// errBodyWritten signals that the response was already written.
var errBodyWritten = errors.New("response written")

// replayedHeader marks a response served from a prior execution; the body
// is identical to the original one.
const replayedHeader = "Idempotent-Replayed"

type transitionResponse struct {
	Dispute *domain.Dispute      `json:"dispute"`
	Refund  *domain.RefundRecord `json:"refund,omitempty"`
}

func (h *httpHandler) transition(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, actor service.Actor, id, key string) (service.ResolutionResult, error)) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, domain.CodeIdempotencyKeyRequired, "Idempotency-Key header is required")
		return
	}

	res, err := run(r.Context(), actor, r.PathValue("id"), key)
	if errors.Is(err, errBodyWritten) {
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	switch res.Outcome {
	case service.OutcomeResolved, service.OutcomeReplayed:
		if res.Outcome == service.OutcomeReplayed {
			w.Header().Set(replayedHeader, "true")
		}
		writeJSON(w, http.StatusOK, transitionResponse{Dispute: res.Dispute, Refund: res.Refund})
	case service.OutcomeConflict:
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:    domain.CodeConflict,
			Message: "dispute was modified by another request; re-read and retry",
			Dispute: res.Dispute,
		})
	case service.OutcomeInvalidState:
		msg := res.Message
		if msg == "" {
			msg = "dispute cannot make this transition from its current status"
		}
		writeJSON(w, http.StatusConflict, errorResponse{Code: domain.CodeInvalidState, Message: msg, Dispute: res.Dispute})
	case service.OutcomeGatewayRejected:
		msg := "refund rejected by payment gateway"
		if res.Message != "" {
			msg += ": " + res.Message
		}
		writeError(w, http.StatusBadGateway, domain.CodeRefundRejected, msg)
	case service.OutcomeGatewayUnavailable:
		writeError(w, http.StatusServiceUnavailable, domain.CodeGatewayUnavailable, "payment gateway is unavailable, retry later")
	case service.OutcomeDisputeNotFound:
		writeError(w, http.StatusNotFound, domain.CodeNotFound, "dispute not found")
	default:
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "internal error")
	}
}

func (h *httpHandler) getWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticate(w, r)
	if !ok {
		return
	}
	wallet, err := h.wallets.Wallet(r.Context(), actor, r.PathValue("sellerId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.breaker != nil {
		resp["breaker"] = map[string]interface{}{
			"state":  h.breaker.State(),
			"window": h.breaker.Snapshot(),
		}
	} else {
		resp["breaker"] = map[string]interface{}{"state": "DISABLED"}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Handled request")
	})
}
