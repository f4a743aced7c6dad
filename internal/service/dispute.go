package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/alert"
	"settlement-service/internal/domain"
	"settlement-service/internal/gateway"
	"settlement-service/internal/repository"
	"settlement-service/internal/validator"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Refunder issues refunds at the gateway.
type Refunder interface {
	Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error)
}

type ResolveRequest struct {
	CurrentVersion int64  `json:"currentVersion"`
	Resolution     string `json:"resolution"`
	Refund         bool   `json:"refund"`
}

type RejectRequest struct {
	CurrentVersion int64  `json:"currentVersion"`
	Resolution     string `json:"resolution"`
}

type StartRequest struct {
	CurrentVersion int64 `json:"currentVersion"`
}

// auditSnapshot is stored as the audit payload and served on replay.
type auditSnapshot struct {
	Dispute *domain.Dispute      `json:"dispute"`
	Refund  *domain.RefundRecord `json:"refund,omitempty"`
}

var (
	errVersionConflict = errors.New("dispute version changed")
	errKeyAlreadyUsed  = errors.New("idempotency key already recorded")
	errNotRefundable   = errors.New("transaction is no longer refundable")
)

type disputeService struct {
	store    repository.Store
	refunder Refunder
	alerter  alert.Alerter
}

// NewDisputeService returns the dispute state machine. A nil refunder means
// refunds cannot be issued and resolve-with-refund reports the gateway as
// unavailable.
func NewDisputeService(store repository.Store, refunder Refunder, alerter alert.Alerter) *disputeService {
	return &disputeService{store: store, refunder: refunder, alerter: alerter}
}

// Create opens a dispute on a settled transaction for its buyer.
func (s *disputeService) Create(ctx context.Context, actor Actor, transactionID, reason string) (*domain.Dispute, error) {
	if err := validator.ValidateTransactionID(transactionID); err != nil {
		return nil, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}
	if err := validator.ValidateReason(reason); err != nil {
		return nil, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}

	t, err := s.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NotFound("transaction not found")
	}
	if err != nil {
		return nil, err
	}
	if t.BuyerID != actor.ID {
		return nil, domain.Forbidden("only the buyer can dispute this transaction")
	}
	if t.Status != domain.TransactionSuccess {
		return nil, domain.Validation(domain.CodeInvalidState, "only settled transactions can be disputed")
	}

	d := &domain.Dispute{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		ReporterID:    actor.ID,
		Reason:        strings.TrimSpace(reason),
		Status:        domain.DisputeOpen,
		Version:       1,
	}
	if err := s.store.InsertDispute(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.Conflict(domain.CodeDisputeExists, "an open dispute already exists for this transaction")
		}
		return nil, err
	}
	log.WithFields(log.Fields{"dispute_id": d.ID, "transaction_id": t.ID}).Info("Dispute opened")
	return d, nil
}

// Get returns a dispute to an admin or to its reporter.
func (s *disputeService) Get(ctx context.Context, actor Actor, id string) (*domain.Dispute, error) {
	if err := validator.ValidateDisputeID(id); err != nil {
		return nil, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}
	d, err := s.store.GetDispute(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NotFound("dispute not found")
	}
	if err != nil {
		return nil, err
	}
	if !actor.Admin && d.ReporterID != actor.ID {
		return nil, domain.Forbidden("you cannot view this dispute")
	}
	return d, nil
}

// transition is one privileged dispute mutation.
type transition struct {
	action     string
	id         string
	key        string
	version    int64
	target     domain.DisputeStatus
	resolution string
	refund     bool
	// from lists the statuses the transition may start from.
	from []domain.DisputeStatus
}

// Start moves an OPEN dispute to IN_PROGRESS.
func (s *disputeService) Start(ctx context.Context, actor Actor, id, key string, req StartRequest) (ResolutionResult, error) {
	return s.apply(ctx, actor, transition{
		action:  domain.ActionDisputeStart,
		id:      id,
		key:     key,
		version: req.CurrentVersion,
		target:  domain.DisputeInProgress,
		from:    []domain.DisputeStatus{domain.DisputeOpen},
	})
}

// Resolve closes a dispute in the buyer's favour, refunding the payment
// first when req.Refund is set.
func (s *disputeService) Resolve(ctx context.Context, actor Actor, id, key string, req ResolveRequest) (ResolutionResult, error) {
	if err := validator.ValidateReason(req.Resolution); err != nil {
		return ResolutionResult{}, domain.Validation(domain.CodeInvalidRequest, "resolution: "+err.Error())
	}
	return s.apply(ctx, actor, transition{
		action:     domain.ActionDisputeResolve,
		id:         id,
		key:        key,
		version:    req.CurrentVersion,
		target:     domain.DisputeResolved,
		resolution: strings.TrimSpace(req.Resolution),
		refund:     req.Refund,
		from:       []domain.DisputeStatus{domain.DisputeOpen, domain.DisputeInProgress},
	})
}

// Reject closes a dispute without a refund.
func (s *disputeService) Reject(ctx context.Context, actor Actor, id, key string, req RejectRequest) (ResolutionResult, error) {
	if err := validator.ValidateReason(req.Resolution); err != nil {
		return ResolutionResult{}, domain.Validation(domain.CodeInvalidRequest, "resolution: "+err.Error())
	}
	return s.apply(ctx, actor, transition{
		action:     domain.ActionDisputeReject,
		id:         id,
		key:        key,
		version:    req.CurrentVersion,
		target:     domain.DisputeRejected,
		resolution: strings.TrimSpace(req.Resolution),
		from:       []domain.DisputeStatus{domain.DisputeOpen, domain.DisputeInProgress},
	})
}

func (s *disputeService) apply(ctx context.Context, actor Actor, tr transition) (ResolutionResult, error) {
	if !actor.Admin {
		return ResolutionResult{}, domain.Forbidden("only admins can change dispute status")
	}
	if err := validator.ValidateIdempotencyKey(tr.key); err != nil {
		return ResolutionResult{}, domain.Validation(domain.CodeIdempotencyKeyRequired, "Idempotency-Key header is required")
	}
	if err := validator.ValidateDisputeID(tr.id); err != nil {
		return ResolutionResult{}, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}
	if err := validator.ValidateVersion(tr.version); err != nil {
		return ResolutionResult{}, domain.Validation(domain.CodeInvalidRequest, err.Error())
	}

	logCtx := log.WithFields(log.Fields{
		"dispute_id":      tr.id,
		"action":          tr.action,
		"idempotency_key": tr.key,
		"actor_id":        actor.ID,
	})

	if res, ok, err := s.replay(ctx, tr); ok || err != nil {
		if ok {
			logCtx.Info("Replayed dispute transition")
		}
		return res, err
	}

	d, err := s.store.GetDispute(ctx, tr.id)
	if errors.Is(err, repository.ErrNotFound) {
		return ResolutionResult{Outcome: OutcomeDisputeNotFound}, nil
	}
	if err != nil {
		return ResolutionResult{}, err
	}
	if d.Version != tr.version {
		return ResolutionResult{Outcome: OutcomeConflict, Dispute: d}, nil
	}
	if !statusIn(d.Status, tr.from) {
		return ResolutionResult{Outcome: OutcomeInvalidState, Dispute: d}, nil
	}

	var (
		txn    *domain.Transaction
		refund gateway.RefundResult
	)
	refundKey := fmt.Sprintf("refund:%s:v%d", d.ID, d.Version)
	if tr.refund {
		txn, err = s.store.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return ResolutionResult{}, fmt.Errorf("failed to load disputed transaction: %w", err)
		}
		if txn.Status != domain.TransactionSuccess {
			return ResolutionResult{Outcome: OutcomeInvalidState, Dispute: d, Message: "transaction is not refundable"}, nil
		}
		if s.refunder == nil {
			return ResolutionResult{Outcome: OutcomeGatewayUnavailable, Dispute: d, Message: "payment service is not configured"}, nil
		}

		// the refund completes before any local transaction is opened
		refund, err = s.refunder.Refund(ctx, gateway.RefundRequest{
			TransactionID:  txn.ID,
			PaymentID:      txn.GatewayPaymentID,
			Amount:         txn.GrossAmount,
			IdempotencyKey: refundKey,
		})
		if err != nil {
			logCtx.WithError(err).Error("Refund failed: gateway unavailable")
			s.auditOutside(ctx, actor, tr, domain.AuditFailure, "", map[string]string{"error": err.Error()})
			return ResolutionResult{Outcome: OutcomeGatewayUnavailable, Dispute: d}, nil
		}
		if !refund.Success {
			logCtx.WithField("gateway_error", refund.Error).Warn("Refund rejected by gateway")
			s.auditOutside(ctx, actor, tr, domain.AuditFailure, refund.GatewayRef, map[string]string{"error": refund.Error})
			return ResolutionResult{Outcome: OutcomeGatewayRejected, Dispute: d, Message: refund.Error}, nil
		}
	}

	var result ResolutionResult
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		result = ResolutionResult{}
		ok, err := tx.UpdateDisputeStatus(ctx, repository.DisputeUpdate{
			ID:              d.ID,
			ExpectedVersion: tr.version,
			Status:          tr.target,
			Resolution:      tr.resolution,
			ResolvedBy:      actor.ID,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errVersionConflict
		}

		snap := auditSnapshot{}
		if tr.refund {
			rec, err := s.recordRefund(ctx, tx, d, txn.ID, refund.GatewayRef, refundKey)
			if err != nil {
				return err
			}
			snap.Refund = rec
		}

		updated, err := tx.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		snap.Dispute = updated

		payload, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &domain.AuditLogEntry{
			ID:             uuid.NewString(),
			ActorID:        actor.ID,
			Action:         tr.action,
			TargetType:     "dispute",
			TargetID:       d.ID,
			Payload:        payload,
			Result:         domain.AuditSuccess,
			GatewayRef:     refund.GatewayRef,
			IdempotencyKey: tr.key,
		}); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return errKeyAlreadyUsed
			}
			return err
		}
		result = ResolutionResult{Outcome: OutcomeResolved, Dispute: snap.Dispute, Refund: snap.Refund}
		return nil
	})

	switch {
	case err == nil:
		logCtx.WithFields(log.Fields{"status": tr.target, "refund": tr.refund}).Info("Dispute transition committed")
		return result, nil
	case errors.Is(err, errKeyAlreadyUsed):
		// a concurrent request with the same key committed first
		if res, ok, rerr := s.replay(ctx, tr); ok || rerr != nil {
			return res, rerr
		}
		return ResolutionResult{}, err
	}

	if tr.refund {
		s.checkOrphanedRefund(ctx, actor, tr, txn, refund.GatewayRef, err)
	}
	switch {
	case errors.Is(err, errVersionConflict):
		current, gerr := s.store.GetDispute(ctx, d.ID)
		if gerr != nil {
			current = d
		}
		return ResolutionResult{Outcome: OutcomeConflict, Dispute: current}, nil
	case errors.Is(err, errNotRefundable):
		return ResolutionResult{Outcome: OutcomeInvalidState, Dispute: d, Message: "transaction is not refundable"}, nil
	}
	return ResolutionResult{}, err
}

// recordRefund applies the local side of a confirmed gateway refund.
func (s *disputeService) recordRefund(ctx context.Context, tx repository.Tx, d *domain.Dispute, transactionID, gatewayRef, refundKey string) (*domain.RefundRecord, error) {
	t, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	ok, err := tx.MarkTransactionRefunded(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotRefundable
	}

	rec := &domain.RefundRecord{
		ID:             uuid.NewString(),
		TransactionID:  t.ID,
		DisputeID:      d.ID,
		Amount:         t.GrossAmount,
		GatewayRef:     gatewayRef,
		IdempotencyKey: refundKey,
	}
	if err := tx.InsertRefundRecord(ctx, rec); err != nil {
		return nil, err
	}

	fromPending := t.EscrowReleasedAt == nil
	before, after, err := tx.DebitForRefund(ctx, t.SellerID, t.SellerEarning, fromPending)
	if err != nil {
		return nil, err
	}
	entry := &domain.LedgerEntry{
		ID:            uuid.NewString(),
		SellerID:      t.SellerID,
		TransactionID: t.ID,
		Type:          domain.LedgerRefundDebit,
		Amount:        -t.SellerEarning,
		BalanceBefore: before.AvailableBalance,
		BalanceAfter:  after.AvailableBalance,
	}
	if fromPending {
		entry.BalanceBefore = before.PendingBalance
		entry.BalanceAfter = after.PendingBalance
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.DeactivatePurchase(ctx, t.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// replay returns the stored result of a transition already committed under
// the same idempotency key.
func (s *disputeService) replay(ctx context.Context, tr transition) (ResolutionResult, bool, error) {
	entry, err := s.store.FindAuditSuccess(ctx, tr.key, tr.action)
	if errors.Is(err, repository.ErrNotFound) {
		return ResolutionResult{}, false, nil
	}
	if err != nil {
		return ResolutionResult{}, false, err
	}
	if entry.TargetID != tr.id {
		return ResolutionResult{}, false, domain.Conflict(domain.CodeIdempotencyKeyReused, "idempotency key was used for another dispute")
	}
	var snap auditSnapshot
	if err := json.Unmarshal(entry.Payload, &snap); err != nil {
		return ResolutionResult{}, false, fmt.Errorf("failed to decode audit snapshot: %w", err)
	}
	return ResolutionResult{Outcome: OutcomeReplayed, Dispute: snap.Dispute, Refund: snap.Refund}, true, nil
}

// checkOrphanedRefund raises a critical alert when the gateway refunded but
// the local write was rolled back and no other writer recorded the refund.
func (s *disputeService) checkOrphanedRefund(ctx context.Context, actor Actor, tr transition, txn *domain.Transaction, gatewayRef string, cause error) {
	current, err := s.store.GetTransaction(ctx, txn.ID)
	if err == nil && current.Status == domain.TransactionRefunded {
		log.WithFields(log.Fields{
			"dispute_id":     tr.id,
			"transaction_id": txn.ID,
		}).Warn("Lost dispute race after refund; refund already recorded by the winner")
		return
	}
	s.auditOutside(ctx, actor, tr, domain.AuditBlocked, gatewayRef, map[string]string{"error": cause.Error()})
	s.alerter.Critical(ctx, alert.Alert{
		Source:  "dispute",
		Summary: "Refund issued at gateway without a local record",
		Fields: map[string]interface{}{
			"dispute_id":     tr.id,
			"transaction_id": txn.ID,
			"gateway_ref":    gatewayRef,
			"actor_id":       actor.ID,
			"cause":          cause.Error(),
		},
		At: time.Now(),
	})
}

// auditOutside writes a non-SUCCESS audit entry outside any transaction so it
// survives the rollback of the attempt it describes.
func (s *disputeService) auditOutside(ctx context.Context, actor Actor, tr transition, result domain.AuditResult, gatewayRef string, detail map[string]string) {
	payload, _ := json.Marshal(detail)
	err := s.store.AppendAudit(ctx, &domain.AuditLogEntry{
		ID:             uuid.NewString(),
		ActorID:        actor.ID,
		Action:         tr.action,
		TargetType:     "dispute",
		TargetID:       tr.id,
		Payload:        payload,
		Result:         result,
		GatewayRef:     gatewayRef,
		IdempotencyKey: tr.key,
	})
	if err != nil {
		log.WithError(err).WithField("dispute_id", tr.id).Error("Failed to write audit entry")
	}
}

func statusIn(s domain.DisputeStatus, set []domain.DisputeStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
