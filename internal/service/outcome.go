package service

import (
	"settlement-service/internal/domain"
)

// SettlementOutcome is the result of settling one gateway order. Expected
// business outcomes are values, not errors; errors are reserved for
// infrastructure failures.
type SettlementOutcome int

const (
	OutcomeSettled SettlementOutcome = iota
	OutcomeAlreadySettled
	OutcomeVerificationFailed
	OutcomeSettlementNotFound
	OutcomeUnauthorized
	OutcomeAlreadyProcessed
)

func (o SettlementOutcome) String() string {
	switch o {
	case OutcomeSettled:
		return "SETTLED"
	case OutcomeAlreadySettled:
		return "ALREADY_SETTLED"
	case OutcomeVerificationFailed:
		return "VERIFICATION_FAILED"
	case OutcomeSettlementNotFound:
		return "NOT_FOUND"
	case OutcomeUnauthorized:
		return "UNAUTHORIZED"
	case OutcomeAlreadyProcessed:
		return "ALREADY_PROCESSED"
	}
	return "UNKNOWN"
}

type SettlementResult struct {
	Outcome        SettlementOutcome
	TransactionIDs []string
	PurchaseIDs    []string
}

// ResolutionOutcome is the result of a privileged dispute transition.
type ResolutionOutcome int

const (
	// OutcomeResolved means the requested transition committed.
	OutcomeResolved ResolutionOutcome = iota
	OutcomeReplayed
	OutcomeConflict
	OutcomeGatewayRejected
	OutcomeGatewayUnavailable
	OutcomeDisputeNotFound
	OutcomeInvalidState
)

func (o ResolutionOutcome) String() string {
	switch o {
	case OutcomeResolved:
		return "RESOLVED"
	case OutcomeReplayed:
		return "REPLAYED"
	case OutcomeConflict:
		return "CONFLICT"
	case OutcomeGatewayRejected:
		return "GATEWAY_REJECTED"
	case OutcomeGatewayUnavailable:
		return "GATEWAY_UNAVAILABLE"
	case OutcomeDisputeNotFound:
		return "NOT_FOUND"
	case OutcomeInvalidState:
		return "INVALID_STATE"
	}
	return "UNKNOWN"
}

type ResolutionResult struct {
	Outcome ResolutionOutcome
	Dispute *domain.Dispute
	Refund  *domain.RefundRecord
	// Message carries the gateway's reason for a rejected refund.
	Message string
}
