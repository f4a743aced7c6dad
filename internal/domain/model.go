package domain

import (
	"encoding/json"
	"time"
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionSuccess  TransactionStatus = "SUCCESS"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionRefunded TransactionStatus = "REFUNDED"
)

// CanTransition reports whether a transaction may move from s to next.
// Transitions never go backward.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	switch s {
	case TransactionPending:
		return next == TransactionSuccess || next == TransactionFailed
	case TransactionFailed:
		// a failed verification may be re-attempted with a fresh payment
		return next == TransactionSuccess
	case TransactionSuccess:
		return next == TransactionRefunded
	}
	return false
}

// Transaction is one (buyer, note) line of a checkout. All rows sharing a
// GatewayOrderID settle together.
type Transaction struct {
	ID               string
	BuyerID          string
	SellerID         string
	NoteID           string
	GrossAmount      int64
	CommissionAmount int64
	SellerEarning    int64
	Status           TransactionStatus
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	EscrowReleaseAt  *time.Time
	EscrowReleasedAt *time.Time
	InvoiceID        string
	InvoiceHash      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Purchase struct {
	ID            string
	TransactionID string
	BuyerID       string
	NoteID        string
	WatermarkID   string
	DownloadCount int
	IsActive      bool
	CreatedAt     time.Time
}

type Note struct {
	ID            string
	SellerID      string
	Title         string
	Price         int64
	IsAvailable   bool
	PurchaseCount int
}

type SellerWallet struct {
	SellerID         string    `json:"sellerId"`
	PendingBalance   int64     `json:"pendingBalance"`
	AvailableBalance int64     `json:"availableBalance"`
	TotalEarned      int64     `json:"totalEarned"`
	TotalWithdrawn   int64     `json:"totalWithdrawn"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type DisputeStatus string

const (
	DisputeOpen       DisputeStatus = "OPEN"
	DisputeInProgress DisputeStatus = "IN_PROGRESS"
	DisputeResolved   DisputeStatus = "RESOLVED"
	DisputeRejected   DisputeStatus = "REJECTED"
)

func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

type Dispute struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId"`
	ReporterID    string        `json:"reporterId"`
	Reason        string        `json:"reason"`
	Status        DisputeStatus `json:"status"`
	Resolution    string        `json:"resolution,omitempty"`
	ResolvedBy    string        `json:"resolvedBy,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
	AuditBlocked AuditResult = "BLOCKED"
)

const (
	ActionDisputeResolve = "DISPUTE_RESOLVE"
	ActionDisputeReject  = "DISPUTE_REJECT"
	ActionDisputeStart   = "DISPUTE_START"
	ActionRefund         = "REFUND"
)

// AuditLogEntry is immutable once written. For a given IdempotencyKey and
// Action at most one SUCCESS entry exists.
type AuditLogEntry struct {
	ID             string
	ActorID        string
	Action         string
	TargetType     string
	TargetID       string
	Payload        json.RawMessage
	Result         AuditResult
	GatewayRef     string
	IdempotencyKey string
	CreatedAt      time.Time
}

type RefundRecord struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	DisputeID      string    `json:"disputeId,omitempty"`
	Amount         int64     `json:"amount"`
	GatewayRef     string    `json:"gatewayRef"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

type LedgerEntryType string

const (
	LedgerSaleCredit    LedgerEntryType = "SALE_CREDIT"
	LedgerEscrowRelease LedgerEntryType = "ESCROW_RELEASE"
	LedgerRefundDebit   LedgerEntryType = "REFUND_DEBIT"
)

// LedgerEntry captures wallet balances around a single mutation for
// reconciliation.
type LedgerEntry struct {
	ID            string
	SellerID      string
	TransactionID string
	Type          LedgerEntryType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	CreatedAt     time.Time
}

type NotificationKind string

const (
	NotifyBuyerPurchase NotificationKind = "BUYER_PURCHASE"
	NotifySellerSale    NotificationKind = "SELLER_SALE"
)

// Notification is an outbox row published to Kafka after commit.
type Notification struct {
	ID          string
	Kind        NotificationKind
	RecipientID string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// PurchaseInfo is the payload of a buyer notification.
type PurchaseInfo struct {
	TransactionID string `json:"transaction_id"`
	PurchaseID    string `json:"purchase_id"`
	UserID        string `json:"user_id"`
	NoteID        string `json:"note_id"`
	Amount        int64  `json:"amount"`
	WatermarkID   string `json:"watermark_id"`
}

// SaleInfo is the payload of a seller notification.
type SaleInfo struct {
	TransactionID string `json:"transaction_id"`
	SellerID      string `json:"seller_id"`
	NoteID        string `json:"note_id"`
	GrossAmount   int64  `json:"gross_amount"`
	SellerEarning int64  `json:"seller_earning"`
}
