package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"settlement-service/internal/alert"
	"settlement-service/internal/domain"
	"settlement-service/internal/gateway"
	"settlement-service/internal/repository"
)

// memState is the whole database. memStore clones it per transaction and
// swaps the clone in on commit, so a failing unit leaves no trace.
type memState struct {
	notes         map[string]domain.Note
	txs           map[string]domain.Transaction
	purchases     map[string]domain.Purchase
	wallets       map[string]domain.SellerWallet
	disputes      map[string]domain.Dispute
	refunds       map[string]domain.RefundRecord
	ledger        []domain.LedgerEntry
	audit         []domain.AuditLogEntry
	notifications []domain.Notification
}

func newMemState() *memState {
	return &memState{
		notes:     make(map[string]domain.Note),
		txs:       make(map[string]domain.Transaction),
		purchases: make(map[string]domain.Purchase),
		wallets:   make(map[string]domain.SellerWallet),
		disputes:  make(map[string]domain.Dispute),
		refunds:   make(map[string]domain.RefundRecord),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		notes:         cloneMap(s.notes),
		txs:           cloneMap(s.txs),
		purchases:     cloneMap(s.purchases),
		wallets:       cloneMap(s.wallets),
		disputes:      cloneMap(s.disputes),
		refunds:       cloneMap(s.refunds),
		ledger:        append([]domain.LedgerEntry(nil), s.ledger...),
		audit:         append([]domain.AuditLogEntry(nil), s.audit...),
		notifications: append([]domain.Notification(nil), s.notifications...),
	}
}

type memStore struct {
	mu    sync.Mutex
	state *memState
	// fail, when set, is consulted before every operation and may inject an error.
	fail func(op string) error
	commits int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (m *memStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work, fail: m.fail}); err != nil {
		return err
	}
	m.state = work
	m.commits++
	return nil
}

// snapshot returns a copy of the committed state for assertions.
func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

func (m *memStore) seed(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

type memTx struct {
	st   *memState
	fail func(op string) error
}

func (t *memTx) check(op string) error {
	if t.fail == nil {
		return nil
	}
	return t.fail(op)
}

func (t *memTx) GetNotes(_ context.Context, ids []string) ([]domain.Note, error) {
	if err := t.check("GetNotes"); err != nil {
		return nil, err
	}
	var out []domain.Note
	for _, id := range ids {
		if n, ok := t.st.notes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (t *memTx) ActivePurchasedNoteIDs(_ context.Context, buyerID string, noteIDs []string) ([]string, error) {
	want := make(map[string]bool, len(noteIDs))
	for _, id := range noteIDs {
		want[id] = true
	}
	var out []string
	for _, p := range t.st.purchases {
		if p.IsActive && p.BuyerID == buyerID && want[p.NoteID] {
			out = append(out, p.NoteID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) IncrementNotePurchaseCount(_ context.Context, noteID string) error {
	if err := t.check("IncrementNotePurchaseCount"); err != nil {
		return err
	}
	n, ok := t.st.notes[noteID]
	if !ok {
		return repository.ErrNotFound
	}
	n.PurchaseCount++
	t.st.notes[noteID] = n
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *domain.Transaction) error {
	if err := t.check("InsertTransaction"); err != nil {
		return err
	}
	tr.CreatedAt = time.Now()
	tr.UpdatedAt = tr.CreatedAt
	t.st.txs[tr.ID] = *tr
	return nil
}

func (t *memTx) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tr, ok := t.st.txs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return t.GetTransaction(ctx, id)
}

func (t *memTx) LockTransactionsByOrder(_ context.Context, orderID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tr := range t.st.txs {
		if tr.GatewayOrderID == orderID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) MarkTransactionsSucceeded(_ context.Context, orderID, paymentID, signature string, releaseAt time.Time) (int64, error) {
	var n int64
	for id, tr := range t.st.txs {
		if tr.GatewayOrderID != orderID || !tr.Status.CanTransition(domain.TransactionSuccess) {
			continue
		}
		at := releaseAt
		tr.Status = domain.TransactionSuccess
		tr.GatewayPaymentID = paymentID
		tr.GatewaySignature = signature
		tr.EscrowReleaseAt = &at
		t.st.txs[id] = tr
		n++
	}
	return n, nil
}

func (t *memTx) MarkTransactionsFailed(_ context.Context, orderID, paymentID, signature string) (int64, error) {
	var n int64
	for id, tr := range t.st.txs {
		if tr.GatewayOrderID != orderID {
			continue
		}
		if tr.Status != domain.TransactionPending && tr.Status != domain.TransactionFailed {
			continue
		}
		tr.Status = domain.TransactionFailed
		tr.GatewayPaymentID = paymentID
		tr.GatewaySignature = signature
		t.st.txs[id] = tr
		n++
	}
	return n, nil
}

func (t *memTx) MarkTransactionRefunded(_ context.Context, id string) (bool, error) {
	tr, ok := t.st.txs[id]
	if !ok || tr.Status != domain.TransactionSuccess {
		return false, nil
	}
	tr.Status = domain.TransactionRefunded
	t.st.txs[id] = tr
	return true, nil
}

func (t *memTx) LockMaturedEscrow(_ context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tr := range t.st.txs {
		if tr.Status == domain.TransactionSuccess && tr.EscrowReleaseAt != nil &&
			!tr.EscrowReleaseAt.After(now) && tr.EscrowReleasedAt == nil {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkEscrowReleased(_ context.Context, id string, at time.Time) error {
	tr, ok := t.st.txs[id]
	if !ok {
		return repository.ErrNotFound
	}
	tr.EscrowReleasedAt = &at
	t.st.txs[id] = tr
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, p *domain.Purchase) error {
	if err := t.check("InsertPurchase"); err != nil {
		return err
	}
	for _, existing := range t.st.purchases {
		if existing.TransactionID == p.TransactionID ||
			(existing.IsActive && existing.BuyerID == p.BuyerID && existing.NoteID == p.NoteID) {
			return repository.ErrDuplicate
		}
	}
	p.IsActive = true
	p.CreatedAt = time.Now()
	t.st.purchases[p.ID] = *p
	return nil
}

func (t *memTx) DeactivatePurchase(_ context.Context, transactionID string) error {
	for id, p := range t.st.purchases {
		if p.TransactionID == transactionID {
			p.IsActive = false
			t.st.purchases[id] = p
		}
	}
	return nil
}

func (t *memTx) GetWallet(_ context.Context, sellerID string) (*domain.SellerWallet, error) {
	w, ok := t.st.wallets[sellerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (t *memTx) mutateWallet(sellerID string, fn func(w *domain.SellerWallet)) (domain.SellerWallet, domain.SellerWallet) {
	before, ok := t.st.wallets[sellerID]
	if !ok {
		before = domain.SellerWallet{SellerID: sellerID}
	}
	after := before
	fn(&after)
	after.UpdatedAt = time.Now()
	t.st.wallets[sellerID] = after
	return before, after
}

func (t *memTx) CreditPending(_ context.Context, sellerID string, amount int64) (domain.SellerWallet, domain.SellerWallet, error) {
	if err := t.check("CreditPending"); err != nil {
		return domain.SellerWallet{}, domain.SellerWallet{}, err
	}
	before, after := t.mutateWallet(sellerID, func(w *domain.SellerWallet) {
		w.PendingBalance += amount
		w.TotalEarned += amount
	})
	return before, after, nil
}

func (t *memTx) ReleasePending(_ context.Context, sellerID string, amount int64) (domain.SellerWallet, domain.SellerWallet, error) {
	before, after := t.mutateWallet(sellerID, func(w *domain.SellerWallet) {
		w.PendingBalance -= amount
		w.AvailableBalance += amount
	})
	return before, after, nil
}

func (t *memTx) DebitForRefund(_ context.Context, sellerID string, amount int64, fromPending bool) (domain.SellerWallet, domain.SellerWallet, error) {
	if err := t.check("DebitForRefund"); err != nil {
		return domain.SellerWallet{}, domain.SellerWallet{}, err
	}
	before, after := t.mutateWallet(sellerID, func(w *domain.SellerWallet) {
		if fromPending {
			w.PendingBalance -= amount
		} else {
			w.AvailableBalance -= amount
		}
		w.TotalEarned -= amount
	})
	return before, after, nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	e.CreatedAt = time.Now()
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) InsertDispute(_ context.Context, d *domain.Dispute) error {
	for _, existing := range t.st.disputes {
		if existing.TransactionID == d.TransactionID && !existing.Status.IsTerminal() {
			return repository.ErrDuplicate
		}
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	t.st.disputes[d.ID] = *d
	return nil
}

func (t *memTx) GetDispute(_ context.Context, id string) (*domain.Dispute, error) {
	d, ok := t.st.disputes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (t *memTx) UpdateDisputeStatus(_ context.Context, u repository.DisputeUpdate) (bool, error) {
	d, ok := t.st.disputes[u.ID]
	if !ok || d.Version != u.ExpectedVersion || d.Status.IsTerminal() {
		return false, nil
	}
	d.Status = u.Status
	d.Resolution = u.Resolution
	d.ResolvedBy = u.ResolvedBy
	d.Version++
	d.UpdatedAt = time.Now()
	t.st.disputes[u.ID] = d
	return true, nil
}

func (t *memTx) InsertRefundRecord(_ context.Context, r *domain.RefundRecord) error {
	if _, dup := t.st.refunds[r.TransactionID]; dup {
		return repository.ErrDuplicate
	}
	r.CreatedAt = time.Now()
	t.st.refunds[r.TransactionID] = *r
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, e *domain.AuditLogEntry) error {
	if e.Result == domain.AuditSuccess {
		for _, existing := range t.st.audit {
			if existing.Result == domain.AuditSuccess && existing.IdempotencyKey == e.IdempotencyKey && existing.Action == e.Action {
				return repository.ErrDuplicate
			}
		}
	}
	e.CreatedAt = time.Now()
	t.st.audit = append(t.st.audit, *e)
	return nil
}

func (t *memTx) FindAuditSuccess(_ context.Context, key, action string) (*domain.AuditLogEntry, error) {
	for _, e := range t.st.audit {
		if e.Result == domain.AuditSuccess && e.IdempotencyKey == key && e.Action == action {
			e := e
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) EnqueueNotification(_ context.Context, n *domain.Notification) error {
	n.CreatedAt = time.Now()
	t.st.notifications = append(t.st.notifications, *n)
	return nil
}

// Outside a transaction every call is its own committed unit.

func (m *memStore) GetNotes(ctx context.Context, ids []string) (out []domain.Note, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.GetNotes(ctx, ids); return err })
	return out, err
}

func (m *memStore) ActivePurchasedNoteIDs(ctx context.Context, buyerID string, noteIDs []string) (out []string, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.ActivePurchasedNoteIDs(ctx, buyerID, noteIDs); return err })
	return out, err
}

func (m *memStore) IncrementNotePurchaseCount(ctx context.Context, noteID string) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.IncrementNotePurchaseCount(ctx, noteID) })
}

func (m *memStore) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.InsertTransaction(ctx, tr) })
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (out *domain.Transaction, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.GetTransaction(ctx, id); return err })
	return out, err
}

func (m *memStore) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *memStore) LockTransactionsByOrder(ctx context.Context, orderID string) (out []domain.Transaction, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.LockTransactionsByOrder(ctx, orderID); return err })
	return out, err
}

func (m *memStore) MarkTransactionsSucceeded(ctx context.Context, orderID, paymentID, signature string, at time.Time) (n int64, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error {
		n, err = tx.MarkTransactionsSucceeded(ctx, orderID, paymentID, signature, at)
		return err
	})
	return n, err
}

func (m *memStore) MarkTransactionsFailed(ctx context.Context, orderID, paymentID, signature string) (n int64, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error {
		n, err = tx.MarkTransactionsFailed(ctx, orderID, paymentID, signature)
		return err
	})
	return n, err
}

func (m *memStore) MarkTransactionRefunded(ctx context.Context, id string) (ok bool, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { ok, err = tx.MarkTransactionRefunded(ctx, id); return err })
	return ok, err
}

func (m *memStore) LockMaturedEscrow(ctx context.Context, now time.Time, limit int) (out []domain.Transaction, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.LockMaturedEscrow(ctx, now, limit); return err })
	return out, err
}

func (m *memStore) MarkEscrowReleased(ctx context.Context, id string, at time.Time) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.MarkEscrowReleased(ctx, id, at) })
}

func (m *memStore) InsertPurchase(ctx context.Context, p *domain.Purchase) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.InsertPurchase(ctx, p) })
}

func (m *memStore) DeactivatePurchase(ctx context.Context, transactionID string) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.DeactivatePurchase(ctx, transactionID) })
}

func (m *memStore) GetWallet(ctx context.Context, sellerID string) (out *domain.SellerWallet, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.GetWallet(ctx, sellerID); return err })
	return out, err
}

func (m *memStore) CreditPending(ctx context.Context, sellerID string, amount int64) (before, after domain.SellerWallet, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { before, after, err = tx.CreditPending(ctx, sellerID, amount); return err })
	return before, after, err
}

func (m *memStore) ReleasePending(ctx context.Context, sellerID string, amount int64) (before, after domain.SellerWallet, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { before, after, err = tx.ReleasePending(ctx, sellerID, amount); return err })
	return before, after, err
}

func (m *memStore) DebitForRefund(ctx context.Context, sellerID string, amount int64, fromPending bool) (before, after domain.SellerWallet, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error {
		before, after, err = tx.DebitForRefund(ctx, sellerID, amount, fromPending)
		return err
	})
	return before, after, err
}

func (m *memStore) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.InsertLedgerEntry(ctx, e) })
}

func (m *memStore) InsertDispute(ctx context.Context, d *domain.Dispute) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.InsertDispute(ctx, d) })
}

func (m *memStore) GetDispute(ctx context.Context, id string) (out *domain.Dispute, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.GetDispute(ctx, id); return err })
	return out, err
}

func (m *memStore) UpdateDisputeStatus(ctx context.Context, u repository.DisputeUpdate) (ok bool, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { ok, err = tx.UpdateDisputeStatus(ctx, u); return err })
	return ok, err
}

func (m *memStore) InsertRefundRecord(ctx context.Context, r *domain.RefundRecord) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.InsertRefundRecord(ctx, r) })
}

func (m *memStore) AppendAudit(ctx context.Context, e *domain.AuditLogEntry) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.AppendAudit(ctx, e) })
}

func (m *memStore) FindAuditSuccess(ctx context.Context, key, action string) (out *domain.AuditLogEntry, err error) {
	err = m.InTx(ctx, func(tx repository.Tx) error { out, err = tx.FindAuditSuccess(ctx, key, action); return err })
	return out, err
}

func (m *memStore) EnqueueNotification(ctx context.Context, n *domain.Notification) error {
	return m.InTx(ctx, func(tx repository.Tx) error { return tx.EnqueueNotification(ctx, n) })
}

var _ repository.Store = (*memStore)(nil)

const testSecret = "checkout-secret"

type fakeGateway struct {
	mu           sync.Mutex
	orders       int
	refunds      []gateway.RefundRequest
	createErr    error
	refundResult gateway.RefundResult
	refundErr    error
	// refundHook runs inside Refund before it returns.
	refundHook func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{refundResult: gateway.RefundResult{Success: true, GatewayRef: "rfnd_1"}}
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount int64, receiptID, userID string) (gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return gateway.Order{}, g.createErr
	}
	g.orders++
	return gateway.Order{ID: "order_" + receiptID, Amount: amount, Currency: "INR", Status: "created"}, nil
}

func (g *fakeGateway) VerifySignature(orderID, paymentID, signature string) bool {
	return gateway.Verify(testSecret, orderID, paymentID, signature)
}

func (g *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	hook := g.refundHook
	res, err := g.refundResult, g.refundErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *captureAlerter) Critical(_ context.Context, a alert.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

var errInjected = errors.New("injected failure")
