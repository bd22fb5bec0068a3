// Package memory provides an in-memory Repository used by tests and local
// development. All operations are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	sequences    map[string]*domain.SequenceConfig
	transactions map[string]*domain.TransactionHeader
	payments     []domain.Payment
	sessions     map[string]*domain.CashDrawerSession
	audits       []domain.AuditEntry
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		sequences:    make(map[string]*domain.SequenceConfig),
		transactions: make(map[string]*domain.TransactionHeader),
		sessions:     make(map[string]*domain.CashDrawerSession),
	}
}

// NewSeeded returns a store pre-loaded with the standard sequence configs so
// the allocator works out of the box.
func NewSeeded() *Store {
	s := New()
	seed := []domain.SequenceConfig{
		{Type: "sale", Prefix: "SALE", Padding: 5, Format: domain.SequenceFormatStandard},
		{Type: "refund", Prefix: "RFND", Padding: 5, Format: domain.SequenceFormatStandard},
		{Type: "account_payment", Prefix: "ACCT", Padding: 5, Format: domain.SequenceFormatStandard},
		{Type: "batch", Format: domain.SequenceFormatDateBatch},
		{Type: "unit_serial", Format: domain.SequenceFormatUnitSerial},
	}
	for i := range seed {
		cfg := seed[i]
		s.sequences[cfg.Type] = &cfg
	}
	return s
}

// SetSequenceConfig installs or replaces a sequence config. Test helper.
func (s *Store) SetSequenceConfig(cfg domain.SequenceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[cfg.Type] = &cfg
}

func (s *Store) GetSequenceConfig(ctx context.Context, seqType string) (*domain.SequenceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.sequences[seqType]
	if !ok {
		return nil, fmt.Errorf("sequence config %q: %w", seqType, store.ErrNotFound)
	}
	out := *cfg
	return &out, nil
}

func (s *Store) NextSequence(ctx context.Context, seqType string, requestor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.sequences[seqType]
	if !ok {
		return 0, fmt.Errorf("sequence config %q: %w", seqType, store.ErrNotFound)
	}
	cfg.CurrentValue++
	return cfg.CurrentValue, nil
}

func (s *Store) CreateSale(ctx context.Context, header domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[header.Number]; exists {
		return nil, fmt.Errorf("transaction %s already exists: %w", header.Number, store.ErrInvalidInput)
	}

	stored := cloneHeader(header)
	s.transactions[header.Number] = stored
	s.payments = append(s.payments, payment)
	out := cloneHeader(*stored)
	return out, nil
}

func (s *Store) FindTransactionByNumber(ctx context.Context, number string) (*domain.TransactionHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.transactions[number]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", number, store.ErrNotFound)
	}
	return cloneHeader(*header), nil
}

func (s *Store) ListTransactionsByDateRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TransactionHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.TransactionHeader
	for _, header := range s.transactions {
		if header.CreatedAt.Before(from) || header.CreatedAt.After(to) {
			continue
		}
		matched = append(matched, *cloneHeader(*header))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) VoidTransaction(ctx context.Context, number string, reason string, actor string, at time.Time) (*domain.TransactionHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	header, ok := s.transactions[number]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", number, store.ErrNotFound)
	}
	if header.Status != domain.TxStatusPending && header.Status != domain.TxStatusCompleted {
		return nil, fmt.Errorf("transaction %s is %s and cannot be voided: %w", number, header.Status, store.ErrNotPermitted)
	}

	header.Status = domain.TxStatusCancelled
	header.Reason = reason
	header.ProcessedBy = actor
	header.UpdatedAt = at
	return cloneHeader(*header), nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[refund.OriginalNumber]
	if !ok {
		return nil, fmt.Errorf("original transaction %s: %w", refund.OriginalNumber, store.ErrNotFound)
	}
	if _, exists := s.transactions[refund.Number]; exists {
		return nil, fmt.Errorf("transaction %s already exists: %w", refund.Number, store.ErrInvalidInput)
	}

	stored := cloneHeader(refund)
	s.transactions[refund.Number] = stored
	s.payments = append(s.payments, payment)

	original.Status = domain.TxStatusRefunded
	original.UpdatedAt = refund.CreatedAt

	return cloneHeader(*stored), nil
}

func (s *Store) ListRefundsByOriginal(ctx context.Context, originalNumber string) ([]domain.TransactionHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refunds []domain.TransactionHeader
	for _, header := range s.transactions {
		if header.Type == domain.TxTypeRefund && header.OriginalNumber == originalNumber {
			refunds = append(refunds, *cloneHeader(*header))
		}
	}
	sort.Slice(refunds, func(i, j int) bool {
		return refunds[i].CreatedAt.After(refunds[j].CreatedAt)
	})
	return refunds, nil
}

func (s *Store) CashMovementForShift(ctx context.Context, cashierID int64, from time.Time, to time.Time) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sales, paidOut int64
	for _, payment := range s.payments {
		if payment.Method != "cash" || payment.CashierID != cashierID {
			continue
		}
		if payment.CreatedAt.Before(from) || payment.CreatedAt.After(to) {
			continue
		}
		header, ok := s.transactions[payment.TransactionNumber]
		if !ok {
			continue
		}
		switch header.Type {
		case domain.TxTypeRefund:
			paidOut += payment.AmountCents
		default:
			sales += payment.AmountCents
		}
	}
	return sales, paidOut, nil
}

func (s *Store) PaymentTotalsByMethod(ctx context.Context, from time.Time, to time.Time, cashierID int64) ([]domain.PaymentMethodTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMethod := make(map[string]*domain.PaymentMethodTotal)
	for _, payment := range s.payments {
		if cashierID > 0 && payment.CashierID != cashierID {
			continue
		}
		if payment.CreatedAt.Before(from) || payment.CreatedAt.After(to) {
			continue
		}
		total, ok := byMethod[payment.Method]
		if !ok {
			total = &domain.PaymentMethodTotal{Method: payment.Method}
			byMethod[payment.Method] = total
		}
		total.Payments++
		total.AmountCents += payment.AmountCents
	}

	totals := make([]domain.PaymentMethodTotal, 0, len(byMethod))
	for _, total := range byMethod {
		totals = append(totals, *total)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Method < totals[j].Method })
	return totals, nil
}

func (s *Store) CreateDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return nil, fmt.Errorf("drawer session %s already exists: %w", session.ID, store.ErrInvalidInput)
	}
	for _, existing := range s.sessions {
		if existing.CashierID == session.CashierID && existing.Status == domain.SessionStatusOpen {
			return nil, fmt.Errorf("cashier %d already has an open drawer session: %w", session.CashierID, store.ErrNotPermitted)
		}
	}

	stored := cloneSession(session)
	s.sessions[session.ID] = stored
	return cloneSession(*stored), nil
}

func (s *Store) GetDrawerSession(ctx context.Context, id string) (*domain.CashDrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("drawer session %s: %w", id, store.ErrNotFound)
	}
	return cloneSession(*session), nil
}

func (s *Store) CloseDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return nil, fmt.Errorf("drawer session %s: %w", session.ID, store.ErrNotFound)
	}
	if existing.Status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("drawer session %s is already closed: %w", session.ID, store.ErrNotPermitted)
	}

	stored := cloneSession(session)
	s.sessions[session.ID] = stored
	return cloneSession(*stored), nil
}

func (s *Store) ListDrawerSessions(ctx context.Context, cashierID int64, from time.Time, to time.Time) ([]domain.CashDrawerSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []domain.CashDrawerSession
	for _, session := range s.sessions {
		if session.CashierID != cashierID {
			continue
		}
		if session.OpenedAt.Before(from) || session.OpenedAt.After(to) {
			continue
		}
		sessions = append(sessions, *cloneSession(*session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].OpenedAt.Before(sessions[j].OpenedAt)
	})
	return sessions, nil
}

func (s *Store) CreateAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// AuditEntries returns a snapshot of the audit log. Test helper.
func (s *Store) AuditEntries() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

func cloneHeader(h domain.TransactionHeader) *domain.TransactionHeader {
	out := h
	out.Lines = make([]domain.TransactionLine, len(h.Lines))
	copy(out.Lines, h.Lines)
	return &out
}

func cloneSession(s domain.CashDrawerSession) *domain.CashDrawerSession {
	out := s
	out.OpeningDenominations = append([]domain.DenominationCount(nil), s.OpeningDenominations...)
	out.ClosingDenominations = append([]domain.DenominationCount(nil), s.ClosingDenominations...)
	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		out.ClosedAt = &closedAt
	}
	return &out
}
