package store

import (
	"context"
	"errors"
	"time"

	"greenledger/engine/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotPermitted          = errors.New("operation not permitted")
	ErrSequenceConfigMissing = errors.New("sequence configuration missing")
)

// CounterStore owns sequence configuration and guarantees that NextSequence
// increments are atomic and collision-free across concurrent callers.
type CounterStore interface {
	GetSequenceConfig(ctx context.Context, seqType string) (*domain.SequenceConfig, error)
	NextSequence(ctx context.Context, seqType string, requestor string) (int64, error)
}

// LedgerStore persists transactions. CreateSale and CreateRefund are atomic
// multi-write units: every sub-write succeeds or none persist.
type LedgerStore interface {
	CreateSale(ctx context.Context, header domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error)
	FindTransactionByNumber(ctx context.Context, number string) (*domain.TransactionHeader, error)
	ListTransactionsByDateRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TransactionHeader, error)
	VoidTransaction(ctx context.Context, number string, reason string, actor string, at time.Time) (*domain.TransactionHeader, error)
	CreateRefund(ctx context.Context, refund domain.TransactionHeader, payment domain.Payment) (*domain.TransactionHeader, error)
	ListRefundsByOriginal(ctx context.Context, originalNumber string) ([]domain.TransactionHeader, error)
	CashMovementForShift(ctx context.Context, cashierID int64, from time.Time, to time.Time) (salesCents int64, paidOutCents int64, err error)
	PaymentTotalsByMethod(ctx context.Context, from time.Time, to time.Time, cashierID int64) ([]domain.PaymentMethodTotal, error)
}

// DrawerStore persists cash-drawer sessions as append-only history: a session
// is written once at open and mutated exactly once at close.
type DrawerStore interface {
	CreateDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error)
	GetDrawerSession(ctx context.Context, id string) (*domain.CashDrawerSession, error)
	CloseDrawerSession(ctx context.Context, session domain.CashDrawerSession) (*domain.CashDrawerSession, error)
	ListDrawerSessions(ctx context.Context, cashierID int64, from time.Time, to time.Time) ([]domain.CashDrawerSession, error)
}

// AuditStore is a persistence stub for the audit trail; callers treat writes
// as fire-and-forget.
type AuditStore interface {
	CreateAuditEntry(ctx context.Context, entry domain.AuditEntry) error
}

type Repository interface {
	CounterStore
	LedgerStore
	DrawerStore
	AuditStore
}
