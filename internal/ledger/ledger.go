package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"greenledger/engine/internal/approval"
	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/sequence"
	"greenledger/engine/internal/store"
	"greenledger/engine/internal/tax"
	"greenledger/engine/internal/xid"
)

// Policy holds the refund-side business thresholds. The refund window and the
// high-value approval threshold are independent knobs; neither shares a value
// with the drawer-side approval threshold.
type Policy struct {
	RefundWindowDays              int
	HighValueRefundThresholdCents int64

	// WindowOverrideEnabled downgrades an outside-window refund from a hard
	// rejection to a manager-approval requirement. Off by default.
	WindowOverrideEnabled bool
}

func DefaultPolicy() Policy {
	return Policy{
		RefundWindowDays:              30,
		HighValueRefundThresholdCents: 50000,
	}
}

type LineInput struct {
	SKU            string
	Description    string
	Qty            int
	UnitPriceCents int64
	DiscountCents  int64
}

type PaymentInput struct {
	Method      string
	AmountCents int64
	CashierID   int64
}

type SaleRequest struct {
	Lines   []LineInput
	Payment PaymentInput
}

type RefundRequest struct {
	OriginalNumber string
	Lines          []LineInput
	Payment        PaymentInput
	Reason         string
	ApprovalToken  string
}

// Ledger validates and executes sales and refunds against the external store.
// Every persisted operation is a single atomic multi-write unit; on failure
// the store rolls the whole unit back and the error propagates unchanged.
type Ledger struct {
	repo     store.Repository
	calc     *tax.Calculator
	seq      *sequence.Allocator
	approver *approval.Approver
	policy   Policy
	now      func() time.Time
}

func New(repo store.Repository, calc *tax.Calculator, seq *sequence.Allocator, approver *approval.Approver, policy Policy) *Ledger {
	if policy.RefundWindowDays < 1 {
		policy.RefundWindowDays = DefaultPolicy().RefundWindowDays
	}
	if policy.HighValueRefundThresholdCents < 1 {
		policy.HighValueRefundThresholdCents = DefaultPolicy().HighValueRefundThresholdCents
	}
	return &Ledger{
		repo:     repo,
		calc:     calc,
		seq:      seq,
		approver: approver,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSale computes the tax breakdown for every line, mints a sale number
// and persists header, lines and payment atomically.
func (l *Ledger) CreateSale(ctx context.Context, req SaleRequest) (*domain.TransactionHeader, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("sale requires at least one line: %w", store.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Payment.Method) == "" || req.Payment.AmountCents < 1 {
		return nil, fmt.Errorf("sale requires a payment: %w", store.ErrInvalidInput)
	}

	lines, breakdown, discount, err := l.computeLines(req.Lines)
	if err != nil {
		return nil, err
	}
	if req.Payment.AmountCents != breakdown.TotalCents {
		return nil, fmt.Errorf("payment amount %d does not match transaction total %d: %w",
			req.Payment.AmountCents, breakdown.TotalCents, store.ErrInvalidInput)
	}

	actor := l.actor(ctx)
	number, err := l.seq.NextTransactionNumber(ctx, sequence.TypeSale, actor.Username)
	if err != nil {
		return nil, err
	}

	now := l.now()
	header := domain.TransactionHeader{
		Number:        number,
		Type:          domain.TxTypeSale,
		Status:        domain.TxStatusCompleted,
		SubtotalCents: breakdown.SubtotalCents,
		TaxCents:      breakdown.TaxCents,
		TotalCents:    breakdown.TotalCents,
		DiscountCents: discount,
		ProcessedBy:   actor.Username,
		CreatedAt:     now,
		UpdatedAt:     now,
		Lines:         lines,
	}
	payment := domain.Payment{
		ID:                xid.New("pay"),
		Method:            strings.ToLower(strings.TrimSpace(req.Payment.Method)),
		AmountCents:       req.Payment.AmountCents,
		TransactionNumber: number,
		CashierID:         req.Payment.CashierID,
		ProcessedBy:       actor.Username,
		CreatedAt:         now,
	}

	created, err := l.repo.CreateSale(ctx, header, payment)
	if err != nil {
		return nil, err
	}

	l.logAudit(ctx, "sale_create", "transaction", created.Number,
		fmt.Sprintf("total=%d,tax=%d,payment=%s", created.TotalCents, created.TaxCents, payment.Method))
	return created, nil
}

// VoidTransaction cancels a pending or completed transaction. A reason is an
// audit requirement, not a courtesy field.
func (l *Ledger) VoidTransaction(ctx context.Context, number string, reason string) (*domain.TransactionHeader, error) {
	number = strings.TrimSpace(number)
	reason = strings.TrimSpace(reason)
	if number == "" {
		return nil, fmt.Errorf("transaction number required: %w", store.ErrInvalidInput)
	}
	if reason == "" {
		return nil, fmt.Errorf("void reason required: %w", store.ErrInvalidInput)
	}

	actor := l.actor(ctx)
	voided, err := l.repo.VoidTransaction(ctx, number, reason, actor.Username, l.now())
	if err != nil {
		return nil, err
	}

	l.logAudit(ctx, "transaction_void", "transaction", number, reason)
	return voided, nil
}

// ValidateRefund runs every refund pre-check and reports hard errors and the
// manager-approval flag as a structured result. Exceeding the remaining
// refundable balance is never overridable; the refund window is absolute
// unless the window-override capability is enabled.
func (l *Ledger) ValidateRefund(ctx context.Context, originalNumber string, requestedCents int64) (domain.RefundValidation, error) {
	result := domain.RefundValidation{}
	if requestedCents < 1 {
		result.Errors = append(result.Errors, "refund amount must be positive")
	}

	original, err := l.repo.FindTransactionByNumber(ctx, strings.TrimSpace(originalNumber))
	if err != nil {
		if isNotFound(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("original transaction %s not found", originalNumber))
			return result, nil
		}
		return domain.RefundValidation{}, err
	}

	if original.Type != domain.TxTypeSale {
		result.Errors = append(result.Errors, fmt.Sprintf("transaction %s is a %s, only sales can be refunded", original.Number, original.Type))
	}
	if original.Status == domain.TxStatusCancelled {
		result.Errors = append(result.Errors, fmt.Sprintf("transaction %s is cancelled and cannot be refunded", original.Number))
	}

	days := int(l.now().Sub(original.CreatedAt).Hours() / 24)
	result.DaysSinceSale = days
	if days > l.policy.RefundWindowDays {
		result.RequiresManagerApproval = true
		if !l.policy.WindowOverrideEnabled {
			result.Errors = append(result.Errors,
				fmt.Sprintf("sale is %d days old, outside the %d-day refund window", days, l.policy.RefundWindowDays))
		}
	}

	refunds, err := l.repo.ListRefundsByOriginal(ctx, original.Number)
	if err != nil {
		return domain.RefundValidation{}, err
	}
	var previous int64
	for _, refund := range refunds {
		previous += abs64(refund.TotalCents)
	}

	maxRefundable := original.TotalCents - previous
	if maxRefundable < 0 {
		maxRefundable = 0
	}
	result.MaxRefundableCents = maxRefundable
	if requestedCents > maxRefundable {
		result.Errors = append(result.Errors,
			fmt.Sprintf("requested %d exceeds remaining refundable balance %d", requestedCents, maxRefundable))
	}

	if requestedCents > l.policy.HighValueRefundThresholdCents {
		result.RequiresManagerApproval = true
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// ProcessRefund re-validates, then persists refund header, lines, payment and
// the original's status flip as one atomic unit. The refund header carries
// the negative total; the payment stays a positive magnitude.
func (l *Ledger) ProcessRefund(ctx context.Context, req RefundRequest) (*domain.TransactionHeader, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("refund reason required: %w", store.ErrInvalidInput)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("refund requires at least one line: %w", store.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Payment.Method) == "" {
		return nil, fmt.Errorf("refund requires a payment method: %w", store.ErrInvalidInput)
	}

	lines, breakdown, discount, err := l.computeLines(req.Lines)
	if err != nil {
		return nil, err
	}
	requested := breakdown.TotalCents

	validation, err := l.ValidateRefund(ctx, req.OriginalNumber, requested)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, fmt.Errorf("%s: %w", strings.Join(validation.Errors, "; "), store.ErrNotPermitted)
	}
	var approvedBy int64
	if validation.RequiresManagerApproval {
		if l.approver == nil || req.ApprovalToken == "" {
			return nil, fmt.Errorf("manager approval required for this refund: %w", store.ErrNotPermitted)
		}
		managerID, err := l.approver.Verify(req.ApprovalToken, approval.ScopeHighValueRefund)
		if err != nil {
			return nil, fmt.Errorf("manager approval rejected: %v: %w", err, store.ErrNotPermitted)
		}
		approvedBy = managerID
	}

	actor := l.actor(ctx)
	number, err := l.seq.NextTransactionNumber(ctx, sequence.TypeRefund, actor.Username)
	if err != nil {
		return nil, err
	}

	now := l.now()
	refundLines := make([]domain.TransactionLine, 0, len(lines))
	for _, line := range lines {
		line.Qty = -line.Qty
		line.SubtotalCents = -line.SubtotalCents
		line.TaxCents = -line.TaxCents
		line.TotalCents = -line.TotalCents
		refundLines = append(refundLines, line)
	}

	header := domain.TransactionHeader{
		Number:         number,
		Type:           domain.TxTypeRefund,
		Status:         domain.TxStatusCompleted,
		SubtotalCents:  -breakdown.SubtotalCents,
		TaxCents:       -breakdown.TaxCents,
		TotalCents:     -breakdown.TotalCents,
		DiscountCents:  discount,
		OriginalNumber: req.OriginalNumber,
		Reason:         strings.TrimSpace(req.Reason),
		ProcessedBy:    actor.Username,
		CreatedAt:      now,
		UpdatedAt:      now,
		Lines:          refundLines,
	}
	payment := domain.Payment{
		ID:                xid.New("pay"),
		Method:            strings.ToLower(strings.TrimSpace(req.Payment.Method)),
		AmountCents:       requested,
		TransactionNumber: number,
		CashierID:         req.Payment.CashierID,
		ProcessedBy:       actor.Username,
		CreatedAt:         now,
	}

	created, err := l.repo.CreateRefund(ctx, header, payment)
	if err != nil {
		return nil, err
	}

	detail := fmt.Sprintf("original=%s,amount=%d,reason=%s", req.OriginalNumber, requested, header.Reason)
	if approvedBy > 0 {
		detail += fmt.Sprintf(",approved_by=%d", approvedBy)
	}
	l.logAudit(ctx, "refund_process", "transaction", created.Number, detail)
	return created, nil
}

// GetRefundHistory returns refunds against the original, most recent first.
func (l *Ledger) GetRefundHistory(ctx context.Context, originalNumber string) ([]domain.TransactionHeader, error) {
	originalNumber = strings.TrimSpace(originalNumber)
	if originalNumber == "" {
		return nil, fmt.Errorf("transaction number required: %w", store.ErrInvalidInput)
	}
	return l.repo.ListRefundsByOriginal(ctx, originalNumber)
}

func (l *Ledger) GetTransaction(ctx context.Context, number string) (*domain.TransactionHeader, error) {
	return l.repo.FindTransactionByNumber(ctx, strings.TrimSpace(number))
}

func (l *Ledger) ListTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.TransactionHeader, error) {
	if limit < 1 {
		limit = 200
	}
	return l.repo.ListTransactionsByDateRange(ctx, from, to, limit)
}

// PaymentTotals sums completed payments by method for a period, optionally
// filtered to one cashier (cashierID 0 means all).
func (l *Ledger) PaymentTotals(ctx context.Context, from time.Time, to time.Time, cashierID int64) ([]domain.PaymentMethodTotal, error) {
	return l.repo.PaymentTotalsByMethod(ctx, from, to, cashierID)
}

func (l *Ledger) computeLines(inputs []LineInput) ([]domain.TransactionLine, domain.TaxBreakdown, int64, error) {
	lines := make([]domain.TransactionLine, 0, len(inputs))
	breakdowns := make([]domain.TaxBreakdown, 0, len(inputs))
	var discountTotal int64

	for i, input := range inputs {
		if input.Qty < 1 {
			return nil, domain.TaxBreakdown{}, 0, fmt.Errorf("line %d: quantity must be at least 1: %w", i+1, store.ErrInvalidInput)
		}
		breakdown, err := l.calc.CalculateLineWithDiscount(input.UnitPriceCents, input.Qty, input.DiscountCents)
		if err != nil {
			return nil, domain.TaxBreakdown{}, 0, fmt.Errorf("line %d: %w", i+1, err)
		}

		lines = append(lines, domain.TransactionLine{
			SKU:            strings.ToUpper(strings.TrimSpace(input.SKU)),
			Description:    strings.TrimSpace(input.Description),
			Qty:            input.Qty,
			UnitPriceCents: input.UnitPriceCents,
			DiscountCents:  input.DiscountCents,
			SubtotalCents:  breakdown.SubtotalCents,
			TaxCents:       breakdown.TaxCents,
			TotalCents:     breakdown.TotalCents,
		})
		breakdowns = append(breakdowns, breakdown)
		discountTotal += input.DiscountCents
	}

	return lines, tax.AggregateHeader(breakdowns), discountTotal, nil
}

func (l *Ledger) actor(ctx context.Context) domain.Actor {
	actor, ok := domain.ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func (l *Ledger) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := l.actor(ctx)
	if err := l.repo.CreateAuditEntry(ctx, domain.AuditEntry{
		ID:         xid.New("audit"),
		ActorName:  actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  l.now(),
	}); err != nil {
		log.Printf("[ledger] WARN: failed to write audit entry action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
