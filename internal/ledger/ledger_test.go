package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"greenledger/engine/internal/approval"
	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/sequence"
	"greenledger/engine/internal/store"
	"greenledger/engine/internal/store/memory"
	"greenledger/engine/internal/tax"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testPIN    = "123456"
)

type ledgerFixture struct {
	ledger   *Ledger
	repo     *memory.Store
	approver *approval.Approver
	now      time.Time
}

func newFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	repo := memory.NewSeeded()
	calc, err := tax.NewCalculator(15)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	approver, err := approval.New(testSecret, 15*time.Minute, testPIN)
	if err != nil {
		t.Fatalf("new approver: %v", err)
	}

	fixture := &ledgerFixture{
		repo:     repo,
		approver: approver,
		now:      time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	fixture.ledger = New(repo, calc, sequence.NewAllocator(repo, nil, time.Minute), approver, DefaultPolicy())
	fixture.ledger.now = func() time.Time { return fixture.now }
	return fixture
}

func (f *ledgerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func testCtx() context.Context {
	return domain.WithActor(context.Background(), domain.Actor{Username: "casey", Role: "cashier"})
}

func (f *ledgerFixture) mustSale(t *testing.T, priceCents int64) *domain.TransactionHeader {
	t.Helper()
	sale, err := f.ledger.CreateSale(testCtx(), SaleRequest{
		Lines: []LineInput{
			{SKU: "og-kush-3g", Description: "OG Kush 3.5g", Qty: 1, UnitPriceCents: priceCents},
		},
		Payment: PaymentInput{Method: "cash", AmountCents: priceCents, CashierID: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func (f *ledgerFixture) approvalToken(t *testing.T, scope string) string {
	t.Helper()
	token, err := f.approver.Issue(7, testPIN, scope)
	if err != nil {
		t.Fatalf("issue approval token: %v", err)
	}
	return token
}

func TestCreateSaleComputesTotals(t *testing.T) {
	f := newFixture(t)

	sale, err := f.ledger.CreateSale(testCtx(), SaleRequest{
		Lines: []LineInput{
			{SKU: "og-kush-3g", Description: "OG Kush 3.5g", Qty: 1, UnitPriceCents: 70000},
		},
		Payment: PaymentInput{Method: "cash", AmountCents: 70000, CashierID: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if sale.Number != "SALE-00001" {
		t.Fatalf("expected SALE-00001, got %s", sale.Number)
	}
	if sale.Status != domain.TxStatusCompleted {
		t.Fatalf("expected status completed, got %s", sale.Status)
	}
	if sale.SubtotalCents != 60870 || sale.TaxCents != 9130 || sale.TotalCents != 70000 {
		t.Fatalf("unexpected totals: %d/%d/%d", sale.SubtotalCents, sale.TaxCents, sale.TotalCents)
	}
	if sale.ProcessedBy != "casey" {
		t.Fatalf("expected processed_by casey, got %s", sale.ProcessedBy)
	}
	if len(sale.Lines) != 1 || sale.Lines[0].SKU != "OG-KUSH-3G" {
		t.Fatalf("unexpected lines: %+v", sale.Lines)
	}
}

func TestCreateSaleMultiLineAggregation(t *testing.T) {
	f := newFixture(t)

	lines := make([]LineInput, 0, 100)
	for i := 0; i < 100; i++ {
		lines = append(lines, LineInput{SKU: "preroll-1g", Qty: 1, UnitPriceCents: 1000})
	}

	sale, err := f.ledger.CreateSale(testCtx(), SaleRequest{
		Lines:   lines,
		Payment: PaymentInput{Method: "card", AmountCents: 100000, CashierID: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.SubtotalCents != 87000 || sale.TaxCents != 13000 || sale.TotalCents != 100000 {
		t.Fatalf("unexpected totals: %d/%d/%d", sale.SubtotalCents, sale.TaxCents, sale.TotalCents)
	}
}

func TestCreateSaleRejectsPaymentMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateSale(testCtx(), SaleRequest{
		Lines: []LineInput{
			{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 70000},
		},
		Payment: PaymentInput{Method: "cash", AmountCents: 69999, CashierID: 1},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateSaleRejectsEmptyLines(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateSale(testCtx(), SaleRequest{
		Payment: PaymentInput{Method: "cash", AmountCents: 100, CashierID: 1},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestVoidTransaction(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	voided, err := f.ledger.VoidTransaction(testCtx(), sale.Number, "customer walked out")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != domain.TxStatusCancelled {
		t.Fatalf("expected cancelled, got %s", voided.Status)
	}
	if voided.Reason != "customer walked out" {
		t.Fatalf("expected reason preserved, got %q", voided.Reason)
	}

	// A cancelled transaction cannot be voided again.
	if _, err := f.ledger.VoidTransaction(testCtx(), sale.Number, "double void"); !errors.Is(err, store.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
}

func TestVoidTransactionRequiresReason(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	if _, err := f.ledger.VoidTransaction(testCtx(), sale.Number, "  "); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateRefundHappyPath(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 30000)
	f.advance(5 * 24 * time.Hour)

	validation, err := f.ledger.ValidateRefund(testCtx(), sale.Number, 30000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("expected valid, got errors %v", validation.Errors)
	}
	if validation.RequiresManagerApproval {
		t.Fatal("30000 is under the high-value threshold")
	}
	if validation.MaxRefundableCents != 30000 {
		t.Fatalf("expected max refundable 30000, got %d", validation.MaxRefundableCents)
	}
	if validation.DaysSinceSale != 5 {
		t.Fatalf("expected 5 days since sale, got %d", validation.DaysSinceSale)
	}
}

func TestValidateRefundUnknownOriginal(t *testing.T) {
	f := newFixture(t)

	validation, err := f.ledger.ValidateRefund(testCtx(), "SALE-99999", 100)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid {
		t.Fatal("expected invalid result for unknown original")
	}
}

func TestValidateRefundOutsideWindow(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 30000)
	f.advance(31 * 24 * time.Hour)

	validation, err := f.ledger.ValidateRefund(testCtx(), sale.Number, 30000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid {
		t.Fatal("expected invalid result outside the refund window")
	}
	if !validation.RequiresManagerApproval {
		t.Fatal("window breach must flag manager approval")
	}
}

func TestValidateRefundWindowOverrideEnabled(t *testing.T) {
	f := newFixture(t)
	f.ledger.policy.WindowOverrideEnabled = true
	sale := f.mustSale(t, 30000)
	f.advance(31 * 24 * time.Hour)

	validation, err := f.ledger.ValidateRefund(testCtx(), sale.Number, 30000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("override should downgrade the window breach, got errors %v", validation.Errors)
	}
	if !validation.RequiresManagerApproval {
		t.Fatal("window breach must still flag manager approval")
	}
}

func TestValidateRefundHighValueFlagsApproval(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	validation, err := f.ledger.ValidateRefund(testCtx(), sale.Number, 70000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("expected valid, got errors %v", validation.Errors)
	}
	if !validation.RequiresManagerApproval {
		t.Fatal("70000 exceeds the high-value threshold and must flag approval")
	}
}

func TestProcessRefundHappyPath(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 30000)

	refund, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines: []LineInput{
			{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 30000},
		},
		Payment: PaymentInput{Method: "cash", CashierID: 1},
		Reason:  "product defect",
	})
	if err != nil {
		t.Fatalf("process refund: %v", err)
	}

	if refund.Number != "RFND-00001" {
		t.Fatalf("expected RFND-00001, got %s", refund.Number)
	}
	if refund.TotalCents != -30000 || refund.SubtotalCents >= 0 || refund.TaxCents >= 0 {
		t.Fatalf("refund header must carry negative amounts: %d/%d/%d", refund.SubtotalCents, refund.TaxCents, refund.TotalCents)
	}
	if refund.OriginalNumber != sale.Number {
		t.Fatalf("expected original %s, got %s", sale.Number, refund.OriginalNumber)
	}
	if len(refund.Lines) != 1 || refund.Lines[0].Qty != -1 {
		t.Fatalf("refund lines must carry negative quantities: %+v", refund.Lines)
	}

	original, err := f.ledger.GetTransaction(testCtx(), sale.Number)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.Status != domain.TxStatusRefunded {
		t.Fatalf("expected original refunded, got %s", original.Status)
	}
}

func TestProcessRefundRequiresReason(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 30000)

	_, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 30000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestProcessRefundHighValueNeedsApproval(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	req := RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 70000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
		Reason:         "product recall",
	}

	if _, err := f.ledger.ProcessRefund(testCtx(), req); !errors.Is(err, store.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted without approval, got %v", err)
	}

	req.ApprovalToken = f.approvalToken(t, approval.ScopeHighValueRefund)
	refund, err := f.ledger.ProcessRefund(testCtx(), req)
	if err != nil {
		t.Fatalf("process refund with approval: %v", err)
	}
	if refund.TotalCents != -70000 {
		t.Fatalf("expected -70000, got %d", refund.TotalCents)
	}
}

func TestProcessRefundRejectsWrongScopeToken(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	_, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 70000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
		Reason:         "product recall",
		ApprovalToken:  f.approvalToken(t, approval.ScopeDrawerVariance),
	})
	if !errors.Is(err, store.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted for wrong scope, got %v", err)
	}
}

func TestProcessRefundBalanceIsAbsolute(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 100000)

	_, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 100000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
		Reason:         "full refund",
		ApprovalToken:  f.approvalToken(t, approval.ScopeHighValueRefund),
	})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}

	// The sale is fully refunded: even one more cent must be rejected.
	validation, err := f.ledger.ValidateRefund(testCtx(), sale.Number, 1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid {
		t.Fatal("expected over-refund to be rejected")
	}
	if validation.MaxRefundableCents != 0 {
		t.Fatalf("expected max refundable 0, got %d", validation.MaxRefundableCents)
	}
	found := false
	for _, msg := range validation.Errors {
		if strings.Contains(msg, "exceeds remaining refundable balance") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected balance error, got %v", validation.Errors)
	}
}

func TestValidateRefundRejectsRefundAsOriginal(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 30000)

	refund, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 30000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
		Reason:         "defect",
	})
	if err != nil {
		t.Fatalf("process refund: %v", err)
	}

	validation, err := f.ledger.ValidateRefund(testCtx(), refund.Number, 100)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validation.Valid {
		t.Fatal("a refund transaction must not be refundable")
	}
}

func TestGetRefundHistoryMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 40000)

	for i, amount := range []int64{10000, 15000} {
		f.advance(time.Duration(i+1) * time.Hour)
		_, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
			OriginalNumber: sale.Number,
			Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: amount}},
			Payment:        PaymentInput{Method: "cash", CashierID: 1},
			Reason:         "partial refund",
		})
		if err != nil {
			t.Fatalf("refund %d: %v", i, err)
		}
	}

	history, err := f.ledger.GetRefundHistory(testCtx(), sale.Number)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 refunds, got %d", len(history))
	}
	if history[0].TotalCents != -15000 || history[1].TotalCents != -10000 {
		t.Fatalf("expected most recent first, got %d then %d", history[0].TotalCents, history[1].TotalCents)
	}
}

func TestProcessRefundAuditRecordsApprovingManager(t *testing.T) {
	f := newFixture(t)
	sale := f.mustSale(t, 70000)

	_, err := f.ledger.ProcessRefund(testCtx(), RefundRequest{
		OriginalNumber: sale.Number,
		Lines:          []LineInput{{SKU: "og-kush-3g", Qty: 1, UnitPriceCents: 70000}},
		Payment:        PaymentInput{Method: "cash", CashierID: 1},
		Reason:         "product recall",
		ApprovalToken:  f.approvalToken(t, approval.ScopeHighValueRefund),
	})
	if err != nil {
		t.Fatalf("process refund: %v", err)
	}

	found := false
	for _, entry := range f.repo.AuditEntries() {
		if entry.Action == "refund_process" && strings.Contains(entry.Detail, "approved_by=7") {
			found = true
		}
	}
	if !found {
		t.Fatal("refund audit entry must record the approving manager id")
	}
}

func TestPaymentTotalsByMethod(t *testing.T) {
	f := newFixture(t)
	from := f.now.Add(-time.Hour)

	sales := []struct {
		cashierID int64
		method    string
		price     int64
	}{
		{1, "cash", 1000},
		{1, "card", 3000},
		{2, "cash", 2000},
	}
	for _, s := range sales {
		_, err := f.ledger.CreateSale(testCtx(), SaleRequest{
			Lines:   []LineInput{{SKU: "preroll-1g", Qty: 1, UnitPriceCents: s.price}},
			Payment: PaymentInput{Method: s.method, AmountCents: s.price, CashierID: s.cashierID},
		})
		if err != nil {
			t.Fatalf("create sale: %v", err)
		}
	}
	to := f.now.Add(time.Hour)

	// All cashiers: cash payments merge, methods come back sorted.
	totals, err := f.ledger.PaymentTotals(testCtx(), from, to, 0)
	if err != nil {
		t.Fatalf("payment totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 methods, got %d", len(totals))
	}
	if totals[0].Method != "card" || totals[0].Payments != 1 || totals[0].AmountCents != 3000 {
		t.Fatalf("unexpected card totals: %+v", totals[0])
	}
	if totals[1].Method != "cash" || totals[1].Payments != 2 || totals[1].AmountCents != 3000 {
		t.Fatalf("unexpected cash totals: %+v", totals[1])
	}

	// Cashier filter narrows to that cashier's payments only.
	totals, err = f.ledger.PaymentTotals(testCtx(), from, to, 1)
	if err != nil {
		t.Fatalf("payment totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 methods for cashier 1, got %d", len(totals))
	}
	if totals[0].Method != "card" || totals[0].AmountCents != 3000 {
		t.Fatalf("unexpected card totals: %+v", totals[0])
	}
	if totals[1].Method != "cash" || totals[1].Payments != 1 || totals[1].AmountCents != 1000 {
		t.Fatalf("unexpected cash totals: %+v", totals[1])
	}

	// Payments outside the window stay out of the sums.
	f.advance(2 * time.Hour)
	_, err = f.ledger.CreateSale(testCtx(), SaleRequest{
		Lines:   []LineInput{{SKU: "preroll-1g", Qty: 1, UnitPriceCents: 5000}},
		Payment: PaymentInput{Method: "cash", AmountCents: 5000, CashierID: 1},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	totals, err = f.ledger.PaymentTotals(testCtx(), from, to, 0)
	if err != nil {
		t.Fatalf("payment totals: %v", err)
	}
	if totals[1].Method != "cash" || totals[1].Payments != 2 || totals[1].AmountCents != 3000 {
		t.Fatalf("late payment leaked into the window: %+v", totals[1])
	}
}

func TestCreateSaleWritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	f.mustSale(t, 70000)

	entries := f.repo.AuditEntries()
	if len(entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	last := entries[len(entries)-1]
	if last.Action != "sale_create" || last.ActorName != "casey" {
		t.Fatalf("unexpected audit entry: %+v", last)
	}
}
