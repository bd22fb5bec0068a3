package domain

import "time"

// All monetary values are fixed-point amounts expressed in integer cents.

const (
	TxTypeSale           = "sale"
	TxTypeRefund         = "refund"
	TxTypeAccountPayment = "account_payment"
	TxTypeLayby          = "layby"
	TxTypeQuote          = "quote"
)

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusCancelled = "cancelled"
	TxStatusOnHold    = "on_hold"
	TxStatusRefunded  = "refunded"
)

const (
	SequenceFormatStandard   = "standard"
	SequenceFormatDateBatch  = "date_batch"
	SequenceFormatUnitSerial = "date_strain_serial"
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

// Variance tiers, by absolute variance magnitude. "approved" replaces the
// computed tier when a manager signs off on an above-threshold variance.
const (
	TierBalanced   = "balanced"
	TierAcceptable = "acceptable"
	TierMinor      = "minor"
	TierModerate   = "moderate"
	TierSevere     = "severe"
	TierApproved   = "approved"
)

type Actor struct {
	Username string
	Role     string
}

// TaxBreakdown is a cent-exact (subtotal, tax, total) triple. After
// adjustment absorption SubtotalCents+TaxCents == TotalCents always holds;
// RoundingAdjustmentCents records the pre-absorption variance for audit.
type TaxBreakdown struct {
	SubtotalCents           int64 `json:"subtotal_cents"`
	TaxCents                int64 `json:"tax_cents"`
	TotalCents              int64 `json:"total_cents"`
	RoundingAdjustmentCents int64 `json:"rounding_adjustment_cents"`
}

type TransactionLine struct {
	SKU            string `json:"sku"`
	Description    string `json:"description"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
	TaxCents       int64  `json:"tax_cents"`
	TotalCents     int64  `json:"total_cents"`
}

// TransactionHeader is owned by the ledger. Refund headers reference their
// original sale by number (OriginalNumber), never by embedded pointer.
type TransactionHeader struct {
	Number         string            `json:"number"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	SubtotalCents  int64             `json:"subtotal_cents"`
	TaxCents       int64             `json:"tax_cents"`
	TotalCents     int64             `json:"total_cents"`
	DiscountCents  int64             `json:"discount_cents"`
	OriginalNumber string            `json:"original_number,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	ProcessedBy    string            `json:"processed_by"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Lines          []TransactionLine `json:"lines,omitempty"`
}

// Payment amounts are always non-negative magnitudes; refund direction is
// carried by the header total, not the payment.
type Payment struct {
	ID                string    `json:"id"`
	Method            string    `json:"method"`
	AmountCents       int64     `json:"amount_cents"`
	TransactionNumber string    `json:"transaction_number,omitempty"`
	CashierID         int64     `json:"cashier_id"`
	ProcessedBy       string    `json:"processed_by"`
	CreatedAt         time.Time `json:"created_at"`
}

type PaymentMethodTotal struct {
	Method      string `json:"method"`
	Payments    int64  `json:"payments"`
	AmountCents int64  `json:"amount_cents"`
}

// SequenceConfig is owned by the counter store; the allocator only reads it
// and requests atomic increments.
type SequenceConfig struct {
	Type         string `json:"type"`
	Prefix       string `json:"prefix"`
	Padding      int    `json:"padding"`
	CurrentValue int64  `json:"current_value"`
	Format       string `json:"format"`
}

type DenominationCount struct {
	DenominationCents int64 `json:"denomination_cents"`
	Count             int   `json:"count"`
}

// CashDrawerSession is created at shift open, mutated exactly once at
// reconciliation, then immutable.
type CashDrawerSession struct {
	ID                   string              `json:"id"`
	CashierID            int64               `json:"cashier_id"`
	Status               string              `json:"status"`
	OpeningFloatCents    int64               `json:"opening_float_cents"`
	OpeningDenominations []DenominationCount `json:"opening_denominations,omitempty"`
	CashSalesCents       int64               `json:"cash_sales_cents"`
	CashPaidOutCents     int64               `json:"cash_paid_out_cents"`
	ActualCashCents      int64               `json:"actual_cash_cents"`
	ClosingDenominations []DenominationCount `json:"closing_denominations,omitempty"`
	VarianceCents        int64               `json:"variance_cents"`
	VarianceTier         string              `json:"variance_tier,omitempty"`
	VarianceReason       string              `json:"variance_reason,omitempty"`
	ApprovedByManagerID  int64               `json:"approved_by_manager_id,omitempty"`
	OpenedAt             time.Time           `json:"opened_at"`
	ClosedAt             *time.Time          `json:"closed_at,omitempty"`
}

// RefundValidation is the structured outcome of refund pre-checks. Errors are
// hard failures; RequiresManagerApproval is a soft gate that does not by
// itself make the request invalid.
type RefundValidation struct {
	Valid                   bool     `json:"valid"`
	Errors                  []string `json:"errors,omitempty"`
	RequiresManagerApproval bool     `json:"requires_manager_approval"`
	MaxRefundableCents      int64    `json:"max_refundable_cents"`
	DaysSinceSale           int      `json:"days_since_sale"`
}

// ReconcileResult reports policy outcomes without raising errors: variance
// beyond threshold is a business outcome the caller routes to approval.
type ReconcileResult struct {
	Success  bool               `json:"success"`
	Messages []string           `json:"messages,omitempty"`
	Session  *CashDrawerSession `json:"session,omitempty"`
}

type CashierVarianceSummary struct {
	CashierID            int64     `json:"cashier_id"`
	From                 time.Time `json:"from"`
	To                   time.Time `json:"to"`
	Total                int       `json:"total"`
	Balanced             int       `json:"balanced"`
	WithinTolerance      int       `json:"within_tolerance"`
	RequiresReview       int       `json:"requires_review"`
	TotalVarianceCents   int64     `json:"total_variance_cents"`
	AverageVarianceCents float64   `json:"average_variance_cents"`
	LargestVarianceCents int64     `json:"largest_variance_cents"`
	AccuracyRate         float64   `json:"accuracy_rate"`
}

type AuditEntry struct {
	ID         string    `json:"id"`
	ActorName  string    `json:"actor_name"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
