package tax

import (
	"fmt"

	"github.com/shopspring/decimal"

	"greenledger/engine/internal/domain"
	"greenledger/engine/internal/store"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Calculator performs reverse tax splits on tax-inclusive amounts. It is
// stateless beyond the configured rate; all inputs and outputs are integer
// cents. Halves round away from zero — this direction affects audit totals
// and must not change.
type Calculator struct {
	ratePercent decimal.Decimal
	divisor     decimal.Decimal // 1 + rate
}

func NewCalculator(ratePercent float64) (*Calculator, error) {
	if ratePercent < 0 || ratePercent > 100 {
		return nil, fmt.Errorf("tax rate %.4f%% out of range: %w", ratePercent, store.ErrInvalidInput)
	}
	rate := decimal.NewFromFloat(ratePercent)
	return &Calculator{
		ratePercent: rate,
		divisor:     one.Add(rate.Div(hundred)),
	}, nil
}

// CalculateLine splits a tax-inclusive line into (subtotal, tax, total).
// Zero quantity yields an all-zero breakdown. Any cent left over by the split
// is folded into tax, never into subtotal, and recorded as the rounding
// adjustment.
func (c *Calculator) CalculateLine(unitPriceCents int64, qty int) (domain.TaxBreakdown, error) {
	if unitPriceCents < 0 {
		return domain.TaxBreakdown{}, fmt.Errorf("unit price must not be negative: %w", store.ErrInvalidInput)
	}
	if qty < 0 {
		return domain.TaxBreakdown{}, fmt.Errorf("quantity must not be negative: %w", store.ErrInvalidInput)
	}
	if qty == 0 {
		return domain.TaxBreakdown{}, nil
	}

	lineTotal := unitPriceCents * int64(qty)
	return c.split(lineTotal), nil
}

// CalculateLineWithDiscount subtracts a fixed discount from the tax-inclusive
// line total (floored at zero) before the reverse split.
func (c *Calculator) CalculateLineWithDiscount(unitPriceCents int64, qty int, discountCents int64) (domain.TaxBreakdown, error) {
	if discountCents < 0 {
		return domain.TaxBreakdown{}, fmt.Errorf("discount must not be negative: %w", store.ErrInvalidInput)
	}
	if unitPriceCents < 0 {
		return domain.TaxBreakdown{}, fmt.Errorf("unit price must not be negative: %w", store.ErrInvalidInput)
	}
	if qty < 0 {
		return domain.TaxBreakdown{}, fmt.Errorf("quantity must not be negative: %w", store.ErrInvalidInput)
	}
	if qty == 0 {
		return domain.TaxBreakdown{}, nil
	}

	lineTotal := unitPriceCents*int64(qty) - discountCents
	if lineTotal < 0 {
		lineTotal = 0
	}
	return c.split(lineTotal), nil
}

func (c *Calculator) split(lineTotalCents int64) domain.TaxBreakdown {
	// DivRound rounds the final digit half away from zero.
	total := decimal.NewFromInt(lineTotalCents)
	exactSubtotal := total.Div(c.divisor)
	subtotal := total.DivRound(c.divisor, 0).IntPart()

	// Rounding subtotal and tax independently can leave the triple off by a
	// cent. That leftover always lands in tax so the subtotal stays a clean
	// reverse-computed base, and is recorded for audit.
	independentTax := total.Sub(exactSubtotal).Round(0).IntPart()
	adj := lineTotalCents - (subtotal + independentTax)

	breakdown := domain.TaxBreakdown{
		SubtotalCents: subtotal,
		TaxCents:      lineTotalCents - subtotal,
		TotalCents:    lineTotalCents,
	}
	if adj != 0 {
		breakdown.RoundingAdjustmentCents = adj
	}
	return breakdown
}

// AggregateHeader sums line breakdowns component-wise. Sum-of-rounded-lines is
// the authoritative header total; if the summed subtotal and tax no longer
// reconcile against it, the difference is folded into the aggregate tax.
func AggregateHeader(lines []domain.TaxBreakdown) domain.TaxBreakdown {
	var agg domain.TaxBreakdown
	for _, line := range lines {
		agg.SubtotalCents += line.SubtotalCents
		agg.TaxCents += line.TaxCents
		agg.TotalCents += line.TotalCents
		agg.RoundingAdjustmentCents += line.RoundingAdjustmentCents
	}

	if diff := agg.TotalCents - (agg.SubtotalCents + agg.TaxCents); diff != 0 {
		agg.TaxCents += diff
		agg.RoundingAdjustmentCents += diff
	}
	return agg
}

// ApplyPercentageDiscount reduces an amount by pct percent, pct in [0,100].
func ApplyPercentageDiscount(amountCents int64, pct float64) (int64, error) {
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("discount percent %.2f out of range: %w", pct, store.ErrInvalidInput)
	}
	factor := one.Sub(decimal.NewFromFloat(pct).Div(hundred))
	return decimal.NewFromInt(amountCents).Mul(factor).Round(0).IntPart(), nil
}

// ApplyFixedDiscount reduces an amount by a fixed discount, floored at zero.
func ApplyFixedDiscount(amountCents int64, discountCents int64) (int64, error) {
	if discountCents < 0 {
		return 0, fmt.Errorf("discount must not be negative: %w", store.ErrInvalidInput)
	}
	result := amountCents - discountCents
	if result < 0 {
		result = 0
	}
	return result, nil
}

// RoundToCent rounds to two decimal places with halves away from zero.
func RoundToCent(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
