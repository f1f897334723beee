package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func checkRequired(c entity.Candidate, r *report) {
	if strings.TrimSpace(c.VendorName) == "" {
		r.fail("Vendor name is required")
	}
	if strings.TrimSpace(c.InvoiceNumber) == "" {
		r.fail("Invoice number is required")
	}
	if strings.TrimSpace(c.InvoiceDate) == "" {
		r.fail("Invoice date is required")
	}
	if c.Total == nil && len(c.LineItems) == 0 {
		r.fail("Total amount is required")
	}
}

func checkLineItems(f facts, r *report) {
	for i, it := range f.items {
		idx := i + 1
		expected := it.quantity.Mul(it.unitPrice)
		if expected.Sub(it.amount).Abs().GreaterThan(tolerance) {
			r.fail(fmt.Sprintf("Line item %d: Amount mismatch (expected %s, got %s)", idx, num(expected), num(it.amount)))
		}
		if !it.quantity.IsPositive() {
			r.warn(fmt.Sprintf("Line item %d: Quantity must be positive", idx))
		}
		if it.unitPrice.IsNegative() {
			r.warn(fmt.Sprintf("Line item %d: Unit price is negative", idx))
		}
	}
}

// mismatch classifies a difference between got and expected: within tolerance
// it is ignored; above tolerance and above the relative threshold it is an
// error; otherwise a warning.
func mismatch(got, expected decimal.Decimal) (differs, isError bool) {
	diff := got.Sub(expected).Abs()
	if !diff.GreaterThan(tolerance) {
		return false, false
	}
	if expected.IsZero() {
		return true, true
	}
	return true, diff.Div(expected.Abs()).GreaterThan(relativeThreshold)
}

func checkSubtotal(f facts, r *report) {
	if f.subtotal == nil || len(f.items) == 0 {
		return
	}
	differs, isError := mismatch(*f.subtotal, f.itemsSum)
	switch {
	case !differs:
	case isError:
		r.fail(fmt.Sprintf("Subtotal mismatch: expected %s (sum of line items), got %s", num(f.itemsSum), num(*f.subtotal)))
	default:
		r.warn(fmt.Sprintf("Subtotal differs slightly from sum of line items: expected %s, got %s", num(f.itemsSum), num(*f.subtotal)))
	}
}

// base returns the extracted subtotal, falling back to the line-item sum.
func (f facts) base() (decimal.Decimal, bool) {
	if f.subtotal != nil {
		return *f.subtotal, true
	}
	if len(f.items) > 0 {
		return f.itemsSum, true
	}
	return decimal.Zero, false
}

func checkTotal(f facts, r *report) {
	if f.total == nil {
		return
	}
	base, ok := f.base()
	if !ok {
		return
	}
	expected := base.Add(orZero(f.taxAmount)).Sub(orZero(f.discount)).Add(orZero(f.shipping))
	differs, isError := mismatch(*f.total, expected)
	switch {
	case !differs:
	case isError:
		r.fail(fmt.Sprintf("Total mismatch: expected %s (subtotal + tax - discount + shipping), got %s", num(expected), num(*f.total)))
	default:
		r.warn(fmt.Sprintf("Total differs slightly from computed amount: expected %s, got %s", num(expected), num(*f.total)))
	}
}

func checkTaxRate(f facts, r *report) {
	if f.taxRate == nil || f.taxAmount == nil || f.subtotal == nil {
		return
	}
	expected := f.taxRate.Div(hundred).Mul(*f.subtotal)
	if expected.Sub(*f.taxAmount).Abs().GreaterThan(tolerance) {
		r.warn(fmt.Sprintf("Tax amount does not match tax rate: expected %s, got %s", num(expected), num(*f.taxAmount)))
	}
}

type parsedDates struct {
	invoice *time.Time
	due     *time.Time
}

func checkFormats(c entity.Candidate, now time.Time, r *report) parsedDates {
	var out parsedDates
	today := truncateDay(now)

	if s := strings.TrimSpace(c.InvoiceDate); s != "" {
		if d, ok := ParseDate(s); ok {
			out.invoice = &d
			switch {
			case d.Before(today.AddDate(0, 0, -365)):
				r.warn("Invoice date is more than 365 days in the past")
			case d.After(today.AddDate(0, 0, 30)):
				r.warn("Invoice date is more than 30 days in the future")
			}
		} else {
			r.fail(fmt.Sprintf("Invalid invoice date format: %q", s))
		}
	}
	if s := strings.TrimSpace(c.DueDate); s != "" {
		if d, ok := ParseDate(s); ok {
			out.due = &d
		} else {
			r.fail(fmt.Sprintf("Invalid due date format: %q", s))
		}
	}

	if email := strings.TrimSpace(c.VendorEmail); email != "" && !emailPattern.MatchString(email) {
		r.warn(fmt.Sprintf("Invalid vendor email format: %s", email))
	}
	if cur := strings.TrimSpace(c.Currency); cur != "" && !constants.IsKnownCurrency(cur) {
		r.warn(fmt.Sprintf("Unusual currency code: %s", strings.ToUpper(cur)))
	}
	return out
}

func checkBusinessRules(f facts, dates parsedDates, r *report) {
	if dates.invoice != nil && dates.due != nil && dates.due.Before(*dates.invoice) {
		r.fail("Due date is before invoice date")
	}
	if f.discount != nil && f.subtotal != nil {
		switch {
		case f.discount.GreaterThan(*f.subtotal):
			r.fail("Discount exceeds subtotal")
		case f.discount.GreaterThan(f.subtotal.Mul(half)):
			r.warn("Discount exceeds 50% of subtotal")
		}
	}
	if f.taxRate != nil && (f.taxRate.IsNegative() || f.taxRate.GreaterThan(maxTaxRate)) {
		r.warn(fmt.Sprintf("Unusual tax rate: %s%%", num(*f.taxRate)))
	}
	if f.total != nil {
		switch {
		case !f.total.IsPositive():
			r.fail("Total amount must be positive")
		case f.total.GreaterThan(largeTotal):
			r.warn("Total amount exceeds 1,000,000")
		}
	}
}

func checkAnomalies(c entity.Candidate, f facts, r *report) {
	if n := strings.TrimSpace(c.InvoiceNumber); n != "" && strings.Trim(n, "0") == "" {
		r.anomaly("Invoice number consists only of zeros")
	}
	if f.total != nil && f.total.GreaterThan(roundTotalFloor) {
		if f.total.Mod(hundred).IsZero() {
			r.anomaly("Total is a round multiple of 100, possibly an estimate")
		}
		if f.taxRate == nil && f.taxAmount == nil {
			r.anomaly("No tax information on an invoice over 1,000")
		}
	}
	if len(f.items) > 3 {
		same := true
		for _, it := range f.items[1:] {
			if !it.quantity.Equal(f.items[0].quantity) {
				same = false
				break
			}
		}
		if same {
			r.anomaly("All line items share the same quantity")
		}
	}
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
