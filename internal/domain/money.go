package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountTolerance is the maximum accepted difference, in cents, between a
// client-declared order total and the sum of its line extensions.
const AmountTolerance int64 = 1

// InvoiceTotals carries the derived monetary fields of a corporate invoice.
type InvoiceTotals struct {
	Subtotal  int64
	VATAmount int64
	Total     int64
}

// DeriveInvoiceTotals computes subtotal, VAT and total for a set of invoice
// items at the given VAT rate (percent). Amounts are euro cents; VAT is
// rounded half-up to the cent. Totals are always derived from the items, never
// carried over from a previous persist.
func DeriveInvoiceTotals(items []InvoiceItem, vatRate float64) InvoiceTotals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.Amount
	}

	rate := decimal.NewFromFloat(vatRate).Div(decimal.NewFromInt(100))
	vat := decimal.NewFromInt(subtotal).Mul(rate).Round(0)

	return InvoiceTotals{
		Subtotal:  subtotal,
		VATAmount: vat.IntPart(),
		Total:     subtotal + vat.IntPart(),
	}
}

// InvoicePeriodKey is the deterministic identifier of an account's invoice for
// one billing period. The storage layer keys invoice documents by it, which is
// what makes the (account, month, year) uniqueness constraint enforceable with
// a plain create.
func InvoicePeriodKey(accountID string, month, year int) string {
	return fmt.Sprintf("%s_%04d_%02d", strings.TrimSpace(accountID), year, month)
}

// LineExtension returns unit price times quantity for an order line.
func LineExtension(unitPrice int64, quantity int) int64 {
	return unitPrice * int64(quantity)
}

// SumOrderLines totals the line extensions of an order's snapshot lines.
func SumOrderLines(lines []OrderLine) int64 {
	var total int64
	for _, line := range lines {
		total += LineExtension(line.UnitPrice, line.Quantity)
	}
	return total
}

// WithinTolerance reports whether two amounts differ by at most
// AmountTolerance cents.
func WithinTolerance(a, b int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= AmountTolerance
}
