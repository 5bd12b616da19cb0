package invoice

import (
	"sort"
	"strings"
	"time"
)

// PaymentStatus is the live-derived settlement state of an invoice.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusUnpaid  PaymentStatus = "unpaid"
	StatusPartial PaymentStatus = "partial"
)

// Invoice is one billing document as fetched from the portal. Identity is
// Number; the rest is immutable content from the latest fetch.
type Invoice struct {
	Number          string
	IssueDate       time.Time
	DueDate         time.Time
	TotalAmount     float64
	AmountPaid      float64
	AmountRemaining float64
	RawStatus       string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	// PODAmount is this meter's share on a multi-supply invoice.
	PODAmount    float64
	HasPODAmount bool
}

// Amount returns what this meter owes for the invoice: the per-supply
// share when the invoice covers several meters, the full amount otherwise.
func (i Invoice) Amount() float64 {
	if i.HasPODAmount {
		return i.PODAmount
	}
	return i.TotalAmount
}

// Status derives the payment state. The portal's own status string wins
// when recognized; otherwise paid amounts decide. Recomputed on every
// fetch, never cached.
func (i Invoice) Status() PaymentStatus {
	switch normalizeStatus(i.RawStatus) {
	case "PAGATO":
		return StatusPaid
	case "PARZIALMENTE PAGATO", "PAGATO PARZIALMENTE":
		return StatusPartial
	case "NON PAGATO", "DA PAGARE", "INSOLUTO":
		return StatusUnpaid
	}
	switch {
	case i.TotalAmount > 0 && i.AmountPaid >= i.TotalAmount:
		return StatusPaid
	case i.AmountPaid > 0:
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

func normalizeStatus(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "_", " ")), " ")
}

// Latest returns the invoice with the most recent issue date.
func Latest(invoices []Invoice) (Invoice, bool) {
	if len(invoices) == 0 {
		return Invoice{}, false
	}
	latest := invoices[0]
	for _, inv := range invoices[1:] {
		if inv.IssueDate.After(latest.IssueDate) {
			latest = inv
		}
	}
	return latest, true
}

// UnpaidTotal sums the outstanding balance across all invoices.
func UnpaidTotal(invoices []Invoice) float64 {
	var total float64
	for _, inv := range invoices {
		if inv.Status() != StatusPaid {
			total += inv.AmountRemaining
		}
	}
	return total
}

// SortByIssueDate orders invoices ascending by issue date, number as
// tie-break, in place.
func SortByIssueDate(invoices []Invoice) {
	sort.Slice(invoices, func(a, b int) bool {
		if invoices[a].IssueDate.Equal(invoices[b].IssueDate) {
			return invoices[a].Number < invoices[b].Number
		}
		return invoices[a].IssueDate.Before(invoices[b].IssueDate)
	})
}
