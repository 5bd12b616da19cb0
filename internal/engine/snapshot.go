package engine

import (
	"time"

	invoice "meterbridge/internal/invoice/domain"
	"meterbridge/internal/tariff"
)

// Snapshot is a read-only view of the reconciled state for presentation.
type Snapshot struct {
	POD               string
	Scheme            tariff.Scheme
	LastProcessedDate time.Time
	HasWatermark      bool
	Totals            map[tariff.Bucket]float64
	InvoicedAmount    float64
	AverageCostPerKWh float64
	UnpaidTotal       float64
	LatestInvoice     *invoice.Invoice
	Invoices          []invoice.Invoice
}

// Snapshot returns the current reconciled state. Payment status fields
// derive from the most recent fetch, not from ledger state.
func (e *Engine) Snapshot() Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	snap := Snapshot{
		POD:    e.pod,
		Scheme: e.scheme,
	}
	if e.ledger != nil {
		snap.LastProcessedDate, snap.HasWatermark = e.ledger.LastProcessedDate()
		snap.Totals = e.ledger.Totals()
	}
	if e.invLedger != nil {
		snap.InvoicedAmount = e.invLedger.InvoicedAmount()
		if e.ledger != nil {
			snap.AverageCostPerKWh = e.invLedger.AverageCostPerKWh(e.ledger.Total(tariff.BucketTotal))
		}
	}
	if len(e.lastInvoices) > 0 {
		snap.Invoices = make([]invoice.Invoice, len(e.lastInvoices))
		copy(snap.Invoices, e.lastInvoices)
		invoice.SortByIssueDate(snap.Invoices)
		snap.UnpaidTotal = invoice.UnpaidTotal(snap.Invoices)
		if latest, ok := invoice.Latest(snap.Invoices); ok {
			snap.LatestInvoice = &latest
		}
	}
	return snap
}

// LastResult returns the most recent cycle outcome; ok is false before the
// first cycle.
func (e *Engine) LastResult() (CycleResult, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.lastResult == nil {
		return CycleResult{}, false
	}
	return *e.lastResult, true
}
