package invoice

import "sort"

// Ledger is the cumulative-cost aggregate for one meter.
//
// Invariants:
//  1. An invoice number is folded into the cumulative amount at most once,
//     ever, even when the invoice reappears in later fetches with updated
//     payment fields.
//  2. The cumulative amount only grows, and only by Amount() of invoices
//     whose number was not yet in the processed set.
//
// Payment status is deliberately not part of this state: it is derived
// fresh from the latest fetch (see Invoice.Status).
type Ledger struct {
	pod            string
	processed      map[string]struct{}
	invoicedAmount float64
	isNew          bool
}

// NewLedger starts an empty ledger for a meter.
func NewLedger(pod string) (*Ledger, error) {
	if pod == "" {
		return nil, ErrEmptyPOD
	}
	return &Ledger{
		pod:       pod,
		processed: make(map[string]struct{}),
		isNew:     true,
	}, nil
}

// RestoreLedger rebuilds a ledger from persisted state.
func RestoreLedger(pod string, processedNumbers []string, invoicedAmount float64) (*Ledger, error) {
	ledger, err := NewLedger(pod)
	if err != nil {
		return nil, err
	}
	for _, number := range processedNumbers {
		if number != "" {
			ledger.processed[number] = struct{}{}
		}
	}
	ledger.invoicedAmount = invoicedAmount
	ledger.isNew = false
	return ledger, nil
}

// FoldResult reports what one fold changed.
type FoldResult struct {
	NewlyProcessed []Invoice
	CostDelta      float64
}

// Fold applies every not-yet-seen invoice to the cumulative amount.
// Invoices are processed in issue-date order so repeated folds over the
// same set behave deterministically; refolding is a no-op.
func (l *Ledger) Fold(invoices []Invoice) FoldResult {
	sorted := make([]Invoice, len(invoices))
	copy(sorted, invoices)
	SortByIssueDate(sorted)

	var result FoldResult
	for _, inv := range sorted {
		if inv.Number == "" {
			continue
		}
		if _, seen := l.processed[inv.Number]; seen {
			continue
		}
		l.processed[inv.Number] = struct{}{}
		l.invoicedAmount += inv.Amount()
		result.NewlyProcessed = append(result.NewlyProcessed, inv)
		result.CostDelta += inv.Amount()
	}
	return result
}

// POD returns the meter identifier.
func (l *Ledger) POD() string { return l.pod }

// InvoicedAmount returns the cumulative folded amount.
func (l *Ledger) InvoicedAmount() float64 { return l.invoicedAmount }

// Seen reports whether an invoice number was already folded.
func (l *Ledger) Seen(number string) bool {
	_, ok := l.processed[number]
	return ok
}

// ProcessedNumbers returns the folded invoice numbers, sorted.
func (l *Ledger) ProcessedNumbers() []string {
	numbers := make([]string, 0, len(l.processed))
	for number := range l.processed {
		numbers = append(numbers, number)
	}
	sort.Strings(numbers)
	return numbers
}

// AverageCostPerKWh derives the average unit cost against a cumulative
// energy total. Zero when no energy was folded yet.
func (l *Ledger) AverageCostPerKWh(totalKWh float64) float64 {
	if totalKWh <= 0 {
		return 0
	}
	return l.invoicedAmount / totalKWh
}

// IsNew reports whether the ledger was never persisted.
func (l *Ledger) IsNew() bool { return l.isNew }

// MarkPersisted clears the new flag after a successful save.
func (l *Ledger) MarkPersisted() { l.isNew = false }

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	copied := &Ledger{
		pod:            l.pod,
		processed:      make(map[string]struct{}, len(l.processed)),
		invoicedAmount: l.invoicedAmount,
		isNew:          l.isNew,
	}
	for number := range l.processed {
		copied.processed[number] = struct{}{}
	}
	return copied
}
