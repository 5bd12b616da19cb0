package consumption

import (
	"context"
	"errors"
	"sort"
	"time"

	"meterbridge/internal/tariff"
)

// Fetcher returns the hourly readings of one day, or ErrNotYetAvailable
// when the portal has not published that day.
type Fetcher interface {
	FetchDay(ctx context.Context, date time.Time) ([]tariff.HourlyReading, error)
}

// maxBackfillDays bounds a single backfill range.
const maxBackfillDays = 366

// Ledger is the cumulative-energy aggregate for one meter.
//
// Invariants:
//  1. lastProcessedDate never moves backwards.
//  2. Cumulative totals only grow, and only by bucket sums of dates
//     strictly after the watermark at fold time.
//  3. A day is never folded while an earlier candidate day is still
//     unavailable; the walk stops instead of leaving a gap.
type Ledger struct {
	pod           string
	scheme        tariff.Scheme
	lastProcessed time.Time // zero means nothing folded yet
	totals        map[tariff.Bucket]float64
	isNew         bool
}

// NewLedger starts an empty ledger for a meter.
func NewLedger(pod string, scheme tariff.Scheme) (*Ledger, error) {
	if pod == "" {
		return nil, ErrEmptyPOD
	}
	if !scheme.IsValid() {
		return nil, ErrInvalidScheme
	}
	return &Ledger{
		pod:    pod,
		scheme: scheme,
		totals: make(map[tariff.Bucket]float64),
		isNew:  true,
	}, nil
}

// RestoreLedger rebuilds a ledger from persisted state.
func RestoreLedger(pod string, scheme tariff.Scheme, lastProcessed time.Time, totals map[tariff.Bucket]float64) (*Ledger, error) {
	ledger, err := NewLedger(pod, scheme)
	if err != nil {
		return nil, err
	}
	ledger.lastProcessed = Day(lastProcessed)
	for bucket, value := range totals {
		ledger.totals[bucket] = value
	}
	ledger.isNew = false
	return ledger, nil
}

// FoldResult reports what one fold changed.
type FoldResult struct {
	// Deltas holds one entry per newly folded date, ascending.
	Deltas []tariff.DailyBucketSums
	// Skipped lists dates dropped because the upstream data was malformed.
	Skipped []time.Time
}

// Fold walks candidate dates in ascending order, folding each available
// day exactly once and advancing the watermark. A day the portal has not
// published stops the walk so no gap can form. Malformed days are skipped
// and reported. A transport failure returns the deltas folded so far
// together with the error; committed work stays valid.
func (l *Ledger) Fold(ctx context.Context, dates []time.Time, fetcher Fetcher) (FoldResult, error) {
	var result FoldResult
	if fetcher == nil {
		return result, ErrNilFetcher
	}

	sorted := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		sorted = append(sorted, Day(d))
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Before(sorted[b]) })

	for _, date := range sorted {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !date.After(l.lastProcessed) {
			continue
		}
		readings, err := fetcher.FetchDay(ctx, date)
		if err != nil {
			if errors.Is(err, ErrNotYetAvailable) {
				return result, nil
			}
			return result, err
		}
		if len(readings) == 0 {
			return result, nil
		}
		sums, err := tariff.Classify(date, readings, l.scheme)
		if err != nil {
			var invalid *tariff.InvalidReadingError
			if errors.As(err, &invalid) {
				result.Skipped = append(result.Skipped, date)
				continue
			}
			return result, err
		}
		for bucket, value := range sums.Totals {
			l.totals[bucket] += value
		}
		l.lastProcessed = date
		result.Deltas = append(result.Deltas, sums)
	}
	return result, nil
}

// Backfill folds an explicit historical range. The watermark makes it
// idempotent: dates at or before lastProcessedDate are not refolded, and
// the watermark never rewinds, so rerunning over a processed range emits
// nothing.
func (l *Ledger) Backfill(ctx context.Context, start, end time.Time, fetcher Fetcher) (FoldResult, error) {
	start, end = Day(start), Day(end)
	if end.Before(start) || end.Sub(start) > maxBackfillDays*24*time.Hour {
		return FoldResult{}, ErrInvalidRange
	}
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return l.Fold(ctx, dates, fetcher)
}

// POD returns the meter identifier.
func (l *Ledger) POD() string { return l.pod }

// Scheme returns the tariff scheme.
func (l *Ledger) Scheme() tariff.Scheme { return l.scheme }

// LastProcessedDate returns the watermark; ok is false when nothing was
// folded yet.
func (l *Ledger) LastProcessedDate() (time.Time, bool) {
	return l.lastProcessed, !l.lastProcessed.IsZero()
}

// Total returns the cumulative energy of one bucket.
func (l *Ledger) Total(bucket tariff.Bucket) float64 { return l.totals[bucket] }

// Totals returns a copy of all cumulative bucket totals.
func (l *Ledger) Totals() map[tariff.Bucket]float64 {
	copied := make(map[tariff.Bucket]float64, len(l.totals))
	for bucket, value := range l.totals {
		copied[bucket] = value
	}
	return copied
}

// IsNew reports whether the ledger was never persisted.
func (l *Ledger) IsNew() bool { return l.isNew }

// MarkPersisted clears the new flag after a successful save.
func (l *Ledger) MarkPersisted() { l.isNew = false }

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	copied := &Ledger{
		pod:           l.pod,
		scheme:        l.scheme,
		lastProcessed: l.lastProcessed,
		totals:        make(map[tariff.Bucket]float64, len(l.totals)),
		isNew:         l.isNew,
	}
	for bucket, value := range l.totals {
		copied.totals[bucket] = value
	}
	return copied
}

// Day normalizes a timestamp to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
