package engine

import (
	"context"
	"errors"

	consumption "meterbridge/internal/consumption/domain"
	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/session"
)

// ImportResult reports what a historical import changed.
type ImportResult struct {
	Days            int
	DatesFolded     int
	SkippedDates    int
	PointsPublished int
}

// RunImport backfills consumption over the last `days` days (default when
// zero, bounded to [1,365]). The watermark makes reruns over an already
// imported range emit nothing, so the operation is idempotent. It shares
// the single-flight guard with RunCycle to avoid watermark races.
func (e *Engine) RunImport(ctx context.Context, days int) (ImportResult, error) {
	if days == 0 {
		days = e.importDefaultDays
	}
	if days < 1 || days > 365 {
		return ImportResult{}, ErrInvalidImportDays
	}
	if !e.runMu.TryLock() {
		return ImportResult{}, ErrCycleInProgress
	}
	defer e.runMu.Unlock()

	result := ImportResult{Days: days}
	if _, err := e.sessions.EnsureValid(ctx); err != nil {
		return result, err
	}

	e.stateMu.Lock()
	working := e.ledger.Clone()
	e.stateMu.Unlock()
	before := working.Totals()

	today := consumption.Day(e.clock.Now())
	foldResult, foldErr := working.Backfill(ctx, today.AddDate(0, 0, -days), today, e.fetcher)
	result.SkippedDates = len(foldResult.Skipped)
	for _, date := range foldResult.Skipped {
		e.logger.Printf("engine: import skipped malformed day %s", date.Format("2006-01-02"))
	}

	if len(foldResult.Deltas) > 0 {
		published, err := e.publishConsumption(ctx, before, foldResult.Deltas)
		result.PointsPublished = published
		if err != nil {
			return result, err
		}
		if err := e.consumptionRepo.Save(ctx, working); err != nil {
			return result, err
		}
		e.stateMu.Lock()
		e.ledger = working
		e.stateMu.Unlock()
		result.DatesFolded = len(foldResult.Deltas)
		metrics.AddDatesFolded(result.DatesFolded)
	}

	if foldErr != nil {
		var authErr *session.AuthError
		if errors.As(foldErr, &authErr) && authErr.Terminal {
			e.logger.Printf("engine: import halted, reauthorization required: %v", foldErr)
		}
		return result, foldErr
	}
	e.logger.Printf("engine: import over %d days folded %d dates, published %d points",
		days, result.DatesFolded, result.PointsPublished)
	return result, nil
}
