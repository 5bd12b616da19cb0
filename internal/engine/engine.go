package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	consumption "meterbridge/internal/consumption/domain"
	invoice "meterbridge/internal/invoice/domain"
	"meterbridge/internal/observability/metrics"
	"meterbridge/internal/session"
	"meterbridge/internal/statistics"
	"meterbridge/internal/tariff"
)

// CycleState names the steps of one reconciliation cycle.
type CycleState string

const (
	StateIdle                  CycleState = "idle"
	StateAuthenticating        CycleState = "authenticating"
	StateFetchingConsumption   CycleState = "fetching_consumption"
	StateFoldingConsumption    CycleState = "folding_consumption"
	StatePublishingConsumption CycleState = "publishing_consumption"
	StateFetchingInvoices      CycleState = "fetching_invoices"
	StateFoldingInvoices       CycleState = "folding_invoices"
	StatePublishingCost        CycleState = "publishing_cost"
	StateFailed                CycleState = "failed"
)

var (
	// ErrCycleInProgress is returned when a trigger arrives while a cycle
	// or import is still running. The caller simply tries again later.
	ErrCycleInProgress = errors.New("engine: cycle already in flight")
	// ErrInvalidImportDays rejects a historical import outside [1,365].
	ErrInvalidImportDays = errors.New("engine: import days must be in [1,365]")
)

// CycleResult is the structured outcome of one cycle. Connection health of
// the whole bridge derives from the most recent result's Err.
type CycleResult struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	State           CycleState // idle on success, failed otherwise
	FailedStep      CycleState // step where the cycle stopped, empty on success
	Err             error
	Terminal        bool // user must reauthorize before cycles can resume
	DatesFolded     int
	SkippedDates    int
	InvoicesFolded  int
	PointsPublished int
}

// InvoiceFetcher returns the account's invoices for this meter.
type InvoiceFetcher interface {
	FetchInvoices(ctx context.Context) ([]invoice.Invoice, error)
}

// SessionEnsurer supplies a valid credential before network steps.
type SessionEnsurer interface {
	EnsureValid(ctx context.Context) (session.Credential, error)
}

// ConsumptionRepository persists the consumption ledger.
type ConsumptionRepository interface {
	Find(ctx context.Context, pod string) (*consumption.Ledger, error)
	Save(ctx context.Context, ledger *consumption.Ledger) error
}

// InvoiceRepository persists the invoice ledger.
type InvoiceRepository interface {
	Find(ctx context.Context, pod string) (*invoice.Ledger, error)
	Save(ctx context.Context, ledger *invoice.Ledger) error
}

// Publisher projects points into the external statistics store.
type Publisher interface {
	Publish(ctx context.Context, seriesID string, points []statistics.Point) (int, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Engine orchestrates reconciliation cycles. At most one cycle or import
// runs at a time; the ledgers are not built for concurrent mutation.
type Engine struct {
	runMu sync.Mutex // single-flight guard, held for a whole cycle

	sessions        SessionEnsurer
	fetcher         consumption.Fetcher
	invoices        InvoiceFetcher
	consumptionRepo ConsumptionRepository
	invoiceRepo     InvoiceRepository
	publisher       Publisher

	namespace string
	pod       string
	scheme    tariff.Scheme

	lookbackDays      int
	delayDays         int
	importDefaultDays int

	clock  Clock
	logger *log.Logger

	stateMu      sync.Mutex
	ledger       *consumption.Ledger
	invLedger    *invoice.Ledger
	lastResult   *CycleResult
	lastInvoices []invoice.Invoice
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLookbackDays sets how far back a routine cycle probes.
func WithLookbackDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.lookbackDays = days
		}
	}
}

// WithDelayDays sets how many most recent days are assumed unpublished.
func WithDelayDays(days int) Option {
	return func(e *Engine) {
		if days >= 0 {
			e.delayDays = days
		}
	}
}

// WithImportDefaultDays sets the default historical import window.
func WithImportDefaultDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.importDefaultDays = days
		}
	}
}

// NewEngine constructs an engine. Call Load before the first cycle.
func NewEngine(
	sessions SessionEnsurer,
	fetcher consumption.Fetcher,
	invoices InvoiceFetcher,
	consumptionRepo ConsumptionRepository,
	invoiceRepo InvoiceRepository,
	publisher Publisher,
	namespace string,
	pod string,
	scheme tariff.Scheme,
	logger *log.Logger,
	opts ...Option,
) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("engine: nil session ensurer")
	}
	if fetcher == nil {
		return nil, errors.New("engine: nil consumption fetcher")
	}
	if invoices == nil {
		return nil, errors.New("engine: nil invoice fetcher")
	}
	if consumptionRepo == nil {
		return nil, errors.New("engine: nil consumption repository")
	}
	if invoiceRepo == nil {
		return nil, errors.New("engine: nil invoice repository")
	}
	if publisher == nil {
		return nil, errors.New("engine: nil publisher")
	}
	if namespace == "" {
		return nil, errors.New("engine: empty namespace")
	}
	if pod == "" {
		return nil, errors.New("engine: empty pod")
	}
	if !scheme.IsValid() {
		return nil, consumption.ErrInvalidScheme
	}
	if logger == nil {
		return nil, errors.New("engine: nil logger")
	}
	e := &Engine{
		sessions:          sessions,
		fetcher:           fetcher,
		invoices:          invoices,
		consumptionRepo:   consumptionRepo,
		invoiceRepo:       invoiceRepo,
		publisher:         publisher,
		namespace:         namespace,
		pod:               pod,
		scheme:            scheme,
		lookbackDays:      7,
		delayDays:         2,
		importDefaultDays: 90,
		clock:             SystemClock{},
		logger:            logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Load restores both ledgers from their repositories, starting fresh
// ledgers when nothing was persisted yet.
func (e *Engine) Load(ctx context.Context) error {
	ledger, err := e.consumptionRepo.Find(ctx, e.pod)
	if err != nil {
		return err
	}
	if ledger == nil {
		ledger, err = consumption.NewLedger(e.pod, e.scheme)
		if err != nil {
			return err
		}
	}
	invLedger, err := e.invoiceRepo.Find(ctx, e.pod)
	if err != nil {
		return err
	}
	if invLedger == nil {
		invLedger, err = invoice.NewLedger(e.pod)
		if err != nil {
			return err
		}
	}
	e.stateMu.Lock()
	e.ledger = ledger
	e.invLedger = invLedger
	e.stateMu.Unlock()
	return nil
}

// RunCycle executes one full reconciliation cycle. A trigger while another
// cycle or import is running returns ErrCycleInProgress untouched.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	if !e.runMu.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer e.runMu.Unlock()

	result := CycleResult{
		ID:        uuid.NewString(),
		StartedAt: e.clock.Now(),
		State:     StateIdle,
	}
	e.logger.Printf("engine: cycle %s started", result.ID)

	if failed := e.authenticate(ctx, &result); failed {
		return e.finish(result), result.Err
	}
	if failed := e.reconcileConsumption(ctx, &result); failed {
		return e.finish(result), result.Err
	}
	if failed := e.reconcileInvoices(ctx, &result); failed {
		return e.finish(result), result.Err
	}
	return e.finish(result), nil
}

func (e *Engine) authenticate(ctx context.Context, result *CycleResult) bool {
	if _, err := e.sessions.EnsureValid(ctx); err != nil {
		var authErr *session.AuthError
		terminal := errors.As(err, &authErr) && authErr.Terminal
		e.fail(result, StateAuthenticating, err, terminal)
		return true
	}
	return false
}

func (e *Engine) reconcileConsumption(ctx context.Context, result *CycleResult) bool {
	e.stateMu.Lock()
	working := e.ledger.Clone()
	e.stateMu.Unlock()
	before := working.Totals()

	foldResult, foldErr := working.Fold(ctx, e.candidateDates(), e.fetcher)
	result.SkippedDates += len(foldResult.Skipped)
	for _, date := range foldResult.Skipped {
		e.logger.Printf("engine: skipped malformed day %s", date.Format("2006-01-02"))
	}

	if len(foldResult.Deltas) > 0 {
		published, err := e.publishConsumption(ctx, before, foldResult.Deltas)
		result.PointsPublished += published
		if err != nil {
			e.fail(result, StatePublishingConsumption, err, false)
			return true
		}
		if err := e.consumptionRepo.Save(ctx, working); err != nil {
			e.fail(result, StatePublishingConsumption, err, false)
			return true
		}
		e.stateMu.Lock()
		e.ledger = working
		e.stateMu.Unlock()
		result.DatesFolded += len(foldResult.Deltas)
		metrics.AddDatesFolded(len(foldResult.Deltas))
	}

	if foldErr != nil {
		var authErr *session.AuthError
		terminal := errors.As(foldErr, &authErr) && authErr.Terminal
		e.fail(result, StateFoldingConsumption, foldErr, terminal)
		return true
	}
	return false
}

func (e *Engine) reconcileInvoices(ctx context.Context, result *CycleResult) bool {
	invoices, err := e.invoices.FetchInvoices(ctx)
	if err != nil {
		var authErr *session.AuthError
		terminal := errors.As(err, &authErr) && authErr.Terminal
		e.fail(result, StateFetchingInvoices, err, terminal)
		return true
	}
	e.stateMu.Lock()
	e.lastInvoices = invoices
	working := e.invLedger.Clone()
	before := e.invLedger.InvoicedAmount()
	e.stateMu.Unlock()

	foldResult := working.Fold(invoices)
	if len(foldResult.NewlyProcessed) > 0 {
		published, err := e.publishCost(ctx, before, foldResult.NewlyProcessed)
		result.PointsPublished += published
		if err != nil {
			e.fail(result, StatePublishingCost, err, false)
			return true
		}
		if err := e.invoiceRepo.Save(ctx, working); err != nil {
			e.fail(result, StatePublishingCost, err, false)
			return true
		}
		e.stateMu.Lock()
		e.invLedger = working
		e.stateMu.Unlock()
		result.InvoicesFolded += len(foldResult.NewlyProcessed)
		metrics.AddInvoicesFolded(len(foldResult.NewlyProcessed))
	}
	return false
}

// candidateDates spans the routine probe window, oldest first. The most
// recent days are excluded because the portal publishes with a delay.
func (e *Engine) candidateDates() []time.Time {
	today := consumption.Day(e.clock.Now())
	var dates []time.Time
	for offset := e.lookbackDays; offset >= e.delayDays; offset-- {
		dates = append(dates, today.AddDate(0, 0, -offset))
	}
	return dates
}

type seriesSpec struct {
	bucket tariff.Bucket
	suffix string
}

func (e *Engine) publishConsumption(ctx context.Context, before map[tariff.Bucket]float64, deltas []tariff.DailyBucketSums) (int, error) {
	series := []seriesSpec{{tariff.BucketTotal, statistics.SuffixConsumption}}
	if e.scheme == tariff.SchemeBioraria {
		series = append(series,
			seriesSpec{tariff.BucketF1, statistics.SuffixConsumptionF1},
			seriesSpec{tariff.BucketF2, statistics.SuffixConsumptionF2},
			seriesSpec{tariff.BucketF3, statistics.SuffixConsumptionF3},
		)
	}

	var published int
	for _, s := range series {
		running := before[s.bucket]
		points := make([]statistics.Point, 0, len(deltas))
		for _, delta := range deltas {
			value := delta.Totals[s.bucket]
			running += value
			points = append(points, statistics.Point{
				Timestamp: consumption.Day(delta.Date),
				State:     value,
				Sum:       running,
			})
		}
		count, err := e.publisher.Publish(ctx, statistics.SeriesID(e.namespace, e.pod, s.suffix), points)
		published += count
		if err != nil {
			return published, err
		}
	}
	return published, nil
}

// publishCost projects newly folded invoices as one point per issue date.
// Invoices issued the same day collapse into a single point so the series
// keeps strictly increasing timestamps.
func (e *Engine) publishCost(ctx context.Context, before float64, processed []invoice.Invoice) (int, error) {
	running := before
	points := make([]statistics.Point, 0, len(processed))
	for _, inv := range processed {
		day := consumption.Day(inv.IssueDate)
		running += inv.Amount()
		if n := len(points); n > 0 && points[n-1].Timestamp.Equal(day) {
			points[n-1].State += inv.Amount()
			points[n-1].Sum = running
			continue
		}
		points = append(points, statistics.Point{
			Timestamp: day,
			State:     inv.Amount(),
			Sum:       running,
		})
	}
	return e.publisher.Publish(ctx, statistics.SeriesID(e.namespace, e.pod, statistics.SuffixCost), points)
}

func (e *Engine) fail(result *CycleResult, step CycleState, err error, terminal bool) {
	result.State = StateFailed
	result.FailedStep = step
	result.Err = err
	result.Terminal = terminal
	e.logger.Printf("engine: cycle %s failed at %s: %v", result.ID, step, err)
}

func (e *Engine) finish(result CycleResult) CycleResult {
	result.FinishedAt = e.clock.Now()
	outcome := metrics.ResultSuccess
	if result.Err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveCycle(outcome, result.FinishedAt.Sub(result.StartedAt))
	if result.Err == nil {
		e.logger.Printf("engine: cycle %s done: %d dates, %d invoices, %d points",
			result.ID, result.DatesFolded, result.InvoicesFolded, result.PointsPublished)
	}
	e.stateMu.Lock()
	saved := result
	e.lastResult = &saved
	e.stateMu.Unlock()
	return result
}
