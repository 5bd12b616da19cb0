package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	consumption "meterbridge/internal/consumption/domain"
	"meterbridge/internal/tariff"
)

const defaultLedgerTable = "consumption_ledgers"

// LedgerRepository persists consumption ledger state.
type LedgerRepository struct {
	db    *sql.DB
	table string
}

// NewLedgerRepository constructs a repository with defaults.
func NewLedgerRepository(db *sql.DB, opts ...RepositoryOption) *LedgerRepository {
	repo := &LedgerRepository{db: db, table: defaultLedgerTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*LedgerRepository)

// WithTable overrides the default table.
func WithTable(table string) RepositoryOption {
	return func(repo *LedgerRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Find loads the ledger for a meter; nil when none was saved yet.
func (r *LedgerRepository) Find(ctx context.Context, pod string) (*consumption.Ledger, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("consumption repo: nil db")
	}
	if pod == "" {
		return nil, consumption.ErrEmptyPOD
	}

	query := fmt.Sprintf(`
SELECT scheme, last_processed_date, total_kwh, f1_kwh, f2_kwh, f3_kwh
FROM %s
WHERE pod = $1
LIMIT 1`, r.table)

	var scheme string
	var lastProcessed sql.NullTime
	var total, f1, f2, f3 float64
	row := r.db.QueryRowContext(ctx, query, pod)
	if err := row.Scan(&scheme, &lastProcessed, &total, &f1, &f2, &f3); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	totals := map[tariff.Bucket]float64{
		tariff.BucketTotal: total,
		tariff.BucketF1:    f1,
		tariff.BucketF2:    f2,
		tariff.BucketF3:    f3,
	}
	var watermark time.Time
	if lastProcessed.Valid {
		watermark = lastProcessed.Time
	}
	return consumption.RestoreLedger(pod, tariff.Scheme(scheme), watermark, totals)
}

// Save upserts the ledger state.
func (r *LedgerRepository) Save(ctx context.Context, ledger *consumption.Ledger) error {
	if r == nil || r.db == nil {
		return errors.New("consumption repo: nil db")
	}
	if ledger == nil {
		return consumption.ErrNilLedger
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	pod,
	scheme,
	last_processed_date,
	total_kwh,
	f1_kwh,
	f2_kwh,
	f3_kwh
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (pod)
DO UPDATE SET
	scheme = EXCLUDED.scheme,
	last_processed_date = EXCLUDED.last_processed_date,
	total_kwh = EXCLUDED.total_kwh,
	f1_kwh = EXCLUDED.f1_kwh,
	f2_kwh = EXCLUDED.f2_kwh,
	f3_kwh = EXCLUDED.f3_kwh,
	updated_at = NOW()`, r.table)

	var watermark sql.NullTime
	if date, ok := ledger.LastProcessedDate(); ok {
		watermark = sql.NullTime{Time: date, Valid: true}
	}
	_, err := r.db.ExecContext(
		ctx,
		query,
		ledger.POD(),
		string(ledger.Scheme()),
		watermark,
		ledger.Total(tariff.BucketTotal),
		ledger.Total(tariff.BucketF1),
		ledger.Total(tariff.BucketF2),
		ledger.Total(tariff.BucketF3),
	)
	if err != nil {
		return err
	}

	ledger.MarkPersisted()
	return nil
}
