package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	invoice "meterbridge/internal/invoice/domain"
)

const (
	defaultLedgerTable  = "invoice_ledgers"
	defaultNumbersTable = "invoice_ledger_numbers"
)

// LedgerRepository persists invoice ledger state. The processed-number set
// lives in a child table so folds stay idempotent across crashes.
type LedgerRepository struct {
	db           *sql.DB
	ledgerTable  string
	numbersTable string
}

// NewLedgerRepository constructs a repository with defaults.
func NewLedgerRepository(db *sql.DB, opts ...RepositoryOption) *LedgerRepository {
	repo := &LedgerRepository{
		db:           db,
		ledgerTable:  defaultLedgerTable,
		numbersTable: defaultNumbersTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*LedgerRepository)

// WithLedgerTable overrides the ledger table name.
func WithLedgerTable(table string) RepositoryOption {
	return func(repo *LedgerRepository) {
		if table != "" {
			repo.ledgerTable = table
		}
	}
}

// WithNumbersTable overrides the processed-numbers table name.
func WithNumbersTable(table string) RepositoryOption {
	return func(repo *LedgerRepository) {
		if table != "" {
			repo.numbersTable = table
		}
	}
}

// Find loads the ledger for a meter; nil when none was saved yet.
func (r *LedgerRepository) Find(ctx context.Context, pod string) (*invoice.Ledger, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("invoice repo: nil db")
	}
	if pod == "" {
		return nil, invoice.ErrEmptyPOD
	}

	query := fmt.Sprintf(`
SELECT invoiced_amount FROM %s WHERE pod = $1 LIMIT 1`, r.ledgerTable)
	var amount float64
	if err := r.db.QueryRowContext(ctx, query, pod).Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	numbersQuery := fmt.Sprintf(`
SELECT invoice_number FROM %s WHERE pod = $1`, r.numbersTable)
	rows, err := r.db.QueryContext(ctx, numbersQuery, pod)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, err
		}
		numbers = append(numbers, number)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoice.RestoreLedger(pod, numbers, amount)
}

// Save upserts the ledger state and records newly processed numbers.
func (r *LedgerRepository) Save(ctx context.Context, ledger *invoice.Ledger) error {
	if r == nil || r.db == nil {
		return errors.New("invoice repo: nil db")
	}
	if ledger == nil {
		return invoice.ErrNilLedger
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ledgerQuery := fmt.Sprintf(`
INSERT INTO %s (pod, invoiced_amount)
VALUES ($1, $2)
ON CONFLICT (pod)
DO UPDATE SET
	invoiced_amount = EXCLUDED.invoiced_amount,
	updated_at = NOW()`, r.ledgerTable)
	if _, err := tx.ExecContext(ctx, ledgerQuery, ledger.POD(), ledger.InvoicedAmount()); err != nil {
		return err
	}

	numberQuery := fmt.Sprintf(`
INSERT INTO %s (pod, invoice_number)
VALUES ($1, $2)
ON CONFLICT (pod, invoice_number)
DO NOTHING`, r.numbersTable)
	for _, number := range ledger.ProcessedNumbers() {
		if _, err := tx.ExecContext(ctx, numberQuery, ledger.POD(), number); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ledger.MarkPersisted()
	return nil
}
