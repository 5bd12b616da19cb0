package memory

import (
	"context"
	"sync"

	invoice "meterbridge/internal/invoice/domain"
)

// LedgerRepository is an in-memory repository for invoice ledgers.
type LedgerRepository struct {
	mu   sync.RWMutex
	data map[string]*invoice.Ledger
}

// NewLedgerRepository constructs a repository.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{data: make(map[string]*invoice.Ledger)}
}

// Find loads the ledger for a meter; nil when none was saved yet.
func (r *LedgerRepository) Find(ctx context.Context, pod string) (*invoice.Ledger, error) {
	_ = ctx
	if pod == "" {
		return nil, invoice.ErrEmptyPOD
	}
	r.mu.RLock()
	ledger := r.data[pod]
	r.mu.RUnlock()
	if ledger == nil {
		return nil, nil
	}
	return ledger.Clone(), nil
}

// Save persists the ledger (overwrites existing).
func (r *LedgerRepository) Save(ctx context.Context, ledger *invoice.Ledger) error {
	_ = ctx
	if ledger == nil {
		return invoice.ErrNilLedger
	}

	copied := ledger.Clone()
	r.mu.Lock()
	r.data[ledger.POD()] = copied
	r.mu.Unlock()

	ledger.MarkPersisted()
	return nil
}
