package memory

import (
	"context"
	"sync"

	consumption "meterbridge/internal/consumption/domain"
)

// LedgerRepository is an in-memory repository for consumption ledgers.
type LedgerRepository struct {
	mu   sync.RWMutex
	data map[string]*consumption.Ledger
}

// NewLedgerRepository constructs a repository.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{data: make(map[string]*consumption.Ledger)}
}

// Find loads the ledger for a meter; nil when none was saved yet.
func (r *LedgerRepository) Find(ctx context.Context, pod string) (*consumption.Ledger, error) {
	_ = ctx
	if pod == "" {
		return nil, consumption.ErrEmptyPOD
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
func (r *LedgerRepository) Save(ctx context.Context, ledger *consumption.Ledger) error {
	_ = ctx
	if ledger == nil {
		return consumption.ErrNilLedger
	}

	copied := ledger.Clone()
	r.mu.Lock()
	r.data[ledger.POD()] = copied
	r.mu.Unlock()

	ledger.MarkPersisted()
	return nil
}
