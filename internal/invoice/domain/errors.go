package invoice

import "errors"

var (
	// ErrEmptyPOD indicates a missing meter identifier.
	ErrEmptyPOD = errors.New("invoice: empty pod")
	// ErrNilLedger indicates a nil aggregate was passed to a repository.
	ErrNilLedger = errors.New("invoice: nil ledger")
)
