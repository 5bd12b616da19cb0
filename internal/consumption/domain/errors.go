package consumption

import "errors"

var (
	// ErrEmptyPOD indicates a missing meter identifier.
	ErrEmptyPOD = errors.New("consumption: empty pod")
	// ErrInvalidScheme indicates an unknown tariff scheme.
	ErrInvalidScheme = errors.New("consumption: invalid tariff scheme")
	// ErrNilLedger indicates a nil aggregate was passed to a repository.
	ErrNilLedger = errors.New("consumption: nil ledger")
	// ErrNilFetcher indicates a fold was attempted without a fetcher.
	ErrNilFetcher = errors.New("consumption: nil fetcher")
	// ErrInvalidRange indicates a backfill range with end before start or
	// spanning more than a year.
	ErrInvalidRange = errors.New("consumption: invalid backfill range")

	// ErrNotYetAvailable is returned by fetchers for a day the portal has
	// not published yet. It stops forward advancement without being an
	// error of the cycle.
	ErrNotYetAvailable = errors.New("consumption: day not yet available")
)
