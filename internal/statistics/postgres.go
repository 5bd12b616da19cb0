package statistics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultPointsTable  = "statistic_points"
	defaultMarkersTable = "statistic_markers"
)

// PostgresStore persists statistic points and series markers. It backs
// both the PointSink and MarkerStore roles of the bridge.
type PostgresStore struct {
	db           *sql.DB
	pointsTable  string
	markersTable string
}

// NewPostgresStore constructs a store with default table names.
func NewPostgresStore(db *sql.DB, opts ...StoreOption) *PostgresStore {
	store := &PostgresStore{
		db:           db,
		pointsTable:  defaultPointsTable,
		markersTable: defaultMarkersTable,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// StoreOption configures the store.
type StoreOption func(*PostgresStore)

// WithPointsTable overrides the points table name.
func WithPointsTable(table string) StoreOption {
	return func(store *PostgresStore) {
		if table != "" {
			store.pointsTable = table
		}
	}
}

// WithMarkersTable overrides the markers table name.
func WithMarkersTable(table string) StoreOption {
	return func(store *PostgresStore) {
		if table != "" {
			store.markersTable = table
		}
	}
}

// Append inserts points, ignoring timestamps already present so replays
// stay idempotent at the storage level too.
func (s *PostgresStore) Append(ctx context.Context, seriesID string, points []Point) error {
	if s == nil || s.db == nil {
		return errors.New("statistics store: nil db")
	}
	if seriesID == "" {
		return errors.New("statistics store: empty series id")
	}
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
INSERT INTO %s (series_id, start_ts, state, sum)
VALUES ($1, $2, $3, $4)
ON CONFLICT (series_id, start_ts)
DO NOTHING`, s.pointsTable)
	for _, p := range points {
		if _, err := tx.ExecContext(ctx, query, seriesID, p.Timestamp.UTC(), p.State, p.Sum); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get loads the series marker; ok is false when the series is unknown.
func (s *PostgresStore) Get(ctx context.Context, seriesID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, errors.New("statistics store: nil db")
	}
	query := fmt.Sprintf(`
SELECT last_imported_ts FROM %s WHERE series_id = $1`, s.markersTable)
	var ts time.Time
	if err := s.db.QueryRowContext(ctx, query, seriesID).Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return ts.UTC(), true, nil
}

// Set upserts the series marker.
func (s *PostgresStore) Set(ctx context.Context, seriesID string, ts time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("statistics store: nil db")
	}
	if seriesID == "" {
		return errors.New("statistics store: empty series id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (series_id, last_imported_ts, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (series_id)
DO UPDATE SET
	last_imported_ts = EXCLUDED.last_imported_ts,
	updated_at = NOW()`, s.markersTable)
	_, err := s.db.ExecContext(ctx, query, seriesID, ts.UTC())
	return err
}
