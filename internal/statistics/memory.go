package statistics

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory point sink and marker store.
type MemoryStore struct {
	mu      sync.Mutex
	points  map[string][]Point
	markers map[string]time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		points:  make(map[string][]Point),
		markers: make(map[string]time.Time),
	}
}

// Append stores points, skipping timestamps already present.
func (s *MemoryStore) Append(ctx context.Context, seriesID string, points []Point) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.points[seriesID]
	for _, p := range points {
		duplicate := false
		for _, have := range existing {
			if have.Timestamp.Equal(p.Timestamp) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			existing = append(existing, p)
		}
	}
	s.points[seriesID] = existing
	return nil
}

// Get returns the series marker.
func (s *MemoryStore) Get(ctx context.Context, seriesID string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.markers[seriesID]
	return ts, ok, nil
}

// Set stores the series marker.
func (s *MemoryStore) Set(ctx context.Context, seriesID string, ts time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[seriesID] = ts
	return nil
}

// Points returns a copy of a series for assertions.
func (s *MemoryStore) Points(seriesID string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Point, len(s.points[seriesID]))
	copy(copied, s.points[seriesID])
	return copied
}
