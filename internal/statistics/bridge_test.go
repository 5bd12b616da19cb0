package statistics

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func ts(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestBridge(t *testing.T, store *MemoryStore) *Bridge {
	t.Helper()
	bridge, err := NewBridge(store, store, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return bridge
}

func TestSeriesID(t *testing.T) {
	got := SeriesID("meterbridge", "IT001E123-45", SuffixConsumption)
	want := "meterbridge:it001e123_45_consumption"
	if got != want {
		t.Fatalf("series id: got %s, want %s", got, want)
	}
}

func TestPublishAppendsAndAdvancesMarker(t *testing.T) {
	store := NewMemoryStore()
	bridge := newTestBridge(t, store)
	seriesID := SeriesID("meterbridge", "pod1", SuffixConsumption)

	points := []Point{
		{Timestamp: ts(2024, time.June, 10), State: 24, Sum: 24},
		{Timestamp: ts(2024, time.June, 11), State: 24, Sum: 48},
	}
	count, err := bridge.Publish(context.Background(), seriesID, points)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 2 {
		t.Fatalf("published: got %d, want 2", count)
	}
	marker, ok, err := store.Get(context.Background(), seriesID)
	if err != nil || !ok {
		t.Fatalf("marker: ok=%v err=%v", ok, err)
	}
	if !marker.Equal(ts(2024, time.June, 11)) {
		t.Fatalf("marker: got %v", marker)
	}
}

func TestPublishFiltersAtOrBeforeMarker(t *testing.T) {
	store := NewMemoryStore()
	bridge := newTestBridge(t, store)
	seriesID := SeriesID("meterbridge", "pod1", SuffixConsumption)
	if err := store.Set(context.Background(), seriesID, ts(2024, time.June, 11)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	points := []Point{
		{Timestamp: ts(2024, time.June, 10), Sum: 24},
		{Timestamp: ts(2024, time.June, 11), Sum: 48},
		{Timestamp: ts(2024, time.June, 12), Sum: 72},
	}
	count, err := bridge.Publish(context.Background(), seriesID, points)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 1 {
		t.Fatalf("published: got %d, want 1", count)
	}
	stored := store.Points(seriesID)
	if len(stored) != 1 || !stored[0].Timestamp.Equal(ts(2024, time.June, 12)) {
		t.Fatalf("stored: %v", stored)
	}
}

func TestPublishZeroSurvivorsIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	bridge := newTestBridge(t, store)
	seriesID := SeriesID("meterbridge", "pod1", SuffixCost)
	if err := store.Set(context.Background(), seriesID, ts(2024, time.June, 12)); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	count, err := bridge.Publish(context.Background(), seriesID, []Point{
		{Timestamp: ts(2024, time.June, 12), Sum: 10},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if count != 0 {
		t.Fatalf("published: got %d, want 0", count)
	}
	marker, _, _ := store.Get(context.Background(), seriesID)
	if !marker.Equal(ts(2024, time.June, 12)) {
		t.Fatalf("marker moved on no-op: %v", marker)
	}
}

func TestPublishSortsOutOfOrderPoints(t *testing.T) {
	store := NewMemoryStore()
	bridge := newTestBridge(t, store)
	seriesID := SeriesID("meterbridge", "pod1", SuffixConsumption)

	points := []Point{
		{Timestamp: ts(2024, time.June, 12), Sum: 72},
		{Timestamp: ts(2024, time.June, 10), Sum: 24},
		{Timestamp: ts(2024, time.June, 11), Sum: 48},
	}
	if _, err := bridge.Publish(context.Background(), seriesID, points); err != nil {
		t.Fatalf("publish: %v", err)
	}
	stored := store.Points(seriesID)
	for i := 1; i < len(stored); i++ {
		if stored[i].Timestamp.Before(stored[i-1].Timestamp) {
			t.Fatalf("stored out of order: %v", stored)
		}
	}
	marker, _, _ := store.Get(context.Background(), seriesID)
	if !marker.Equal(ts(2024, time.June, 12)) {
		t.Fatalf("marker: got %v", marker)
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, string, []Point) error {
	return errors.New("store unavailable")
}

func TestPublishKeepsMarkerOnAppendFailure(t *testing.T) {
	store := NewMemoryStore()
	bridge, err := NewBridge(failingSink{}, store, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	seriesID := SeriesID("meterbridge", "pod1", SuffixConsumption)

	_, err = bridge.Publish(context.Background(), seriesID, []Point{
		{Timestamp: ts(2024, time.June, 10), Sum: 24},
	})
	if err == nil {
		t.Fatalf("expected append failure")
	}
	if _, ok, _ := store.Get(context.Background(), seriesID); ok {
		t.Fatalf("marker must not advance after a failed append")
	}
}

func TestPublishReplayIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	bridge := newTestBridge(t, store)
	seriesID := SeriesID("meterbridge", "pod1", SuffixConsumption)

	points := []Point{
		{Timestamp: ts(2024, time.June, 10), Sum: 24},
		{Timestamp: ts(2024, time.June, 11), Sum: 48},
	}
	if _, err := bridge.Publish(context.Background(), seriesID, points); err != nil {
		t.Fatalf("publish: %v", err)
	}
	count, err := bridge.Publish(context.Background(), seriesID, points)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("replay published %d points", count)
	}
	if got := len(store.Points(seriesID)); got != 2 {
		t.Fatalf("stored points: got %d, want 2", got)
	}
}
