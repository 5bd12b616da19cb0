package statistics

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"meterbridge/internal/observability/metrics"
)

// Series suffixes of the external statistics store.
const (
	SuffixConsumption   = "consumption"
	SuffixConsumptionF1 = "consumption_f1"
	SuffixConsumptionF2 = "consumption_f2"
	SuffixConsumptionF3 = "consumption_f3"
	SuffixCost          = "cost"
)

// Point is one cumulative sample of a series. Sum carries the full running
// total including this sample; State is the delta the sample added.
type Point struct {
	Timestamp time.Time
	State     float64
	Sum       float64
}

// PointSink appends points to the external long-term store.
type PointSink interface {
	Append(ctx context.Context, seriesID string, points []Point) error
}

// MarkerStore tracks the last imported timestamp per series.
type MarkerStore interface {
	Get(ctx context.Context, seriesID string) (time.Time, bool, error)
	Set(ctx context.Context, seriesID string, ts time.Time) error
}

// SeriesID builds the external identifier `{namespace}:{meterID}_{suffix}`.
// The meter id is normalized the way the store expects object ids.
func SeriesID(namespace, meterID, suffix string) string {
	return namespace + ":" + sanitize(meterID) + "_" + suffix
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Bridge projects ledger deltas into the external store, gated by
// per-series markers so replays never duplicate points.
type Bridge struct {
	sink    PointSink
	markers MarkerStore
	logger  *log.Logger
}

// NewBridge constructs a bridge.
func NewBridge(sink PointSink, markers MarkerStore, logger *log.Logger) (*Bridge, error) {
	if sink == nil {
		return nil, errors.New("statistics: nil point sink")
	}
	if markers == nil {
		return nil, errors.New("statistics: nil marker store")
	}
	if logger == nil {
		return nil, errors.New("statistics: nil logger")
	}
	return &Bridge{sink: sink, markers: markers, logger: logger}, nil
}

// Publish appends every point newer than the series marker, ascending by
// timestamp, then advances the marker to the last appended point. Zero
// survivors is a no-op. The marker only moves after a successful append,
// so retrying a failed call is safe.
func (b *Bridge) Publish(ctx context.Context, seriesID string, points []Point) (int, error) {
	if seriesID == "" {
		return 0, errors.New("statistics: empty series id")
	}
	if len(points) == 0 {
		return 0, nil
	}

	marker, hasMarker, err := b.markers.Get(ctx, seriesID)
	if err != nil {
		return 0, err
	}

	survivors := make([]Point, 0, len(points))
	for _, p := range points {
		if hasMarker && !p.Timestamp.After(marker) {
			continue
		}
		survivors = append(survivors, p)
	}
	if len(survivors) == 0 {
		return 0, nil
	}
	sort.Slice(survivors, func(a, c int) bool {
		return survivors[a].Timestamp.Before(survivors[c].Timestamp)
	})

	if err := b.sink.Append(ctx, seriesID, survivors); err != nil {
		return 0, err
	}
	last := survivors[len(survivors)-1].Timestamp
	if err := b.markers.Set(ctx, seriesID, last); err != nil {
		return 0, err
	}
	metrics.AddPointsPublished(suffixOf(seriesID), len(survivors))
	b.logger.Printf("statistics: published %d points to %s through %s",
		len(survivors), seriesID, last.Format(time.RFC3339))
	return len(survivors), nil
}

func suffixOf(seriesID string) string {
	if i := strings.LastIndex(seriesID, "_"); i >= 0 && i+1 < len(seriesID) {
		suffix := seriesID[i+1:]
		if strings.HasSuffix(seriesID, "_"+SuffixConsumptionF1) ||
			strings.HasSuffix(seriesID, "_"+SuffixConsumptionF2) ||
			strings.HasSuffix(seriesID, "_"+SuffixConsumptionF3) {
			return "consumption_" + suffix
		}
		return suffix
	}
	return seriesID
}
