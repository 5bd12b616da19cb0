package tariff

import (
	"fmt"
	"time"
)

// HourlyReading is one metered hour for a day. Hour 0 covers 00:00-01:00.
type HourlyReading struct {
	Date time.Time
	Hour int
	KWh  float64
}

// DailyBucketSums holds the per-band energy totals of a single day.
// Under Monoraria only Total is populated; under Bioraria the Total
// equals F1+F2+F3 by construction.
type DailyBucketSums struct {
	Date   time.Time
	Totals map[Bucket]float64
}

// Total returns the day's full energy.
func (d DailyBucketSums) Total() float64 {
	return d.Totals[BucketTotal]
}

// InvalidReadingError reports a malformed upstream sample.
type InvalidReadingError struct {
	Date   time.Time
	Hour   int
	Value  float64
	Reason string
}

func (e *InvalidReadingError) Error() string {
	return fmt.Sprintf("tariff: invalid reading %s hour %d value %g: %s",
		e.Date.Format("2006-01-02"), e.Hour, e.Value, e.Reason)
}

// Classify folds 0..24 hourly readings of one day into per-band sums.
// Missing hours are simply absent from the sums; duplicate hours are summed
// as-is. A negative value or an out-of-range hour fails the whole day.
func Classify(date time.Time, readings []HourlyReading, scheme Scheme) (DailyBucketSums, error) {
	sums := DailyBucketSums{
		Date:   date,
		Totals: map[Bucket]float64{BucketTotal: 0},
	}
	if scheme == SchemeBioraria {
		sums.Totals[BucketF1] = 0
		sums.Totals[BucketF2] = 0
		sums.Totals[BucketF3] = 0
	}
	for _, r := range readings {
		if r.Hour < 0 || r.Hour > 23 {
			return DailyBucketSums{}, &InvalidReadingError{Date: date, Hour: r.Hour, Value: r.KWh, Reason: "hour out of range"}
		}
		if r.KWh < 0 {
			return DailyBucketSums{}, &InvalidReadingError{Date: date, Hour: r.Hour, Value: r.KWh, Reason: "negative value"}
		}
		bucket := BucketFor(date, r.Hour, scheme)
		sums.Totals[bucket] += r.KWh
		if bucket != BucketTotal {
			sums.Totals[BucketTotal] += r.KWh
		}
	}
	return sums, nil
}
