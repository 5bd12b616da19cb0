package tariff

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEasterSunday(t *testing.T) {
	cases := []struct {
		year  int
		month int
		day   int
	}{
		{2024, 3, 31},
		{2025, 4, 20},
		{2026, 4, 5},
		{2000, 4, 23},
		{1999, 4, 4},
	}
	for _, tc := range cases {
		m, d := easterSunday(tc.year)
		if m != tc.month || d != tc.day {
			t.Fatalf("easter %d: got %d-%d, want %d-%d", tc.year, m, d, tc.month, tc.day)
		}
	}
}

func TestIsHoliday(t *testing.T) {
	holidays := []time.Time{
		day(2024, time.January, 1),
		day(2024, time.January, 6),
		day(2024, time.April, 25),
		day(2024, time.May, 1),
		day(2024, time.June, 2),
		day(2024, time.August, 15),
		day(2024, time.November, 1),
		day(2024, time.December, 8),
		day(2024, time.December, 25),
		day(2024, time.December, 26),
		day(2024, time.March, 31), // Easter Sunday
		day(2024, time.April, 1),  // Easter Monday
		day(2025, time.April, 21), // Easter Monday
	}
	for _, d := range holidays {
		if !IsHoliday(d) {
			t.Fatalf("expected %s to be a holiday", d.Format("2006-01-02"))
		}
	}
	workdays := []time.Time{
		day(2024, time.June, 10),
		day(2024, time.April, 2), // day after Easter Monday
		day(2024, time.December, 27),
	}
	for _, d := range workdays {
		if IsHoliday(d) {
			t.Fatalf("expected %s not to be a holiday", d.Format("2006-01-02"))
		}
	}
}

func TestBucketForMonoraria(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		if got := BucketFor(day(2024, time.June, 10), hour, SchemeMonoraria); got != BucketTotal {
			t.Fatalf("monoraria hour %d: got %s, want total", hour, got)
		}
	}
	// Scheme wins over the calendar.
	if got := BucketFor(day(2024, time.December, 25), 10, SchemeMonoraria); got != BucketTotal {
		t.Fatalf("monoraria holiday: got %s, want total", got)
	}
}

func TestBucketForBioraria(t *testing.T) {
	monday := day(2024, time.June, 17)
	saturday := day(2024, time.June, 15)
	sunday := day(2024, time.June, 16)
	christmas := day(2024, time.December, 25)

	cases := []struct {
		name string
		date time.Time
		hour int
		want Bucket
	}{
		{"weekday peak start", monday, 8, BucketF1},
		{"weekday peak middle", monday, 12, BucketF1},
		{"weekday peak last", monday, 18, BucketF1},
		{"weekday shoulder morning", monday, 7, BucketF2},
		{"weekday shoulder evening start", monday, 19, BucketF2},
		{"weekday shoulder evening last", monday, 22, BucketF2},
		{"weekday night before", monday, 6, BucketF3},
		{"weekday night after", monday, 23, BucketF3},
		{"weekday midnight", monday, 0, BucketF3},
		{"saturday day", saturday, 10, BucketF2},
		{"saturday first", saturday, 7, BucketF2},
		{"saturday last", saturday, 22, BucketF2},
		{"saturday night", saturday, 23, BucketF3},
		{"saturday early", saturday, 6, BucketF3},
		{"sunday noon", sunday, 12, BucketF3},
		{"holiday noon", christmas, 10, BucketF3},
	}
	for _, tc := range cases {
		if got := BucketFor(tc.date, tc.hour, SchemeBioraria); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
