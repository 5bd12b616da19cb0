package tariff

import "time"

// Bucket identifies a time-of-use tariff band.
type Bucket string

const (
	BucketTotal Bucket = "total"
	BucketF1    Bucket = "f1"
	BucketF2    Bucket = "f2"
	BucketF3    Bucket = "f3"
)

// Scheme selects the contract's tariff structure.
type Scheme string

const (
	// SchemeMonoraria bills every hour at the same rate.
	SchemeMonoraria Scheme = "monoraria"
	// SchemeBioraria bills by fascia (F1 peak, F2 mid, F3 off-peak).
	SchemeBioraria Scheme = "bioraria"
)

// IsValid reports whether the scheme is a known value.
func (s Scheme) IsValid() bool {
	switch s {
	case SchemeMonoraria, SchemeBioraria:
		return true
	}
	return false
}

// Fixed-date Italian public holidays as (month, day) pairs.
var fixedHolidays = [...][2]int{
	{1, 1},   // Capodanno
	{1, 6},   // Epifania
	{4, 25},  // Liberazione
	{5, 1},   // Festa del Lavoro
	{6, 2},   // Festa della Repubblica
	{8, 15},  // Ferragosto
	{11, 1},  // Ognissanti
	{12, 8},  // Immacolata
	{12, 25}, // Natale
	{12, 26}, // Santo Stefano
}

// easterSunday computes Easter Sunday for a year with the Anonymous
// Gregorian algorithm.
func easterSunday(year int) (month, day int) {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month = (h + l - 7*m + 114) / 31
	day = (h+l-7*m+114)%31 + 1
	return month, day
}

// IsHoliday reports whether date falls on an Italian public holiday,
// including Easter Sunday and Easter Monday.
func IsHoliday(date time.Time) bool {
	month := int(date.Month())
	day := date.Day()
	for _, h := range fixedHolidays {
		if month == h[0] && day == h[1] {
			return true
		}
	}
	em, ed := easterSunday(date.Year())
	if month == em && day == ed {
		return true
	}
	easter := time.Date(date.Year(), time.Month(em), ed, 0, 0, 0, 0, time.UTC)
	monday := easter.AddDate(0, 0, 1)
	return month == int(monday.Month()) && day == monday.Day()
}

// BucketFor resolves the tariff band for one hour of a day. Hour ranges are
// half-open, so a boundary hour belongs to the later band.
func BucketFor(date time.Time, hour int, scheme Scheme) Bucket {
	if scheme == SchemeMonoraria {
		return BucketTotal
	}
	if IsHoliday(date) || date.Weekday() == time.Sunday {
		return BucketF3
	}
	if date.Weekday() == time.Saturday {
		if hour >= 7 && hour < 23 {
			return BucketF2
		}
		return BucketF3
	}
	switch {
	case hour >= 8 && hour < 19:
		return BucketF1
	case hour >= 7 && hour < 23:
		return BucketF2
	default:
		return BucketF3
	}
}
