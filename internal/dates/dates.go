// Package dates provides calendar-day arithmetic on compact YYYYMMDD integers.
// All day boundaries are midnight UTC; minute indices run 0-1439 within a day.
package dates

import (
	"fmt"
	"strconv"
	"time"
)

// MinutesPerDay is the number of one-minute slots in a calendar day.
const MinutesPerDay = 1440

// Day is a calendar day encoded as a YYYYMMDD integer, e.g. 20240101.
type Day int

// FromTime returns the UTC calendar day containing t.
func FromTime(t time.Time) Day {
	t = t.UTC()
	return Day(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// Today returns the current UTC calendar day.
func Today() Day {
	return FromTime(time.Now())
}

// Parse converts a YYYYMMDD string into a Day.
func Parse(s string) (Day, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", s, err)
	}
	d := Day(n)
	if !d.Valid() {
		return 0, fmt.Errorf("invalid day %q", s)
	}
	return d, nil
}

// Valid reports whether d encodes a real calendar date.
func (d Day) Valid() bool {
	if d < 10000101 || d > 99991231 {
		return false
	}
	return FromTime(d.Time()) == d
}

// Time returns midnight UTC at the start of d.
func (d Day) Time() time.Time {
	y := int(d) / 10000
	m := time.Month(int(d) / 100 % 100)
	day := int(d) % 100
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// Minute returns the start of minute m (0-1439) on day d.
func (d Day) Minute(m int) time.Time {
	return d.Time().Add(time.Duration(m) * time.Minute)
}

// AddDays returns the day n calendar days after d (n may be negative).
func (d Day) AddDays(n int) Day {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// Next returns the day after d.
func (d Day) Next() Day { return d.AddDays(1) }

// Prev returns the day before d.
func (d Day) Prev() Day { return d.AddDays(-1) }

func (d Day) String() string {
	return strconv.Itoa(int(d))
}

// DaysBetween returns the number of calendar days from a to b.
// Positive when b is after a, zero when equal.
func DaysBetween(a, b Day) int {
	return int(b.Time().Sub(a.Time()) / (24 * time.Hour))
}

// MinuteOfDay returns the day and minute index for a millisecond timestamp.
func MinuteOfDay(tsMillis int64) (Day, int) {
	t := time.UnixMilli(tsMillis).UTC()
	return FromTime(t), t.Hour()*60 + t.Minute()
}
