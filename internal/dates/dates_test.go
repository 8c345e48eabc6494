package dates

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTimeUsesUTC(t *testing.T) {
	// 23:30 in UTC+2 is 21:30 UTC the same day; 00:30 in UTC+2 is the
	// previous UTC day.
	tz := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, Day(20240315), FromTime(time.Date(2024, 3, 15, 23, 30, 0, 0, tz)))
	assert.Equal(t, Day(20240314), FromTime(time.Date(2024, 3, 15, 0, 30, 0, 0, tz)))
}

func TestParse(t *testing.T) {
	d, err := Parse("20240229")
	require.NoError(t, err)
	assert.Equal(t, Day(20240229), d)

	for _, bad := range []string{"", "abc", "2024010", "20240230", "20241301", "20240100"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestDayArithmetic(t *testing.T) {
	d := Day(20231231)
	assert.Equal(t, Day(20240101), d.Next())
	assert.Equal(t, Day(20231230), d.Prev())
	assert.Equal(t, Day(20240229), Day(20240228).AddDays(1), "leap year")
	assert.Equal(t, Day(20250301), Day(20250228).AddDays(1), "non-leap year")

	assert.Equal(t, 0, DaysBetween(d, d))
	assert.Equal(t, 2, DaysBetween(Day(20231231), Day(20240102)))
	assert.Equal(t, -2, DaysBetween(Day(20240102), Day(20231231)))
}

func TestMinute(t *testing.T) {
	d := Day(20240102)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), d.Minute(0))
	assert.Equal(t, time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC), d.Minute(MinutesPerDay-1))
}

func TestMinuteOfDay(t *testing.T) {
	ts := time.Date(2024, 1, 2, 13, 7, 42, 0, time.UTC).UnixMilli()
	day, minute := MinuteOfDay(ts)
	assert.Equal(t, Day(20240102), day)
	assert.Equal(t, 13*60+7, minute, "seconds truncate to the containing minute")

	day, minute = MinuteOfDay(Day(20240103).Minute(0).UnixMilli())
	assert.Equal(t, Day(20240103), day)
	assert.Zero(t, minute)
}
